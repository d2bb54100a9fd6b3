package attestation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/argus-run/argus-vault/fsutil"
	"github.com/argus-run/argus-vault/interfaces"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// DefaultFileName is the log file inside the data directory.
const DefaultFileName = "attestation.log"

const appendAttempts = 3

var (
	// ErrReadOnly is returned by mutating calls on a log opened read-only.
	ErrReadOnly = errors.New("attestation log opened read-only")
	// ErrInvalidText is returned by Append for an event field that is not
	// valid UTF-8.
	ErrInvalidText = errors.New("attestation field is not valid UTF-8")
)

// Signer signs record hashes. *kms.Session implements it.
type Signer interface {
	Sign(payload []byte) ([]byte, error)
	PublicKey() []byte
}

// Log is an append-only, hash-chained, signed record of vault operations
// stored as JSON Lines. Line 1 is the SegmentHeader.
//
// All records of the current segment are held in memory; Verify folds over
// them without touching the file.
type Log struct {
	mu sync.Mutex

	path      string
	file      *os.File
	readOnly  bool
	signer    Signer
	publicKey []byte
	log       *slog.Logger

	header     *SegmentHeader
	headerLine []byte
	lines      [][]byte
	size       int64

	checkpoint    *Checkpoint
	checkpointErr error

	write      func(buf []byte, off int64) error
	newBackOff func() backoff.BackOff
	now        func() time.Time
}

// Create writes a new log at path anchored at GenesisHash and opens it for
// appending. It fails if the log already exists.
func Create(ctx context.Context, path string, signer Signer, log *slog.Logger) (*Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	exists, err := fsutil.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat attestation log: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("attestation log %s: %w", path, os.ErrExist)
	}

	l := newLog(path, signer.PublicKey(), log)
	l.signer = signer
	hdr := &SegmentHeader{
		Format:       segmentFormat,
		Version:      segmentVersion,
		LogID:        uuid.NewString(),
		BaseSequence: 1,
		AnchorHash:   GenesisHash,
		Signer:       l.publicKey,
	}
	if err := l.writeSegment(hdr); err != nil {
		return nil, err
	}
	if err := l.writeCheckpoint(hdr.LogID, 0, GenesisHash); err != nil {
		return nil, err
	}
	l.log.Info("Created attestation log", slog.String("path", path), slog.String("log_id", hdr.LogID))
	return Open(ctx, path, signer, log)
}

// Open opens an existing log for appending. A missing log is a broken chain,
// not an empty one. A torn final line left by a crash is repaired: a complete
// record gets its newline back, a partial one past the head checkpoint is
// truncated with a warning. Open does not fail on a broken chain; call
// Verify.
func Open(ctx context.Context, path string, signer Signer, log *slog.Logger) (*Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := newLog(path, signer.PublicKey(), log)
	l.signer = signer

	f, err := os.OpenFile(path, os.O_RDWR, fsutil.FilePermissions)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errLogMissing()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open attestation log: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read attestation log: %w", err)
	}
	l.loadCheckpoint()

	if data, err = l.repairTail(f, data); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to repair attestation log: %w", err)
	}
	if err := l.load(data); err != nil {
		f.Close()
		return nil, err
	}
	l.file = f
	return l, nil
}

// OpenReadOnly loads the log for inspection. publicKey is the expected
// signer. A torn final line is left in place and reported by Verify.
func OpenReadOnly(path string, publicKey []byte, log *slog.Logger) (*Log, error) {
	l := newLog(path, publicKey, log)
	l.readOnly = true

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errLogMissing()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read attestation log: %w", err)
	}
	l.loadCheckpoint()
	if err := l.load(data); err != nil {
		return nil, err
	}
	return l, nil
}

func errLogMissing() error {
	return &interfaces.ChainBrokenError{Sequence: 0, Reason: "attestation log missing"}
}

// repairTail handles a final line without its newline. Records the head
// checkpoint already covers are never truncated; Verify reports them.
func (l *Log) repairTail(f *os.File, data []byte) ([]byte, error) {
	torn := tornTail(data)
	if torn == 0 {
		return data, nil
	}
	keep := len(data) - torn
	if keep == 0 {
		// Only a header line; load reports it.
		return data, nil
	}
	tail := data[keep:]

	if _, err := parseRecord(tail); err == nil {
		l.log.Warn("Restoring newline after final attestation record", slog.Int("offset", len(data)))
		if _, err := f.WriteAt([]byte{'\n'}, int64(len(data))); err != nil {
			return nil, err
		}
		if err := f.Sync(); err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}

	if seq, ok := l.tornSequence(data[:keep]); ok && l.checkpoint != nil && seq <= l.checkpoint.Sequence {
		l.log.Warn("Final attestation line is damaged but covered by the head checkpoint; leaving it in place",
			slog.Uint64("seq", seq))
		return data, nil
	}

	l.log.Warn("Truncating torn final line of attestation log",
		slog.Int("bytes", torn), slog.Int("offset", keep))
	if err := f.Truncate(int64(keep)); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}
	return data[:keep], nil
}

// tornSequence is the sequence the line after complete would carry.
func (l *Log) tornSequence(complete []byte) (uint64, bool) {
	end := bytes.IndexByte(complete, '\n')
	if end < 0 {
		return 0, false
	}
	hdr, err := parseHeader(complete[:end])
	if err != nil {
		return 0, false
	}
	return hdr.BaseSequence + uint64(bytes.Count(complete, []byte{'\n'})-1), true
}

func newLog(path string, publicKey []byte, log *slog.Logger) *Log {
	if log == nil {
		log = slog.Default()
	}
	l := &Log{
		path:       path,
		publicKey:  append([]byte(nil), publicKey...),
		log:        log,
		newBackOff: defaultBackOff,
		now:        time.Now,
	}
	l.write = l.writeAt
	return l
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	return backoff.WithMaxRetries(b, appendAttempts-1)
}

// tornTail returns the length of a trailing partial line.
func tornTail(data []byte) int {
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return 0
	}
	return len(data) - (bytes.LastIndexByte(data, '\n') + 1)
}

// load splits data into the header and record lines. Only a missing or
// unreadable header is an error here; record damage is left to Verify.
func (l *Log) load(data []byte) error {
	if len(data) == 0 {
		return &interfaces.ChainBrokenError{Sequence: 0, Reason: "segment header missing"}
	}
	lines := bytes.Split(data, []byte{'\n'})
	if len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}

	hdr, err := parseHeader(lines[0])
	if err != nil {
		return &interfaces.ChainBrokenError{Sequence: 0, Reason: err.Error()}
	}
	l.header = hdr
	l.headerLine = lines[0]
	l.lines = lines[1:]
	l.size = int64(len(data))
	return nil
}

// writeSegment atomically replaces the log file with a new segment holding
// only hdr.
func (l *Log) writeSegment(hdr *SegmentHeader) error {
	payload, err := hdr.signedBytes()
	if err != nil {
		return err
	}
	if hdr.Signature, err = l.signer.Sign(payload); err != nil {
		return fmt.Errorf("failed to sign segment header: %w", err)
	}
	line, err := encodeLine(hdr)
	if err != nil {
		return err
	}
	data := append(line, '\n')
	if err := fsutil.WriteFileAtomic(l.path, data, fsutil.FilePermissions); err != nil && !fsutil.IsCommitted(err) {
		return fmt.Errorf("failed to write attestation segment: %w", err)
	}
	return nil
}

// head returns the sequence and hash the next record chains from. It fails
// when the last line cannot be parsed.
func (l *Log) head() (uint64, interfaces.Digest, error) {
	next := l.header.BaseSequence + uint64(len(l.lines))
	if len(l.lines) == 0 {
		return next, l.header.AnchorHash, nil
	}
	last, err := parseRecord(l.lines[len(l.lines)-1])
	if err != nil {
		return 0, interfaces.Digest{}, &interfaces.ChainBrokenError{Sequence: next - 1, Reason: err.Error()}
	}
	return next, last.RecordHash, nil
}

// Append signs and durably writes one record. Each record is written with a
// single write followed by fsync; a failed attempt is truncated away before
// retrying, so the file never holds a partial record.
func (l *Log) Append(ctx context.Context, ev Event) (interfaces.AttestationRecord, error) {
	if err := ctx.Err(); err != nil {
		return interfaces.AttestationRecord{}, err
	}
	if !ev.Operation.Valid() {
		return interfaces.AttestationRecord{}, fmt.Errorf("unknown operation %q", ev.Operation)
	}
	// Invalid UTF-8 would be rewritten by the JSON encoder and no longer
	// match the record hash.
	for _, field := range []string{ev.Subject, ev.Resource, string(ev.Scope), string(ev.Outcome)} {
		if !utf8.ValidString(field) {
			return interfaces.AttestationRecord{}, fmt.Errorf("%w: %q", ErrInvalidText, field)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readOnly {
		return interfaces.AttestationRecord{}, ErrReadOnly
	}

	seq, prev, err := l.head()
	if err != nil {
		return interfaces.AttestationRecord{}, err
	}

	rec := interfaces.AttestationRecord{
		Sequence:  seq,
		Timestamp: l.now().UnixNano(),
		Operation: ev.Operation,
		Subject:   ev.Subject,
		Resource:  ev.Resource,
		Scope:     ev.Scope,
		Outcome:   ev.Outcome,
		PrevHash:  prev,
	}
	rec.RecordHash = ComputeHash(&rec)
	rec.Signature, err = l.signer.Sign(rec.RecordHash[:])
	if err != nil {
		return interfaces.AttestationRecord{}, fmt.Errorf("failed to sign record: %w", err)
	}
	line, err := encodeLine(&rec)
	if err != nil {
		return interfaces.AttestationRecord{}, err
	}
	buf := append(append([]byte(nil), line...), '\n')

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		err := l.write(buf, l.size)
		if err != nil {
			l.log.Warn("Attestation append failed", slog.Uint64("seq", seq), slog.Int("attempt", attempt), "err", err)
		}
		return err
	}, l.newBackOff())
	if err != nil {
		return interfaces.AttestationRecord{}, fmt.Errorf("failed to append attestation record %d: %w", seq, err)
	}

	l.lines = append(l.lines, line)
	l.size += int64(len(buf))
	if err := l.writeCheckpoint(l.header.LogID, seq, rec.RecordHash); err != nil {
		return rec, fmt.Errorf("attestation record %d written: %w", seq, err)
	}
	return rec, nil
}

func (l *Log) writeAt(buf []byte, off int64) error {
	if _, err := l.file.WriteAt(buf, off); err != nil {
		_ = l.file.Truncate(off)
		return err
	}
	if err := l.file.Sync(); err != nil {
		_ = l.file.Truncate(off)
		return err
	}
	return nil
}

// Records returns the parseable records of the current segment.
func (l *Log) Records() []interfaces.AttestationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]interfaces.AttestationRecord, 0, len(l.lines))
	for _, line := range l.lines {
		if rec, err := parseRecord(line); err == nil {
			out = append(out, *rec)
		}
	}
	return out
}

// Header returns a copy of the current segment header.
func (l *Log) Header() SegmentHeader {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.header
}

// Len is the number of record lines in the current segment.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
