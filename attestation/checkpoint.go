package attestation

import (
	"errors"
	"fmt"
	"os"

	"github.com/argus-run/argus-vault/fsutil"
	"github.com/argus-run/argus-vault/interfaces"
	"github.com/argus-run/argus-vault/kms"
)

const checkpointFormat = "argus-attestation-head"

// CheckpointSuffix is appended to the log path to name the head checkpoint.
const CheckpointSuffix = ".head"

// Checkpoint is the signed position of the last durable record. It lives
// next to the log so that dropping records from the end of the log, which
// leaves a valid chain behind, is still detected.
type Checkpoint struct {
	Format     string            `json:"format"`
	LogID      string            `json:"log_id"`
	Sequence   uint64            `json:"seq"`
	RecordHash interfaces.Digest `json:"record_hash"`
	Signature  []byte            `json:"sig"`
}

func (c Checkpoint) signedBytes() ([]byte, error) {
	c.Signature = nil
	return encodeLine(&c)
}

func checkpointPath(logPath string) string {
	return logPath + CheckpointSuffix
}

// loadCheckpoint reads the checkpoint next to the log. A missing file is
// not an error here; Verify reports it.
func (l *Log) loadCheckpoint() {
	l.checkpoint, l.checkpointErr = nil, nil
	data, err := os.ReadFile(checkpointPath(l.path))
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		l.checkpointErr = fmt.Errorf("failed to read head checkpoint: %w", err)
		return
	}
	var cp Checkpoint
	if err := decodeStrict(data, &cp); err != nil {
		l.checkpointErr = fmt.Errorf("head checkpoint is not valid JSON: %w", err)
		return
	}
	if cp.Format != checkpointFormat {
		l.checkpointErr = fmt.Errorf("unsupported head checkpoint format %q", cp.Format)
		return
	}
	l.checkpoint = &cp
}

// writeCheckpoint signs and atomically replaces the head checkpoint.
func (l *Log) writeCheckpoint(logID string, seq uint64, hash interfaces.Digest) error {
	cp := &Checkpoint{
		Format:     checkpointFormat,
		LogID:      logID,
		Sequence:   seq,
		RecordHash: hash,
	}
	payload, err := cp.signedBytes()
	if err != nil {
		return err
	}
	if cp.Signature, err = l.signer.Sign(payload); err != nil {
		return fmt.Errorf("failed to sign head checkpoint: %w", err)
	}
	data, err := encodeLine(cp)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(checkpointPath(l.path), data, fsutil.FilePermissions); err != nil && !fsutil.IsCommitted(err) {
		return fmt.Errorf("failed to write head checkpoint: %w", err)
	}
	l.checkpoint, l.checkpointErr = cp, nil
	return nil
}

// verifyCheckpoint compares the checkpoint against a segment that already
// passed verifySegment. The log may be one record ahead of the checkpoint,
// the window between a record's fsync and the checkpoint write; it may
// never be behind.
func (l *Log) verifyCheckpoint() error {
	next := l.header.BaseSequence + uint64(len(l.lines))
	broken := func(format string, args ...any) error {
		return &interfaces.ChainBrokenError{Sequence: next, Reason: fmt.Sprintf(format, args...)}
	}
	if l.checkpointErr != nil {
		return broken("%v", l.checkpointErr)
	}
	cp := l.checkpoint
	if cp == nil {
		return broken("head checkpoint missing")
	}
	payload, err := cp.signedBytes()
	if err != nil {
		return err
	}
	if err := kms.VerifySignature(l.publicKey, payload, cp.Signature); err != nil {
		return broken("head checkpoint signature: %v", err)
	}
	if cp.LogID != l.header.LogID {
		return broken("head checkpoint belongs to log %s", cp.LogID)
	}

	last := next - 1
	switch {
	case cp.Sequence > last:
		return broken("records %d to %d missing from the end of the log", next, cp.Sequence)
	case cp.Sequence+1 < l.header.BaseSequence:
		return broken("head checkpoint %d predates the segment", cp.Sequence)
	case cp.Sequence+1 < last:
		return broken("log runs %d records past the head checkpoint", last-cp.Sequence)
	}

	want := l.header.AnchorHash
	if cp.Sequence >= l.header.BaseSequence {
		rec, err := parseRecord(l.lines[cp.Sequence-l.header.BaseSequence])
		if err != nil {
			return broken("%v", err)
		}
		want = rec.RecordHash
	}
	if want != cp.RecordHash {
		return broken("head checkpoint hash does not match record %d", cp.Sequence)
	}
	return nil
}
