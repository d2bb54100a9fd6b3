package attestation

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/argus-run/argus-vault/fsutil"
	"github.com/argus-run/argus-vault/interfaces"
)

// Archive stores the current segment in backend and starts a new segment
// anchored to the last record, so the chain continues across segments. The
// segment must verify before it is archived.
func (l *Log) Archive(ctx context.Context, backend interfaces.StorageBackend) (interfaces.ContentID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readOnly {
		return interfaces.ContentID{}, ErrReadOnly
	}
	if err := verifySegment(l.header, l.lines, l.publicKey); err != nil {
		return interfaces.ContentID{}, err
	}

	next, last, err := l.head()
	if err != nil {
		return interfaces.ContentID{}, err
	}

	segment := l.segmentBytes()
	id, err := backend.Store(ctx, segment, interfaces.AttestationSegmentType)
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("failed to store segment in %s: %w", backend.Name(), err)
	}

	hdr := &SegmentHeader{
		Format:          segmentFormat,
		Version:         segmentVersion,
		LogID:           l.header.LogID,
		BaseSequence:    next,
		AnchorHash:      last,
		PreviousSegment: id.String(),
		Signer:          l.publicKey,
	}
	if err := l.writeSegment(hdr); err != nil {
		return interfaces.ContentID{}, err
	}

	// The old handle points at the replaced inode.
	f, err := os.OpenFile(l.path, os.O_RDWR, fsutil.FilePermissions)
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("failed to reopen attestation log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return interfaces.ContentID{}, err
	}
	if l.file != nil {
		l.file.Close()
	}
	line, _ := encodeLine(hdr)
	l.file = f
	l.header = hdr
	l.headerLine = line
	l.lines = nil
	l.size = info.Size()
	if err := l.writeCheckpoint(hdr.LogID, next-1, last); err != nil {
		return id, err
	}

	l.log.Info("Archived attestation segment",
		slog.String("segment", id.String()),
		slog.String("backend", backend.Name()),
		slog.Uint64("next_seq", next))
	return id, nil
}

func (l *Log) segmentBytes() []byte {
	var buf bytes.Buffer
	buf.Write(l.headerLine)
	buf.WriteByte('\n')
	for _, line := range l.lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// VerifySegment checks an archived segment's bytes against publicKey and
// returns its header and records.
func VerifySegment(data []byte, publicKey []byte) (SegmentHeader, []interfaces.AttestationRecord, error) {
	l := newLog("", publicKey, nil)
	if tornTail(data) > 0 {
		return SegmentHeader{}, nil, &interfaces.ChainBrokenError{Reason: "segment does not end with a newline"}
	}
	if err := l.load(data); err != nil {
		return SegmentHeader{}, nil, err
	}
	if err := verifySegment(l.header, l.lines, publicKey); err != nil {
		return *l.header, nil, err
	}
	records := make([]interfaces.AttestationRecord, 0, len(l.lines))
	for _, line := range l.lines {
		rec, _ := parseRecord(line)
		records = append(records, *rec)
	}
	return *l.header, records, nil
}
