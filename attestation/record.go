package attestation

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/argus-run/argus-vault/interfaces"
)

const (
	segmentFormat  = "argus-attestation"
	segmentVersion = 1
)

// GenesisHash is the prev_hash of the first record of a log.
var GenesisHash = interfaces.Digest(sha256.Sum256([]byte("argus-attestation-genesis-v1")))

// Event is what a caller asks to attest. The log fills in sequence,
// timestamp, hashes and signature.
type Event struct {
	Operation interfaces.Operation
	Subject   string
	Resource  string
	Scope     interfaces.Scope
	Outcome   interfaces.Outcome
}

// SegmentHeader is the first line of a log file. A fresh log anchors at
// GenesisHash and sequence 1; a segment started by Archive anchors at the
// last record of the archived segment.
type SegmentHeader struct {
	Format          string            `json:"format"`
	Version         int               `json:"version"`
	LogID           string            `json:"log_id"`
	BaseSequence    uint64            `json:"base_sequence"`
	AnchorHash      interfaces.Digest `json:"anchor_hash"`
	PreviousSegment string            `json:"previous_segment,omitempty"`
	Signer          []byte            `json:"signer"`
	Signature       []byte            `json:"sig"`
}

// signedBytes is the canonical header encoding without its signature.
func (h SegmentHeader) signedBytes() ([]byte, error) {
	h.Signature = nil
	return encodeLine(&h)
}

// ComputeHash returns the record hash: SHA-256 over the length-prefixed
// fields prev_hash, sequence, timestamp, operation, subject, resource, scope
// and outcome.
func ComputeHash(rec *interfaces.AttestationRecord) interfaces.Digest {
	h := sha256.New()
	writeField := func(b []byte) {
		h.Write(binary.BigEndian.AppendUint32(nil, uint32(len(b))))
		h.Write(b)
	}
	writeField(rec.PrevHash[:])
	writeField(binary.BigEndian.AppendUint64(nil, rec.Sequence))
	writeField(binary.BigEndian.AppendUint64(nil, uint64(rec.Timestamp)))
	writeField([]byte(rec.Operation))
	writeField([]byte(rec.Subject))
	writeField([]byte(rec.Resource))
	writeField([]byte(rec.Scope))
	writeField([]byte(rec.Outcome))

	var d interfaces.Digest
	copy(d[:], h.Sum(nil))
	return d
}

// encodeLine is the canonical encoding of a record or header: compact JSON
// in struct field order, without the trailing newline.
func encodeLine(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decodeStrict(line []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}

// parseRecord decodes a line and requires that it re-encodes to exactly the
// same bytes, so that any byte-level change is caught even where JSON
// decoding alone would tolerate it.
func parseRecord(line []byte) (*interfaces.AttestationRecord, error) {
	var rec interfaces.AttestationRecord
	if err := decodeStrict(line, &rec); err != nil {
		return nil, fmt.Errorf("record is not valid JSON: %w", err)
	}
	canonical, err := encodeLine(&rec)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(canonical, line) {
		return nil, fmt.Errorf("record is not in canonical encoding")
	}
	return &rec, nil
}

func parseHeader(line []byte) (*SegmentHeader, error) {
	var hdr SegmentHeader
	if err := decodeStrict(line, &hdr); err != nil {
		return nil, fmt.Errorf("segment header is not valid JSON: %w", err)
	}
	canonical, err := encodeLine(&hdr)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(canonical, line) {
		return nil, fmt.Errorf("segment header is not in canonical encoding")
	}
	if hdr.Format != segmentFormat || hdr.Version != segmentVersion {
		return nil, fmt.Errorf("unsupported segment format %q version %d", hdr.Format, hdr.Version)
	}
	if hdr.BaseSequence == 0 {
		return nil, fmt.Errorf("segment base sequence must be positive")
	}
	return &hdr, nil
}
