package attestation

import (
	"bytes"
	"fmt"

	"github.com/argus-run/argus-vault/interfaces"
	"github.com/argus-run/argus-vault/kms"
)

// Verify checks the whole current segment: canonical encoding, contiguous
// sequence numbers, prev_hash linkage, record hashes and signatures, and
// that the segment reaches the signed head checkpoint. It returns a
// *interfaces.ChainBrokenError naming the expected sequence of the first bad
// line, or nil.
func (l *Log) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := verifySegment(l.header, l.lines, l.publicKey); err != nil {
		return err
	}
	return l.verifyCheckpoint()
}

func verifySegment(hdr *SegmentHeader, lines [][]byte, publicKey []byte) error {
	if !bytes.Equal(hdr.Signer, publicKey) {
		return &interfaces.ChainBrokenError{Sequence: hdr.BaseSequence, Reason: "segment signer does not match the vault signing key"}
	}
	payload, err := hdr.signedBytes()
	if err != nil {
		return err
	}
	if err := kms.VerifySignature(publicKey, payload, hdr.Signature); err != nil {
		return &interfaces.ChainBrokenError{Sequence: hdr.BaseSequence, Reason: fmt.Sprintf("segment header signature: %v", err)}
	}

	prev := hdr.AnchorHash
	for i, line := range lines {
		seq := hdr.BaseSequence + uint64(i)
		broken := func(format string, args ...any) error {
			return &interfaces.ChainBrokenError{Sequence: seq, Reason: fmt.Sprintf(format, args...)}
		}

		rec, err := parseRecord(line)
		if err != nil {
			return broken("%v", err)
		}
		if rec.Sequence != seq {
			return broken("sequence %d out of order", rec.Sequence)
		}
		if rec.PrevHash != prev {
			return broken("prev_hash does not link to the previous record")
		}
		if !rec.Operation.Valid() {
			return broken("unknown operation %q", rec.Operation)
		}
		if ComputeHash(rec) != rec.RecordHash {
			return broken("record hash mismatch")
		}
		if err := kms.VerifySignature(publicKey, rec.RecordHash[:], rec.Signature); err != nil {
			return broken("signature: %v", err)
		}
		prev = rec.RecordHash
	}
	return nil
}
