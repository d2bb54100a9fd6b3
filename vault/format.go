package vault

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/argus-run/argus-vault/cryptoutils"
	"github.com/argus-run/argus-vault/interfaces"
)

const (
	fileMagic     = "ARGV"
	formatVersion = uint16(1)
	headerSize    = 4 + 2 + 8 + 4
	trailerSize   = sha256.Size
)

var errMalformed = errors.New("malformed vault file")

// entry is one encrypted record. Timestamps are Unix nanoseconds.
type entry struct {
	name    string
	created int64
	rotated int64
	nonce   []byte
	ad      []byte
	ct      []byte
}

func (e *entry) clone() *entry {
	c := *e
	c.nonce = append([]byte(nil), e.nonce...)
	c.ad = append([]byte(nil), e.ad...)
	c.ct = append([]byte(nil), e.ct...)
	return &c
}

func (e *entry) wipe() {
	cryptoutils.Wipe(e.nonce)
	cryptoutils.Wipe(e.ad)
	cryptoutils.Wipe(e.ct)
	e.nonce, e.ad, e.ct = nil, nil, nil
}

// AssociatedData is the AD bound to an entry: name || 0x00 || schema version.
func AssociatedData(name string) []byte {
	ad := make([]byte, 0, len(name)+3)
	ad = append(ad, name...)
	ad = append(ad, 0x00)
	return binary.BigEndian.AppendUint16(ad, interfaces.SchemaVersion)
}

// encodeVault serializes entries in name order followed by a SHA-256
// trailer over everything before it.
func encodeVault(generation uint64, entries map[string]*entry) []byte {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	buf.WriteString(fileMagic)
	buf.Write(binary.BigEndian.AppendUint16(nil, formatVersion))
	buf.Write(binary.BigEndian.AppendUint64(nil, generation))
	buf.Write(binary.BigEndian.AppendUint32(nil, uint32(len(names))))

	for _, name := range names {
		e := entries[name]
		b := make([]byte, 0, 2+len(e.name)+16+1+len(e.nonce)+2+len(e.ad)+4+len(e.ct))
		b = binary.BigEndian.AppendUint16(b, uint16(len(e.name)))
		b = append(b, e.name...)
		b = binary.BigEndian.AppendUint64(b, uint64(e.created))
		b = binary.BigEndian.AppendUint64(b, uint64(e.rotated))
		b = append(b, byte(len(e.nonce)))
		b = append(b, e.nonce...)
		b = binary.BigEndian.AppendUint16(b, uint16(len(e.ad)))
		b = append(b, e.ad...)
		b = binary.BigEndian.AppendUint32(b, uint32(len(e.ct)))
		b = append(b, e.ct...)
		buf.Write(b)
	}

	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes()
}

type reader struct {
	b   []byte
	off int
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || len(r.b)-r.off < n {
		return nil, errMalformed
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	b, err := r.take(n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// decodeVault parses and authenticates a vault file. Any structural damage
// or trailer mismatch is reported as ErrAuthenticationFailed.
func decodeVault(data []byte) (uint64, map[string]*entry, error) {
	if len(data) < headerSize+trailerSize {
		return 0, nil, fmt.Errorf("%w: file too short", interfaces.ErrAuthenticationFailed)
	}
	body, trailer := data[:len(data)-trailerSize], data[len(data)-trailerSize:]
	sum := sha256.Sum256(body)
	if subtle.ConstantTimeCompare(sum[:], trailer) != 1 {
		return 0, nil, fmt.Errorf("%w: integrity trailer mismatch", interfaces.ErrAuthenticationFailed)
	}

	generation, entries, err := parseBody(body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", interfaces.ErrAuthenticationFailed, err)
	}
	return generation, entries, nil
}

func parseBody(body []byte) (uint64, map[string]*entry, error) {
	r := &reader{b: body}

	magic, _ := r.take(4)
	if string(magic) != fileMagic {
		return 0, nil, fmt.Errorf("%w: bad magic", errMalformed)
	}
	version, _ := r.u16()
	if version != formatVersion {
		return 0, nil, fmt.Errorf("%w: unsupported format version %d", errMalformed, version)
	}
	generation, _ := r.u64()
	count, _ := r.u32()

	entries := make(map[string]*entry, min(int(count), 1024))
	for i := uint32(0); i < count; i++ {
		e, err := parseEntry(r)
		if err != nil {
			return 0, nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if _, dup := entries[e.name]; dup {
			return 0, nil, fmt.Errorf("%w: duplicate entry %q", errMalformed, e.name)
		}
		entries[e.name] = e
	}
	if r.off != len(body) {
		return 0, nil, fmt.Errorf("%w: trailing bytes", errMalformed)
	}
	return generation, entries, nil
}

func parseEntry(r *reader) (*entry, error) {
	e := &entry{}

	nameLen, err := r.u16()
	if err != nil {
		return nil, err
	}
	name, err := r.take(int(nameLen))
	if err != nil {
		return nil, err
	}
	e.name = string(name)
	if err := interfaces.ValidateSecretName(e.name); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}

	created, err := r.u64()
	if err != nil {
		return nil, err
	}
	rotated, err := r.u64()
	if err != nil {
		return nil, err
	}
	e.created, e.rotated = int64(created), int64(rotated)

	nonceLen, err := r.u8()
	if err != nil {
		return nil, err
	}
	if e.nonce, err = r.bytes(int(nonceLen)); err != nil {
		return nil, err
	}

	adLen, err := r.u16()
	if err != nil {
		return nil, err
	}
	if e.ad, err = r.bytes(int(adLen)); err != nil {
		return nil, err
	}

	ctLen, err := r.u32()
	if err != nil {
		return nil, err
	}
	if e.ct, err = r.bytes(int(ctLen)); err != nil {
		return nil, err
	}
	return e, nil
}
