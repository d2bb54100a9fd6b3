package storage

import (
	"errors"
	"fmt"

	"github.com/argus-run/argus-vault/interfaces"
)

// ErrContentMismatch is returned when fetched bytes do not hash to the
// requested content identifier.
var ErrContentMismatch = errors.New("content does not match its identifier")

var contentTypes = []interfaces.ContentType{
	interfaces.AttestationSegmentType,
	interfaces.VaultSnapshotType,
}

// contentPrefix is the namespace each backend stores a content type under.
func contentPrefix(ct interfaces.ContentType) string {
	return ct.String()
}

func validContentType(ct interfaces.ContentType) error {
	for _, known := range contentTypes {
		if ct == known {
			return nil
		}
	}
	return fmt.Errorf("unsupported content type: %v", ct)
}

func checkContentID(id interfaces.ContentID, data []byte) error {
	if got := interfaces.ComputeID(data); !got.Equal(id) {
		return fmt.Errorf("%w: content hash %s does not match %s", ErrContentMismatch, got, id)
	}
	return nil
}
