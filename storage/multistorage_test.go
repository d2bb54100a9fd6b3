package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/argus-run/argus-vault/common"
	"github.com/argus-run/argus-vault/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockStorageBackend struct {
	mock.Mock
	name string
}

func (m *MockStorageBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	args := m.Called(ctx, id, contentType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockStorageBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	args := m.Called(ctx, data, contentType)
	return args.Get(0).(interfaces.ContentID), args.Error(1)
}

func (m *MockStorageBackend) Available(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *MockStorageBackend) Name() string        { return m.name }
func (m *MockStorageBackend) LocationURI() string { return "mock://" + m.name }

func newMock(name string, available bool) *MockStorageBackend {
	b := &MockStorageBackend{name: name}
	b.On("Available", mock.Anything).Return(available)
	return b
}

func asBackends(mocks ...*MockStorageBackend) []interfaces.StorageBackend {
	out := make([]interfaces.StorageBackend, len(mocks))
	for i, m := range mocks {
		out[i] = m
	}
	return out
}

var errDown = errors.New("connection refused")

func TestMultiStorageBackend_Store(t *testing.T) {
	segment := []byte("closed attestation segment")
	id := interfaces.ComputeID(segment)
	ct := interfaces.AttestationSegmentType

	tests := []struct {
		name      string
		minCopies int
		setup     func() []*MockStorageBackend
		wantErr   error
	}{
		{
			name: "every backend stores",
			setup: func() []*MockStorageBackend {
				a, b := newMock("a", true), newMock("b", true)
				a.On("Store", mock.Anything, segment, ct).Return(id, nil)
				b.On("Store", mock.Anything, segment, ct).Return(id, nil)
				return []*MockStorageBackend{a, b}
			},
		},
		{
			name: "one failure breaks the default all-copies rule",
			setup: func() []*MockStorageBackend {
				a, b := newMock("a", true), newMock("b", true)
				a.On("Store", mock.Anything, segment, ct).Return(interfaces.ContentID{}, errDown)
				b.On("Store", mock.Anything, segment, ct).Return(id, nil)
				return []*MockStorageBackend{a, b}
			},
			wantErr: ErrTooFewCopies,
		},
		{
			name:      "one failure tolerated with a quorum of one",
			minCopies: 1,
			setup: func() []*MockStorageBackend {
				a, b := newMock("a", true), newMock("b", false)
				a.On("Store", mock.Anything, segment, ct).Return(id, nil)
				return []*MockStorageBackend{a, b}
			},
		},
		{
			name:      "wrong identifier counts as a failed copy",
			minCopies: 2,
			setup: func() []*MockStorageBackend {
				a, b := newMock("a", true), newMock("b", true)
				a.On("Store", mock.Anything, segment, ct).Return(id, nil)
				b.On("Store", mock.Anything, segment, ct).Return(interfaces.ComputeID([]byte("other")), nil)
				return []*MockStorageBackend{a, b}
			},
			wantErr: ErrContentMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mocks := tt.setup()
			multi := NewMultiStorageBackend(asBackends(mocks...), tt.minCopies, common.DiscardLogger())

			got, err := multi.Store(context.Background(), segment, ct)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, ErrTooFewCopies)
				assert.Equal(t, interfaces.ContentID{}, got)
			} else {
				require.NoError(t, err)
				assert.Equal(t, id, got)
			}
			for _, m := range mocks {
				m.AssertExpectations(t)
			}
		})
	}
}

func TestMultiStorageBackend_Fetch(t *testing.T) {
	snapshot := []byte("sealed vault snapshot")
	id := interfaces.ComputeID(snapshot)
	ct := interfaces.VaultSnapshotType

	t.Run("skips unavailable and corrupt copies", func(t *testing.T) {
		down, corrupt, good := newMock("down", false), newMock("corrupt", true), newMock("good", true)
		corrupt.On("Fetch", mock.Anything, id, ct).Return([]byte("sealed vault snapshoT"), nil)
		good.On("Fetch", mock.Anything, id, ct).Return(snapshot, nil)
		spare := &MockStorageBackend{name: "spare"}

		multi := NewMultiStorageBackend(asBackends(down, corrupt, good, spare), 1, common.DiscardLogger())
		data, err := multi.Fetch(context.Background(), id, ct)
		require.NoError(t, err)
		assert.Equal(t, snapshot, data)
		for _, m := range []*MockStorageBackend{down, corrupt, good, spare} {
			m.AssertExpectations(t)
		}
	})

	t.Run("all copies missing", func(t *testing.T) {
		a, b := newMock("a", true), newMock("b", true)
		a.On("Fetch", mock.Anything, id, ct).Return(nil, interfaces.ErrContentNotFound)
		b.On("Fetch", mock.Anything, id, ct).Return(nil, errDown)

		_, err := NewMultiStorageBackend(asBackends(a, b), 0, common.DiscardLogger()).Fetch(context.Background(), id, ct)
		assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
		assert.ErrorIs(t, err, errDown)
	})

	t.Run("nothing reachable", func(t *testing.T) {
		_, err := NewMultiStorageBackend(asBackends(newMock("a", false)), 0, common.DiscardLogger()).Fetch(context.Background(), id, ct)
		assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
	})
}

func TestMultiStorageBackend_Available(t *testing.T) {
	up, down := newMock("up", true), newMock("down", false)

	assert.True(t, NewMultiStorageBackend(asBackends(up, down), 1, nil).Available(context.Background()))
	assert.False(t, NewMultiStorageBackend(asBackends(up, down), 0, nil).Available(context.Background()))
	assert.False(t, NewMultiStorageBackend(nil, 0, nil).Available(context.Background()))
}

func TestMultiStorageBackend_Naming(t *testing.T) {
	multi := NewMultiStorageBackend(asBackends(&MockStorageBackend{name: "a"}, &MockStorageBackend{name: "b"}), 5, nil)
	assert.Equal(t, "multi:[mock://a,mock://b]", multi.LocationURI())
	assert.Equal(t, "multi(2/2)", multi.Name())
}
