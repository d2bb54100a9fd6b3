package kms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/argus-run/argus-vault/interfaces"
)

// Rotation is an in-flight master key rotation. The next generation is
// persisted as pending before any data is re-encrypted, so a crash at any
// point leaves either the old or the new generation usable; Reconcile picks
// the one the vault file names.
type Rotation struct {
	s      *Session
	params generationParams
	next   *GenerationKey
	done   bool
}

// BeginRotation derives the next generation and records it as pending. The
// caller must finish with Commit or Abort; rotations are serialized.
func (s *Session) BeginRotation() (*Rotation, error) {
	s.rotMu.Lock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.rotMu.Unlock()
		return nil, interfaces.ErrSessionClosed
	}

	gen := s.state.Current.Generation + 1
	if s.state.Pending != nil && s.state.Pending.Generation >= gen {
		gen = s.state.Pending.Generation + 1
	}
	params, next, err := s.newGeneration(gen)
	if err != nil {
		s.rotMu.Unlock()
		return nil, &interfaces.KeyError{Op: "rotate", Err: err}
	}

	st := s.state.clone()
	st.Pending = &params
	if err := st.save(s.dir); err != nil {
		next.wipe()
		s.rotMu.Unlock()
		return nil, &interfaces.KeyError{Op: "rotate", Err: err}
	}
	s.state = st

	return &Rotation{s: s, params: params, next: next}, nil
}

// Key is the next generation's key, for re-encryption.
func (r *Rotation) Key() *GenerationKey {
	return r.next
}

// Commit makes the pending generation current and zeroes the old master
// key. Call it only after the re-encrypted data is durable.
func (r *Rotation) Commit() error {
	if r.done {
		return errors.New("rotation already finished")
	}
	r.done = true
	s := r.s
	defer s.rotMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.master
	s.master = r.next
	old.wipe()

	st := s.state.clone()
	st.Current = r.params
	st.Pending = nil
	s.state = st
	if err := st.save(s.dir); err != nil {
		// The pending entry still on disk is promoted by Reconcile on the
		// next open.
		return &interfaces.KeyError{Op: "rotate", Err: fmt.Errorf("failed to record committed generation: %w", err)}
	}

	s.log.Info("Rotated master key", slog.Uint64("generation", r.params.Generation))
	return nil
}

// Abort discards the pending generation.
func (r *Rotation) Abort() error {
	if r.done {
		return nil
	}
	r.done = true
	s := r.s
	defer s.rotMu.Unlock()
	r.next.wipe()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state.clone()
	st.Pending = nil
	s.state = st
	if err := st.save(s.dir); err != nil {
		return &interfaces.KeyError{Op: "rotate", Err: err}
	}
	return nil
}

// Rotate runs a full rotation: reencrypt must durably rewrite all data under
// the given key and return nil only once the new data is committed. On error
// the old generation stays current.
func (s *Session) Rotate(ctx context.Context, reencrypt func(ctx context.Context, next *GenerationKey) error) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r, err := s.BeginRotation()
	if err != nil {
		return 0, err
	}
	if err := reencrypt(ctx, r.Key()); err != nil {
		if abortErr := r.Abort(); abortErr != nil {
			s.log.Warn("Failed to discard pending generation", "err", abortErr)
		}
		return 0, err
	}
	if err := r.Commit(); err != nil {
		s.log.Warn("Rotation committed in vault but key state update failed", "err", err)
	}
	return r.params.Generation, nil
}

// Reconcile aligns the key state with the generation the vault file was
// written under. It resolves rotations interrupted by a crash.
func (s *Session) Reconcile(vaultGeneration uint64) error {
	s.rotMu.Lock()
	defer s.rotMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return interfaces.ErrSessionClosed
	}

	switch {
	case vaultGeneration == s.state.Current.Generation:
		if s.state.Pending == nil {
			return nil
		}
		s.log.Warn("Discarding interrupted rotation", slog.Uint64("pending_generation", s.state.Pending.Generation))
		st := s.state.clone()
		st.Pending = nil
		if err := st.save(s.dir); err != nil {
			return &interfaces.KeyError{Op: "reconcile", Err: err}
		}
		s.state = st
		return nil

	case s.state.Pending != nil && vaultGeneration == s.state.Pending.Generation:
		next, err := s.deriveGeneration(*s.state.Pending)
		if err != nil {
			return &interfaces.KeyError{Op: "reconcile", Err: err}
		}
		st := s.state.clone()
		st.Current = *st.Pending
		st.Pending = nil
		if err := st.save(s.dir); err != nil {
			next.wipe()
			return &interfaces.KeyError{Op: "reconcile", Err: err}
		}
		s.state = st
		old := s.master
		s.master = next
		old.wipe()
		s.log.Warn("Completed interrupted rotation", slog.Uint64("generation", vaultGeneration))
		return nil

	default:
		return &interfaces.KeyError{Op: "reconcile", Err: fmt.Errorf("%w: vault written under unknown generation %d (current %d)",
			interfaces.ErrCorruptKeyMaterial, vaultGeneration, s.state.Current.Generation)}
	}
}
