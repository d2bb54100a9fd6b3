package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/argus-run/argus-vault/attestation"
	"github.com/argus-run/argus-vault/interfaces"
	"github.com/argus-run/argus-vault/vault"
	"go.uber.org/atomic"
)

// State is the lifecycle state of one request.
type State int

const (
	StateReceived State = iota
	StateApproved
	StateDenied
	StateExecuted
	StateLogged
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateApproved:
		return "approved"
	case StateDenied:
		return "denied"
	case StateExecuted:
		return "executed"
	case StateLogged:
		return "logged"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Request asks for scope over resource on behalf of subject. Value is the
// plaintext for Write and entry Rotate requests.
type Request struct {
	Subject  string
	Resource string
	Scope    interfaces.Scope
	Value    []byte
}

// Result carries whatever the executed operation produced, plus the
// attestation record written for it.
type Result struct {
	Value      []byte
	Names      []string
	Generation uint64
	ContentID  interfaces.ContentID
	Shares     []string
	Record     interfaces.AttestationRecord
	State      State
}

// Controller is the only path to the vault. Every attempt, approved or
// denied, successful or failed, produces exactly one attestation record.
type Controller struct {
	store  *vault.Store
	log    *attestation.Log
	grants GrantLookup
	locks  *vault.KeyedMutex
	logger *slog.Logger
	now    func() time.Time

	// halted holds the reason writes are refused, nil while healthy.
	halted atomic.Error
}

// NewController verifies the attestation chain and returns a controller. A
// broken chain does not fail construction: the controller starts halted so
// reads stay available and attested while writes are refused.
func NewController(store *vault.Store, log *attestation.Log, grants GrantLookup, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		store:  store,
		log:    log,
		grants: grants,
		locks:  vault.NewKeyedMutex(),
		logger: logger,
		now:    time.Now,
	}
	if err := log.Verify(); err != nil {
		c.halt(err)
	}
	return c
}

// Halted returns the reason writes are refused, or nil.
func (c *Controller) Halted() error {
	return c.halted.Load()
}

func (c *Controller) halt(reason error) {
	if c.halted.CompareAndSwap(nil, reason) {
		c.logger.Error("Vault halted, refusing writes until the attestation log is investigated", "err", reason)
	}
}

// action is one approved operation: which record to write and what to run.
// A malformed request becomes an action with rejected set; it is attested
// as denied and never evaluated.
type action struct {
	subject  string
	resource string
	scope    interfaces.Scope
	op       interfaces.Operation
	mutating bool
	exec     func(ctx context.Context, res *Result) error
	rejected error
}

// Request evaluates and, if approved, executes a request:
//   - read, write, delete on an entry name
//   - rotate on an entry name (overwrites an existing entry)
//   - rotate on "*" (master key rotation)
//   - read on "*" (list entry names)
//
// Only a request without a valid subject goes unrecorded.
func (c *Controller) Request(ctx context.Context, req Request) (Result, error) {
	a, err := c.plan(req)
	if err != nil {
		return Result{State: StateReceived}, err
	}
	if a.rejected != nil {
		return c.reject(ctx, a)
	}
	return c.run(ctx, a)
}

func (c *Controller) plan(req Request) (action, error) {
	if err := interfaces.ValidateSubject(req.Subject); err != nil {
		return action{}, err
	}
	a := action{subject: req.Subject, resource: req.Resource}

	scope, err := interfaces.ParseScope(string(req.Scope))
	if err != nil {
		if req.Resource != interfaces.VaultResource && interfaces.ValidateSecretName(req.Resource) != nil {
			a.resource = interfaces.InvalidResource
		}
		a.rejected = err
		return a, nil
	}
	a.scope = scope

	if req.Resource == interfaces.VaultResource {
		switch scope {
		case interfaces.ScopeRotate:
			a.op = interfaces.OpKeyRotated
			a.mutating = true
			a.exec = func(ctx context.Context, res *Result) error {
				gen, err := c.store.Rotate(ctx)
				res.Generation = gen
				return err
			}
		case interfaces.ScopeRead:
			a.op = interfaces.OpGrantApproved
			a.exec = func(ctx context.Context, res *Result) error {
				names, err := c.store.List(ctx)
				res.Names = c.visibleNames(req.Subject, names)
				return err
			}
		default:
			a.rejected = fmt.Errorf("%w: %s is not defined on the whole vault", interfaces.ErrInvalidScope, scope)
		}
		return a, nil
	}

	name := req.Resource
	if err := interfaces.ValidateSecretName(name); err != nil {
		a.resource = interfaces.InvalidResource
		a.rejected = err
		return a, nil
	}
	switch scope {
	case interfaces.ScopeRead:
		a.op = interfaces.OpVaultRead
		a.exec = func(ctx context.Context, res *Result) error {
			v, err := c.store.Get(ctx, name)
			res.Value = v
			return err
		}
	case interfaces.ScopeWrite:
		a.op = interfaces.OpVaultWrite
		a.mutating = true
		a.exec = func(ctx context.Context, _ *Result) error {
			return c.store.Put(ctx, name, req.Value)
		}
	case interfaces.ScopeRotate:
		a.op = interfaces.OpVaultWrite
		a.mutating = true
		a.exec = func(ctx context.Context, _ *Result) error {
			if !c.store.Exists(name) {
				return &interfaces.VaultError{Op: "rotate", Name: name, Err: interfaces.ErrEntryNotFound}
			}
			return c.store.Put(ctx, name, req.Value)
		}
	case interfaces.ScopeDelete:
		a.op = interfaces.OpVaultDelete
		a.mutating = true
		a.exec = func(ctx context.Context, _ *Result) error {
			return c.store.Delete(ctx, name)
		}
	}
	return a, nil
}

// reject attests a malformed request as denied.
func (c *Controller) reject(ctx context.Context, a action) (Result, error) {
	res := Result{State: StateDenied}
	rec, err := c.attest(ctx, a, interfaces.OpGrantDenied, interfaces.OutcomeDenied)
	res.Record = rec
	c.logger.Warn("Malformed request refused",
		slog.String("subject", a.subject),
		slog.String("resource", a.resource),
		"err", a.rejected)
	return res, errors.Join(a.rejected, err)
}

// visibleNames filters a listing down to names subject may read.
func (c *Controller) visibleNames(subject string, names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := c.evaluate(subject, name, interfaces.ScopeRead); ok {
			out = append(out, name)
		}
	}
	return out
}

// evaluate resolves an active grant for scope. Expired grants never count.
func (c *Controller) evaluate(subject, resource string, scope interfaces.Scope) (interfaces.CapabilityGrant, bool) {
	now := c.now()
	for _, g := range c.grants(subject, resource) {
		if g.Scope != scope || !g.Matches(subject, resource) {
			continue
		}
		if g.Expired(now) {
			c.logger.Debug("Ignoring expired grant", slog.String("grant", g.String()))
			continue
		}
		return g, true
	}
	return interfaces.CapabilityGrant{}, false
}

func (c *Controller) run(ctx context.Context, a action) (Result, error) {
	res := Result{State: StateReceived}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if err := interfaces.ValidateSubject(a.subject); err != nil {
		return res, err
	}

	logger := c.logger.With(
		slog.String("subject", a.subject),
		slog.String("resource", a.resource),
		slog.String("scope", string(a.scope)))

	if _, ok := c.evaluate(a.subject, a.resource, a.scope); !ok {
		res.State = StateDenied
		rec, err := c.attest(ctx, a, interfaces.OpGrantDenied, interfaces.OutcomeDenied)
		res.Record = rec
		logger.Warn("Access denied")
		denied := &interfaces.AccessError{Subject: a.subject, Resource: a.resource, Scope: a.scope, Err: interfaces.ErrAccessDenied}
		if err != nil {
			return res, errors.Join(denied, err)
		}
		return res, denied
	}
	res.State = StateApproved

	if a.resource != interfaces.VaultResource {
		unlock := c.locks.Lock(a.resource)
		defer unlock()
	}

	if a.mutating {
		if reason := c.Halted(); reason != nil {
			rec, err := c.attest(ctx, a, a.op, interfaces.OutcomeFailed)
			res.Record = rec
			return res, errors.Join(fmt.Errorf("%w: %v", interfaces.ErrVaultHalted, reason), err)
		}
	}

	// Abandonment is honoured up to here. From execution on, the record is
	// written regardless of the caller's context.
	if err := ctx.Err(); err != nil {
		rec, appendErr := c.attest(ctx, a, a.op, interfaces.OutcomeFailed)
		res.Record = rec
		return res, errors.Join(err, appendErr)
	}

	execErr := a.exec(ctx, &res)
	res.State = StateExecuted

	outcome := interfaces.OutcomeSuccess
	switch {
	case errors.Is(execErr, interfaces.ErrAuthenticationFailed):
		outcome = interfaces.OutcomeTamper
		logger.Error("Vault authentication failed, possible tampering", "err", execErr)
	case execErr != nil:
		outcome = interfaces.OutcomeFailed
		logger.Warn("Vault operation failed", "err", execErr)
	}

	rec, appendErr := c.attest(ctx, a, a.op, outcome)
	if appendErr != nil {
		if a.mutating && execErr == nil {
			c.halt(fmt.Errorf("attestation append failed after %s on %q: %w", a.op, a.resource, appendErr))
		}
		res.Value = nil
		res.Shares = nil
		return res, errors.Join(execErr, appendErr)
	}
	res.Record = rec
	res.State = StateLogged

	if execErr != nil {
		res.Value = nil
		return res, execErr
	}
	res.State = StateCompleted
	logger.Info("Request completed", slog.String("op", string(a.op)), slog.Uint64("seq", rec.Sequence))
	return res, nil
}

func (c *Controller) attest(ctx context.Context, a action, op interfaces.Operation, outcome interfaces.Outcome) (interfaces.AttestationRecord, error) {
	if err := interfaces.ValidateSubject(a.subject); err != nil {
		return interfaces.AttestationRecord{}, err
	}
	return c.log.Append(context.WithoutCancel(ctx), attestation.Event{
		Operation: op,
		Subject:   a.subject,
		Resource:  a.resource,
		Scope:     a.scope,
		Outcome:   outcome,
	})
}
