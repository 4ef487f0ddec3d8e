// Package keypool manages the process-local view of the shared
// credential ("energy") pool. It hands out exclusive, short-lived use
// of one available credential per outbound LLM call, classifies release
// outcomes into status transitions, and keeps the view fresh against
// the shared store so newly submitted keys become usable without a
// restart.
//
// Within one process, acquire/release and all status mutations are
// serialized by the pool's mutex. Across processes the store is the
// only coordination point; a rare double-issue race between processes
// is tolerated and resolved by failure classification downstream.
package keypool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/botfleet/botfleet/internal/store"
	"github.com/botfleet/botfleet/pkg/models"
)

// ErrEmptyPool is returned by Acquire when no usable credential exists.
// Callers must not retry in a loop; they surface a degraded-service
// notice instead.
var ErrEmptyPool = errors.New("credential pool is empty")

// Notifier receives the low-energy signal emitted when a retirement
// drops the available count to or below the configured floor.
type Notifier interface {
	CredentialRetired(ctx context.Context, fingerprint string, remaining int)
}

// Options tune a Pool. Zero values fall back to the defaults.
type Options struct {
	// FailingThreshold is the number of consecutive transient failures
	// with no intervening success after which a credential is marked
	// failing. Default 3.
	FailingThreshold int
	// RefreshInterval bounds how stale the local view may get.
	// Default 30s.
	RefreshInterval time.Duration
	// LowEnergyFloor: a retirement that leaves at most this many
	// available credentials triggers the notifier. Default 2.
	LowEnergyFloor int
	// Notifier may be nil, in which case retirements are only logged.
	Notifier Notifier
}

type entry struct {
	cred  models.Credential
	inUse bool
}

// Pool is the process-local credential pool manager. Construct one per
// process with New and share it across request handlers.
type Pool struct {
	store store.CredentialStore
	opts  Options

	mu          sync.Mutex
	entries     map[string]*entry // key: credential value
	lastRefresh time.Time
}

// New builds a Pool over the shared store and performs an initial
// refresh. A refresh failure at construction is not fatal; the pool
// starts empty and recovers on the next refresh.
func New(ctx context.Context, s store.CredentialStore, opts Options) *Pool {
	if opts.FailingThreshold <= 0 {
		opts.FailingThreshold = 3
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 30 * time.Second
	}
	if opts.LowEnergyFloor < 0 {
		opts.LowEnergyFloor = 2
	}

	p := &Pool{
		store:   s,
		opts:    opts,
		entries: make(map[string]*entry),
	}
	if err := p.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial pool refresh failed; starting empty")
	}
	return p
}

// Run refreshes the pool on the configured interval until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("pool refresh failed")
			}
		}
	}
}

// Refresh re-reads available credentials from the store and merges them
// into the local view, preserving the in-use flag of credentials
// currently held by a caller in this process.
func (p *Pool) Refresh(ctx context.Context) error {
	creds, err := p.store.ListAvailable(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fresh := make(map[string]*entry, len(creds))
	for _, c := range creds {
		if old, ok := p.entries[c.Value]; ok && old.inUse {
			// Keep the holder's view; the store row may be stale.
			fresh[c.Value] = old
			continue
		}
		c := c
		fresh[c.Value] = &entry{cred: c}
	}
	// Credentials currently held stay visible even if the store no
	// longer lists them as available (another process issued them).
	for value, e := range p.entries {
		if e.inUse {
			fresh[value] = e
		}
	}
	p.entries = fresh
	p.lastRefresh = time.Now()
	return nil
}

// Acquire hands out the least-recently-issued available credential and
// marks it in use. Values listed in exclude are skipped, which lets the
// dispatcher avoid retrying with a credential that just failed. When
// the local view is exhausted it refreshes from the store once before
// giving up with ErrEmptyPool. Acquire never blocks waiting for a
// credential to free up.
func (p *Pool) Acquire(ctx context.Context, exclude ...string) (models.Credential, error) {
	p.mu.Lock()
	if e := p.pickLocked(exclude); e != nil {
		cred := p.issueLocked(ctx, e)
		p.mu.Unlock()
		return cred, nil
	}
	p.mu.Unlock()

	// Exhausted: refresh on demand so freshly added keys are usable
	// immediately, then try once more.
	if err := p.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("on-demand pool refresh failed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.pickLocked(exclude); e != nil {
		return p.issueLocked(ctx, e), nil
	}
	return models.Credential{}, ErrEmptyPool
}

// pickLocked selects the available entry with the oldest last-issued
// time. Round-robin by issue time spreads load so no single key gets
// hammered into a provider-side rate limit.
func (p *Pool) pickLocked(exclude []string) *entry {
	var best *entry
	for _, e := range p.entries {
		if e.inUse || e.cred.Status != models.CredentialAvailable {
			continue
		}
		if excluded(exclude, e.cred.Value) {
			continue
		}
		if best == nil || e.cred.LastIssuedAt.Before(best.cred.LastIssuedAt) {
			best = e
		}
	}
	return best
}

func excluded(exclude []string, value string) bool {
	for _, v := range exclude {
		if v != "" && v == value {
			return true
		}
	}
	return false
}

func (p *Pool) issueLocked(ctx context.Context, e *entry) models.Credential {
	now := time.Now()
	e.inUse = true
	e.cred.Status = models.CredentialInUse
	e.cred.LastIssuedAt = now

	// Best-effort store writes: the pool favors availability over
	// strict cross-process consistency, so a store hiccup here must not
	// block issuing a credential this process already knows about.
	if err := p.store.Mark(ctx, e.cred.Value, models.CredentialInUse); err != nil {
		log.Warn().Err(err).Str("credential", e.cred.Fingerprint()).Msg("failed to mark credential in use")
	}
	if err := p.store.TouchIssued(ctx, e.cred.Value, now); err != nil {
		log.Warn().Err(err).Str("credential", e.cred.Fingerprint()).Msg("failed to record issue time")
	}
	return e.cred
}

// Release returns a credential after a call, applying the outcome:
//
//   - Success: failure count resets to zero, credential is available.
//   - Transient: failure count grows; at the failing threshold the
//     credential is marked failing and leaves the rotation.
//   - Fatal: the credential is retired immediately and the low-energy
//     notifier fires if the remaining available count is at or below
//     the floor.
func (p *Pool) Release(ctx context.Context, cred models.Credential, outcome models.Outcome) {
	p.mu.Lock()
	e, ok := p.entries[cred.Value]
	if !ok {
		// Refreshed out from under the holder; apply the outcome to
		// the store anyway so the shared state stays truthful.
		e = &entry{cred: cred}
		p.entries[cred.Value] = e
	}
	e.inUse = false

	switch outcome {
	case models.OutcomeSuccess:
		e.cred.FailureCount = 0
		e.cred.Status = models.CredentialAvailable
		p.mu.Unlock()
		p.mark(ctx, cred.Value, models.CredentialAvailable)
		p.setFailureCount(ctx, cred.Value, 0)

	case models.OutcomeTransient:
		e.cred.FailureCount++
		failing := e.cred.FailureCount >= p.opts.FailingThreshold
		count := e.cred.FailureCount
		if failing {
			e.cred.Status = models.CredentialFailing
			delete(p.entries, cred.Value)
		} else {
			e.cred.Status = models.CredentialAvailable
		}
		p.mu.Unlock()

		p.setFailureCount(ctx, cred.Value, count)
		if failing {
			log.Warn().
				Str("credential", cred.Fingerprint()).
				Int("failures", count).
				Msg("credential crossed failing threshold")
			p.mark(ctx, cred.Value, models.CredentialFailing)
		} else {
			p.mark(ctx, cred.Value, models.CredentialAvailable)
		}

	case models.OutcomeFatal:
		delete(p.entries, cred.Value)
		remaining := p.availableLocked()
		p.mu.Unlock()

		log.Error().
			Str("credential", cred.Fingerprint()).
			Int("remaining", remaining).
			Msg("credential rejected by provider; retiring")
		p.mark(ctx, cred.Value, models.CredentialRetired)
		if remaining <= p.opts.LowEnergyFloor && p.opts.Notifier != nil {
			p.opts.Notifier.CredentialRetired(ctx, cred.Fingerprint(), remaining)
		}

	default:
		p.mu.Unlock()
		log.Error().Str("outcome", string(outcome)).Msg("unknown release outcome")
	}
}

// Available reports how many credentials are currently issuable from
// the local view.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableLocked()
}

func (p *Pool) availableLocked() int {
	n := 0
	for _, e := range p.entries {
		if !e.inUse && e.cred.Status == models.CredentialAvailable {
			n++
		}
	}
	return n
}

// mark applies a status transition, tolerating transient store errors
// and treating invalid transitions as a rejected operation rather than
// a crash.
func (p *Pool) mark(ctx context.Context, value string, status models.CredentialStatus) {
	err := p.store.Mark(ctx, value, status)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrInvalidTransition):
		log.Error().Err(err).
			Str("credential", models.Fingerprint(value)).
			Str("status", string(status)).
			Msg("rejected credential status transition")
	default:
		log.Warn().Err(err).
			Str("credential", models.Fingerprint(value)).
			Str("status", string(status)).
			Msg("failed to persist credential status")
	}
}

func (p *Pool) setFailureCount(ctx context.Context, value string, count int) {
	if err := p.store.SetFailureCount(ctx, value, count); err != nil {
		log.Warn().Err(err).Str("credential", models.Fingerprint(value)).Msg("failed to persist failure count")
	}
}
