package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"finlink/internal/domain/consent"
	"finlink/internal/infrastructure/aggregator"
	"finlink/internal/shared/clock"
)

var (
	reconcileMeter    = otel.Meter("finlink/reconcile")
	pollTotal, _      = reconcileMeter.Int64Counter("reconcile.poll.total", metric.WithDescription("Consent status lookups by outcome"))
	activePollers, _  = reconcileMeter.Int64UpDownCounter("reconcile.pollers.active", metric.WithDescription("Consents currently being polled"))
	ErrAlreadyPolling = errors.New("consent is already being polled")
	ErrNotPending     = errors.New("consent is not pending")
)

// Registry is the part of the consent registry the reconciler uses.
type Registry interface {
	Resolve(ctx context.Context, ref string) (*consent.Consent, error)
	Events(ctx context.Context, ref string) ([]*consent.Event, error)
	Transition(ctx context.Context, ref string, to consent.Status, source consent.Source, metadata map[string]any) (*consent.Consent, error)
	ListByStatus(ctx context.Context, status consent.Status) ([]*consent.Consent, error)
}

type Config struct {
	// Interval between lookups while the aggregator reports PENDING.
	Interval time.Duration
	// Deadline measured from the moment the consent entered PENDING.
	Deadline time.Duration
	// MaxBackoff caps the delay after consecutive failed lookups.
	MaxBackoff time.Duration
	// LookupTimeout bounds a single status call.
	LookupTimeout time.Duration
}

// Reconciler polls the aggregator for every PENDING consent until it
// reaches a definitive status or its deadline passes. Each consent has
// at most one poller.
type Reconciler struct {
	consents Registry
	client   aggregator.ClientInterface
	clock    clock.Clock
	cfg      Config

	mu    sync.Mutex
	polls map[string]*poll

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type poll struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type pollOutcome int

const (
	stillPending pollOutcome = iota
	settled
)

func New(consents Registry, client aggregator.ClientInterface, clk clock.Clock, cfg Config) *Reconciler {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 15 * time.Second
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = cfg.Interval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		consents: consents,
		client:   client,
		clock:    clk,
		cfg:      cfg,
		polls:    make(map[string]*poll),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Observe returns a registry observer that starts polling as soon as a
// consent enters PENDING.
func (r *Reconciler) Observe() consent.Observer {
	return func(ctx context.Context, c *consent.Consent, ev *consent.Event) {
		if ev.ToStatus != consent.StatusPending {
			return
		}
		if err := r.startFrom(c, ev.CreatedAt); err != nil && !errors.Is(err, ErrAlreadyPolling) {
			log.Printf("User %d: failed to start polling consent %s: %v", c.UserID, c.ID, err)
		}
	}
}

// Start begins polling a PENDING consent. The deadline counts from the
// PENDING event, so a consent resumed after a restart keeps its
// original deadline.
func (r *Reconciler) Start(ctx context.Context, c *consent.Consent) error {
	if c.Status != consent.StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, c.ID, c.Status)
	}

	events, err := r.consents.Events(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to load events for %s: %w", c.ID, err)
	}
	since := c.UpdatedAt
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].ToStatus == consent.StatusPending {
			since = events[i].CreatedAt
			break
		}
	}
	return r.startFrom(c, since)
}

func (r *Reconciler) startFrom(c *consent.Consent, pendingSince time.Time) error {
	r.mu.Lock()
	if _, exists := r.polls[c.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyPolling, c.ID)
	}
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return r.ctx.Err()
	}
	ctx, cancel := context.WithCancel(r.ctx)
	p := &poll{cancel: cancel, done: make(chan struct{})}
	r.polls[c.ID] = p
	r.wg.Add(1)
	r.mu.Unlock()

	activePollers.Add(ctx, 1)
	deadline := pendingSince.Add(r.cfg.Deadline)
	log.Printf("User %d: polling consent %s until %s", c.UserID, c.ID, deadline.Format(time.RFC3339))

	go r.run(ctx, p, c.ID, deadline)
	return nil
}

// Cancel stops the poller for a consent and waits for it to exit. It
// reports whether a poller was running.
func (r *Reconciler) Cancel(consentID string) bool {
	r.mu.Lock()
	p, ok := r.polls[consentID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	p.cancel()
	<-p.done
	return true
}

// Polling reports whether a poller is running for the consent.
func (r *Reconciler) Polling(consentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.polls[consentID]
	return ok
}

// Done returns a channel closed when the consent's poller exits, or nil
// if none is running.
func (r *Reconciler) Done(consentID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.polls[consentID]; ok {
		return p.done
	}
	return nil
}

// Resume starts pollers for every consent left PENDING, typically after
// a restart. Consents whose deadline already passed expire immediately.
func (r *Reconciler) Resume(ctx context.Context) (int, error) {
	pending, err := r.consents.ListByStatus(ctx, consent.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending consents: %w", err)
	}

	started := 0
	for _, c := range pending {
		if err := r.Start(ctx, c); err != nil {
			if !errors.Is(err, ErrAlreadyPolling) {
				log.Printf("User %d: failed to resume polling consent %s: %v", c.UserID, c.ID, err)
			}
			continue
		}
		started++
	}
	log.Printf("Reconciler: resumed %d/%d pending consents", started, len(pending))
	return started, nil
}

// Shutdown stops every poller and waits for them to exit.
func (r *Reconciler) Shutdown() {
	r.cancel()
	r.wg.Wait()
}

func (r *Reconciler) release(consentID string, p *poll) {
	r.mu.Lock()
	if r.polls[consentID] == p {
		delete(r.polls, consentID)
	}
	r.mu.Unlock()
	activePollers.Add(context.Background(), -1)
}

func (r *Reconciler) run(ctx context.Context, p *poll, consentID string, deadline time.Time) {
	defer r.wg.Done()
	defer close(p.done)
	defer r.release(consentID, p)

	var wait time.Duration
	failures := 0
	for {
		remaining := deadline.Sub(r.clock.Now())
		if remaining <= 0 {
			r.expire(ctx, consentID)
			return
		}
		if wait > remaining {
			wait = remaining
		}

		timer := r.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !r.clock.Now().Before(deadline) {
			r.expire(ctx, consentID)
			return
		}

		outcome, err := r.pollOnce(ctx, consentID)
		switch {
		case err == nil && outcome == settled:
			return
		case err == nil:
			failures = 0
			wait = r.cfg.Interval
		case ctx.Err() != nil:
			return
		case aggregator.IsDefinitive(err):
			r.reject(ctx, consentID, err)
			return
		default:
			failures++
			wait = r.backoff(failures)
			pollTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
			log.Printf("Consent %s: status lookup failed (attempt %d, retry in %s): %v", consentID, failures, wait, err)
		}
	}
}

func (r *Reconciler) backoff(failures int) time.Duration {
	wait := r.cfg.Interval
	for i := 0; i < failures && wait < r.cfg.MaxBackoff; i++ {
		wait *= 2
	}
	if wait > r.cfg.MaxBackoff {
		wait = r.cfg.MaxBackoff
	}
	return wait
}

func (r *Reconciler) pollOnce(ctx context.Context, consentID string) (pollOutcome, error) {
	c, err := r.consents.Resolve(ctx, consentID)
	if err != nil {
		return stillPending, err
	}
	if c.Status != consent.StatusPending {
		return settled, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.cfg.LookupTimeout)
	resp, err := r.client.GetConsentStatus(lookupCtx, c.ConsentHandle)
	cancel()
	if err != nil {
		return stillPending, err
	}

	target, ok := MapExternalStatus(resp.Status)
	if !ok {
		pollTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "unknown_status")))
		log.Printf("User %d: consent %s reported unknown status %q, still polling", c.UserID, c.ID, resp.Status)
		return stillPending, nil
	}
	if target == consent.StatusPending {
		pollTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "pending")))
		return stillPending, nil
	}

	_, err = r.consents.Transition(ctx, c.ID, target, consent.SourceExternal, map[string]any{
		"externalStatus": resp.Status,
	})
	if errors.Is(err, consent.ErrIllegalTransition) {
		// another writer settled it first
		return settled, nil
	}
	if err != nil {
		return stillPending, err
	}
	pollTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(target))))
	return settled, nil
}

func (r *Reconciler) expire(ctx context.Context, consentID string) {
	if r.record(ctx, consentID, consent.StatusExpired, consent.SourceSystem, "approval deadline passed") {
		pollTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "deadline")))
	}
}

func (r *Reconciler) reject(ctx context.Context, consentID string, cause error) {
	if r.record(ctx, consentID, consent.StatusRevoked, consent.SourceExternal, cause.Error()) {
		pollTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "rejected")))
	}
}

// record writes a terminal transition for a consent whose poll is over,
// retrying storage failures with backoff until the write lands or the
// reconciler shuts down. A consent another writer already moved out of
// PENDING counts as recorded.
func (r *Reconciler) record(ctx context.Context, consentID string, to consent.Status, source consent.Source, reason string) bool {
	failures := 0
	for {
		_, err := r.consents.Transition(ctx, consentID, to, source, map[string]any{"reason": reason})
		switch {
		case err == nil, errors.Is(err, consent.ErrIllegalTransition):
			return true
		case errors.Is(err, consent.ErrConsentNotFound):
			log.Printf("Consent %s: gone before it could be moved to %s", consentID, to)
			return false
		}

		failures++
		wait := r.backoff(failures)
		log.Printf("Consent %s: failed to record %s (attempt %d, retry in %s): %v", consentID, to, failures, wait, err)

		timer := r.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}
