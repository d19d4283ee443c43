package fetch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"finlink/internal/domain/batch"
	"finlink/internal/domain/consent"
	"finlink/internal/domain/ingest"
	"finlink/internal/domain/vertical"
	"finlink/internal/infrastructure/aggregator"
	"finlink/internal/shared/clock"
)

var (
	fetchTracer     = otel.Tracer("finlink/fetch")
	fetchMeter      = otel.Meter("finlink/fetch")
	batchTotal, _   = fetchMeter.Int64Counter("fetch.batch.total", metric.WithDescription("Fetch batches by final status"))
	callDuration, _ = fetchMeter.Float64Histogram("fetch.call.duration", metric.WithDescription("Aggregator fetch call duration in seconds"), metric.WithUnit("s"))
)

// Registry is the part of the consent registry the orchestrator uses.
type Registry interface {
	Resolve(ctx context.Context, ref string) (*consent.Consent, error)
	Transition(ctx context.Context, ref string, to consent.Status, source consent.Source, metadata map[string]any) (*consent.Consent, error)
}

// Ingester finalizes a batch by ingesting its payloads.
type Ingester interface {
	IngestBatch(ctx context.Context, b *batch.Batch) (*ingest.Result, error)
}

type Config struct {
	// CallTimeout bounds one account fetch, retries included.
	CallTimeout    time.Duration
	MaxConcurrency int
	RetryAttempts  int
	RetryBackoff   time.Duration
	DiscoveryTTL   time.Duration
	// SettleTimeout bounds the writes that move a created batch to its
	// final status. They run detached from the caller's context.
	SettleTimeout time.Duration
}

// settleAttempts is how many times a settling write is tried before the
// batch is marked FAILED.
const settleAttempts = 3

// AccountRef names one account to fetch.
type AccountRef struct {
	FIType    vertical.Type `json:"fiType"`
	AccountID string        `json:"accountId"`
}

// Orchestrator discovers accounts under an ACTIVE consent and runs fetch
// batches: fetch every requested account, store the raw payloads, then
// hand the batch to ingestion.
type Orchestrator struct {
	consents Registry
	client   aggregator.ClientInterface
	parsers  *vertical.Registry
	batches  batch.Repository
	ingester Ingester
	clock    clock.Clock
	cfg      Config
	// discovered caches discovery results per consent id.
	discovered *cache.Cache

	mu       sync.RWMutex
	finished []func(context.Context, *batch.Batch)
}

func NewOrchestrator(consents Registry, client aggregator.ClientInterface, parsers *vertical.Registry,
	batches batch.Repository, ingester Ingester, clk clock.Clock, cfg Config) *Orchestrator {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.DiscoveryTTL <= 0 {
		cfg.DiscoveryTTL = 10 * time.Minute
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 30 * time.Second
	}
	return &Orchestrator{
		consents:   consents,
		client:     client,
		parsers:    parsers,
		batches:    batches,
		ingester:   ingester,
		clock:      clk,
		cfg:        cfg,
		discovered: cache.New(cfg.DiscoveryTTL, 2*cfg.DiscoveryTTL),
	}
}

// OnBatchFinished registers fn to run after every dispatched batch
// settles.
func (o *Orchestrator) OnBatchFinished(fn func(context.Context, *batch.Batch)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, fn)
}

// requireActive resolves the consent and checks it is ACTIVE now. An
// ACTIVE consent whose validity has lapsed is expired on the spot.
func (o *Orchestrator) requireActive(ctx context.Context, ref string) (*consent.Consent, error) {
	c, err := o.consents.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	if c.Status == consent.StatusActive && c.ValidityLapsed(o.clock.Now()) {
		expired, err := o.consents.Transition(ctx, c.ID, consent.StatusExpired, consent.SourceSystem, map[string]any{
			"reason": "validity window ended",
		})
		switch {
		case err == nil:
			c = expired
		case errors.Is(err, consent.ErrIllegalTransition):
			if c, err = o.consents.Resolve(ctx, c.ID); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}

	if c.Status != consent.StatusActive {
		return nil, &ConsentNotActiveError{ConsentID: c.ID, Status: c.Status}
	}
	return c, nil
}

// Discover lists the accounts available under the consent for every
// vertical it covers. The consent must be ACTIVE at call time; the
// account list itself may be served from cache.
func (o *Orchestrator) Discover(ctx context.Context, ref string) ([]vertical.DiscoveredAccount, error) {
	c, err := o.requireActive(ctx, ref)
	if err != nil {
		return nil, err
	}
	if cached, ok := o.discovered.Get(c.ID); ok {
		return cached.([]vertical.DiscoveredAccount), nil
	}

	ctx, span := fetchTracer.Start(ctx, "fetch.discover", trace.WithAttributes(attribute.String("consent.id", c.ID)))
	defer span.End()

	perType := make([][]vertical.DiscoveredAccount, len(c.DataTypes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxConcurrency)
	for i, t := range c.DataTypes {
		g.Go(func() error {
			parser, err := o.parsers.Lookup(t)
			if err != nil {
				return err
			}
			payload, err := o.fetchWithRetry(gctx, c.ConsentHandle, t, nil)
			if err != nil {
				return fmt.Errorf("discovery for %s failed: %w", t, err)
			}
			accounts, err := parser.ParseDiscovery(payload)
			if err != nil {
				return fmt.Errorf("discovery for %s unparseable: %w", t, err)
			}
			perType[i] = accounts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var accounts []vertical.DiscoveredAccount
	for _, list := range perType {
		accounts = append(accounts, list...)
	}
	o.discovered.Set(c.ID, accounts, cache.DefaultExpiration)

	log.Printf("User %d: discovered %d accounts under consent %s", c.UserID, len(accounts), c.ID)
	return accounts, nil
}

// DispatchFetch creates a batch for the given accounts, which must all
// belong to one vertical the consent covers, and runs it to completion.
// A consent that is not ACTIVE is rejected before any batch is created.
func (o *Orchestrator) DispatchFetch(ctx context.Context, ref string, refs []AccountRef) (*batch.Batch, error) {
	return o.dispatch(ctx, ref, refs, "")
}

// Retry dispatches the failed accounts of a PARTIAL or FAILED batch as a
// new batch.
func (o *Orchestrator) Retry(ctx context.Context, batchID string) (*batch.Batch, error) {
	prev, err := o.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if prev.Status != batch.StatusPartial && prev.Status != batch.StatusFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRetryable, prev.ID, prev.Status)
	}

	ids := prev.FailedAccountIDs()
	if len(ids) == 0 {
		ids = prev.AccountIDs
	}
	refs := make([]AccountRef, len(ids))
	for i, id := range ids {
		refs[i] = AccountRef{FIType: prev.FIType, AccountID: id}
	}
	return o.dispatch(ctx, prev.ConsentID, refs, prev.ID)
}

func (o *Orchestrator) dispatch(ctx context.Context, ref string, refs []AccountRef, retryOf string) (*batch.Batch, error) {
	c, err := o.requireActive(ctx, ref)
	if err != nil {
		return nil, err
	}
	fiType, ids, err := o.validateRefs(c, refs)
	if err != nil {
		return nil, err
	}

	ctx, span := fetchTracer.Start(ctx, "fetch.dispatch", trace.WithAttributes(
		attribute.String("consent.id", c.ID),
		attribute.String("batch.fi_type", string(fiType)),
		attribute.Int("batch.accounts", len(ids)),
	))
	defer span.End()

	now := o.clock.Now().UTC()
	b := &batch.Batch{
		ID:          uuid.NewString(),
		ConsentID:   c.ID,
		UserID:      c.UserID,
		FIType:      fiType,
		AccountIDs:  ids,
		Status:      batch.StatusRequested,
		RetryOf:     retryOf,
		RequestedAt: now,
		UpdatedAt:   now,
	}
	if err := o.batches.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	span.SetAttributes(attribute.String("batch.id", b.ID))

	results := o.fetchAccounts(ctx, c.ConsentHandle, fiType, ids)
	failed := 0
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}
	status := batch.StatusRequested
	switch {
	case failed == len(results):
		status = batch.StatusFailed
	case failed > 0:
		status = batch.StatusPartial
	}

	// Once the batch row exists it must reach a final status even if the
	// caller goes away, or Retry would refuse it forever.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SettleTimeout)
	defer cancel()

	err = o.settle(settleCtx, func(ctx context.Context) error {
		return o.batches.RecordResults(ctx, b.ID, results, status)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.failBatch(settleCtx, b, err)
		return nil, fmt.Errorf("failed to record fetch results for batch %s: %w", b.ID, err)
	}
	b.Results = results
	b.Status = status

	if status != batch.StatusFailed {
		err := o.settle(settleCtx, func(ctx context.Context) error {
			_, err := o.ingester.IngestBatch(ctx, b)
			return err
		})
		if err != nil {
			span.RecordError(err)
			o.failBatch(settleCtx, b, err)
		}
	}

	batchTotal.Add(settleCtx, 1, metric.WithAttributes(attribute.String("status", string(b.Status))))
	log.Printf("User %d: batch %s for %d %s accounts finished %s (%d fetch failures)",
		c.UserID, b.ID, len(ids), fiType, b.Status, failed)

	o.mu.RLock()
	hooks := append([]func(context.Context, *batch.Batch){}, o.finished...)
	o.mu.RUnlock()
	for _, fn := range hooks {
		fn(settleCtx, b)
	}
	return b, nil
}

// settle runs a write that finalizes a batch, retrying until it succeeds,
// the batch turns out to be missing or already terminal, or the attempts
// run out.
func (o *Orchestrator) settle(ctx context.Context, write func(context.Context) error) error {
	wait := o.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := write(ctx)
		if err == nil || errors.Is(err, batch.ErrBatchTerminal) || errors.Is(err, batch.ErrBatchNotFound) {
			return err
		}
		if attempt >= settleAttempts || ctx.Err() != nil {
			return err
		}
		log.Printf("Batch write failed (attempt %d of %d), retrying: %v", attempt, settleAttempts, err)

		timer := o.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		wait *= 2
	}
}

// failBatch is the last resort for a batch that could not be settled
// normally: every account is marked failed with cause so Retry can
// pick the batch up again.
func (o *Orchestrator) failBatch(ctx context.Context, b *batch.Batch, cause error) {
	summary := batch.Summary{FailedAccounts: make(map[string]string, len(b.AccountIDs))}
	for _, id := range b.AccountIDs {
		summary.FailedAccounts[id] = cause.Error()
	}
	err := o.settle(ctx, func(ctx context.Context) error {
		return o.batches.Finish(ctx, b.ID, batch.StatusFailed, summary)
	})
	if err != nil {
		log.Printf("User %d: failed to mark batch %s FAILED: %v", b.UserID, b.ID, err)
		return
	}
	b.Status = batch.StatusFailed
	b.Summary = summary
}

func (o *Orchestrator) validateRefs(c *consent.Consent, refs []AccountRef) (vertical.Type, []string, error) {
	if len(refs) == 0 {
		return "", nil, invalid("no accounts requested")
	}

	fiType, err := vertical.ParseType(string(refs[0].FIType))
	if err != nil {
		return "", nil, invalid("%v", err)
	}
	if !c.Covers(fiType) {
		return "", nil, invalid("consent does not cover %s", fiType)
	}
	if _, err := o.parsers.Lookup(fiType); err != nil {
		return "", nil, invalid("%v", err)
	}

	var known map[string]bool
	if cached, ok := o.discovered.Get(c.ID); ok {
		known = make(map[string]bool)
		for _, a := range cached.([]vertical.DiscoveredAccount) {
			if a.FIType == fiType {
				known[a.AccountID] = true
			}
		}
	}

	seen := make(map[string]bool)
	var ids []string
	for _, r := range refs {
		t, err := vertical.ParseType(string(r.FIType))
		if err != nil || t != fiType {
			return "", nil, invalid("a batch holds one vertical, got %s and %s", fiType, r.FIType)
		}
		if r.AccountID == "" {
			return "", nil, invalid("account id is required")
		}
		if known != nil && !known[r.AccountID] {
			return "", nil, invalid("account %s was not discovered under this consent", r.AccountID)
		}
		if !seen[r.AccountID] {
			seen[r.AccountID] = true
			ids = append(ids, r.AccountID)
		}
	}
	sort.Strings(ids)
	return fiType, ids, nil
}

func (o *Orchestrator) fetchAccounts(ctx context.Context, handle string, fiType vertical.Type, ids []string) []batch.AccountResult {
	results := make([]batch.AccountResult, len(ids))

	var g errgroup.Group
	g.SetLimit(o.cfg.MaxConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			payload, err := o.fetchWithRetry(ctx, handle, fiType, []string{id})
			results[i] = batch.AccountResult{AccountID: id, FetchedAt: o.clock.Now().UTC()}
			if err != nil {
				results[i].Error = err.Error()
				return nil
			}
			results[i].Payload = payload
			return nil
		})
	}
	g.Wait()
	return results
}

// fetchWithRetry makes one logical fetch within CallTimeout, retrying
// transient failures with exponential backoff.
func (o *Orchestrator) fetchWithRetry(ctx context.Context, handle string, fiType vertical.Type, ids []string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	wait := o.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		start := time.Now()
		payload, err := o.client.FetchData(callCtx, handle, fiType.ExternalName(), ids)
		callDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("fi_type", string(fiType))))
		if err == nil && len(payload) == 0 {
			err = errors.New("aggregator returned an empty payload")
		}
		if err == nil {
			return payload, nil
		}

		if callCtx.Err() != nil {
			return nil, fmt.Errorf("fetch timed out after %d attempts: %w", attempt, err)
		}
		if !aggregator.IsTransient(err) || attempt >= o.cfg.RetryAttempts {
			return nil, err
		}

		timer := o.clock.NewTimer(wait)
		select {
		case <-callCtx.Done():
			timer.Stop()
			return nil, fmt.Errorf("fetch timed out after %d attempts: %w", attempt, err)
		case <-timer.C:
		}
		wait *= 2
	}
}

// Sync discovers the consent's accounts and dispatches one batch per
// vertical. Per-vertical failures are collected, not fatal.
func (o *Orchestrator) Sync(ctx context.Context, ref string) ([]*batch.Batch, error) {
	accounts, err := o.Discover(ctx, ref)
	if err != nil {
		return nil, err
	}

	byType := make(map[vertical.Type][]AccountRef)
	for _, a := range accounts {
		byType[a.FIType] = append(byType[a.FIType], AccountRef{FIType: a.FIType, AccountID: a.AccountID})
	}
	types := make([]vertical.Type, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	var (
		batches []*batch.Batch
		errs    []error
	)
	for _, t := range types {
		b, err := o.DispatchFetch(ctx, ref, byType[t])
		if err != nil {
			if errors.Is(err, ErrConsentNotActive) {
				return batches, err
			}
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
			continue
		}
		batches = append(batches, b)
	}
	return batches, errors.Join(errs...)
}

// Batch returns a stored batch.
func (o *Orchestrator) Batch(ctx context.Context, id string) (*batch.Batch, error) {
	return o.batches.GetByID(ctx, id)
}

// Batches lists the batches dispatched under a consent.
func (o *Orchestrator) Batches(ctx context.Context, ref string) ([]*batch.Batch, error) {
	c, err := o.consents.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return o.batches.ListByConsent(ctx, c.ID)
}
