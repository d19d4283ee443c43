package consent_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"finlink/internal/domain/consent"
	"finlink/internal/domain/vertical"
	"finlink/internal/infrastructure/memstore"
	"finlink/internal/shared/clock"
)

var now = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*consent.Service, *memstore.Store) {
	t.Helper()
	clk := clock.NewFake(now)
	store := memstore.New(clk)
	return consent.NewService(store.Consents, clk), store
}

func validParams() consent.CreateParams {
	return consent.CreateParams{
		UserID:     42,
		DataTypes:  []vertical.Type{vertical.MutualFund, "DEPOSIT", vertical.MutualFund},
		ValidFrom:  now,
		ValidUntil: now.AddDate(1, 0, 0),
		DataRange:  consent.DataRange{From: now.AddDate(-1, 0, 0)},
	}
}

func TestCreate(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	c, err := svc.Create(ctx, validParams())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if c.Status != consent.StatusInitiated {
		t.Errorf("Status = %s, want INITIATED", c.Status)
	}
	if len(c.DataTypes) != 2 || c.DataTypes[0] != vertical.MutualFund || c.DataTypes[1] != vertical.Bank {
		t.Errorf("DataTypes = %v, want [MUTUAL_FUND BANK]", c.DataTypes)
	}

	events, err := svc.Events(ctx, c.ID)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 1 || events[0].Type != consent.EventCreated || events[0].Seq != 1 {
		t.Errorf("events = %+v, want one CREATED event", events)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newService(t)

	tests := []struct {
		name   string
		mutate func(p *consent.CreateParams)
	}{
		{"no user", func(p *consent.CreateParams) { p.UserID = 0 }},
		{"no data types", func(p *consent.CreateParams) { p.DataTypes = nil }},
		{"unknown data type", func(p *consent.CreateParams) { p.DataTypes = []vertical.Type{"CRYPTO"} }},
		{"validity reversed", func(p *consent.CreateParams) { p.ValidUntil = p.ValidFrom.Add(-time.Hour) }},
		{"validity empty", func(p *consent.CreateParams) { p.ValidUntil = p.ValidFrom }},
		{"data range reversed", func(p *consent.CreateParams) { p.DataRange.To = p.DataRange.From.Add(-time.Hour) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.mutate(&p)
			_, err := svc.Create(context.Background(), p)

			var verr *consent.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Create() error = %v, want ValidationError", err)
			}
			if !errors.Is(err, consent.ErrInvalidConsent) {
				t.Error("ValidationError should match ErrInvalidConsent")
			}
		})
	}
}

func TestTransitionLifecycle(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	c, _ := svc.Create(ctx, validParams())
	if _, err := svc.AttachExternalIDs(ctx, c.ID, "CONSENT-1", "HANDLE-1", "https://aa.example/redirect"); err != nil {
		t.Fatalf("AttachExternalIDs() error = %v", err)
	}

	steps := []consent.Status{consent.StatusPending, consent.StatusActive, consent.StatusRevoked}
	for _, to := range steps {
		if _, err := svc.Transition(ctx, "HANDLE-1", to, consent.SourceExternal, nil); err != nil {
			t.Fatalf("Transition(%s) error = %v", to, err)
		}
	}

	byConsentID, err := svc.Resolve(ctx, "CONSENT-1")
	if err != nil {
		t.Fatalf("Resolve(consentId) error = %v", err)
	}
	if byConsentID.Status != consent.StatusRevoked || byConsentID.Version != 4 {
		t.Errorf("consent = %s v%d, want REVOKED v4", byConsentID.Status, byConsentID.Version)
	}

	status, err := svc.Verify(ctx, c.ID)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if status != consent.StatusRevoked {
		t.Errorf("Verify() = %s, want REVOKED", status)
	}
}

func TestIllegalTransitionLeavesNoTrace(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	c, _ := svc.Create(ctx, validParams())

	tests := []consent.Status{consent.StatusActive, consent.StatusInitiated, consent.StatusExpired}
	for _, to := range tests {
		_, err := svc.Transition(ctx, c.ID, to, consent.SourceSystem, nil)
		var ite *consent.IllegalTransitionError
		if !errors.As(err, &ite) {
			t.Fatalf("Transition(INITIATED -> %s) error = %v, want IllegalTransitionError", to, err)
		}
		if ite.From != consent.StatusInitiated || ite.To != to {
			t.Errorf("error edge = %s -> %s", ite.From, ite.To)
		}
	}

	got, _ := svc.Resolve(ctx, c.ID)
	if got.Status != consent.StatusInitiated || got.Version != 1 {
		t.Errorf("consent changed: %s v%d", got.Status, got.Version)
	}
	events, _ := svc.Events(ctx, c.ID)
	if len(events) != 1 {
		t.Errorf("events = %d, want 1", len(events))
	}
}

func TestTransitionUnknownConsent(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Transition(context.Background(), "missing", consent.StatusPending, consent.SourceSystem, nil)
	if !errors.Is(err, consent.ErrConsentNotFound) {
		t.Errorf("error = %v, want ErrConsentNotFound", err)
	}
}

func TestConcurrentTransitionsApplyOnce(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	c, _ := svc.Create(ctx, validParams())
	if _, err := svc.Transition(ctx, c.ID, consent.StatusPending, consent.SourceSystem, nil); err != nil {
		t.Fatal(err)
	}

	targets := []consent.Status{consent.StatusActive, consent.StatusRevoked, consent.StatusExpired, consent.StatusPaused}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(to consent.Status) {
			defer wg.Done()
			if _, err := svc.Transition(ctx, c.ID, to, consent.SourceExternal, nil); err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(targets[i%len(targets)])
	}
	wg.Wait()

	// PENDING -> ACTIVE may be followed by one ACTIVE -> terminal edge.
	if applied < 1 || applied > 2 {
		t.Errorf("applied = %d, want 1 or 2", applied)
	}
	if _, err := svc.Verify(ctx, c.ID); err != nil {
		t.Errorf("Verify() after concurrent transitions error = %v", err)
	}
}

func TestObserverSeesCommittedTransitions(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	var seen []consent.Status
	svc.Observe(func(_ context.Context, c *consent.Consent, ev *consent.Event) {
		if c.Status != ev.ToStatus {
			t.Errorf("observer saw row %s for event to %s", c.Status, ev.ToStatus)
		}
		seen = append(seen, ev.ToStatus)
	})

	c, _ := svc.Create(ctx, validParams())
	svc.Transition(ctx, c.ID, consent.StatusPending, consent.SourceSystem, nil)
	svc.Transition(ctx, c.ID, consent.StatusInitiated, consent.SourceSystem, nil)
	svc.Transition(ctx, c.ID, consent.StatusActive, consent.SourceExternal, nil)

	if len(seen) != 2 || seen[0] != consent.StatusPending || seen[1] != consent.StatusActive {
		t.Errorf("observed %v, want [PENDING ACTIVE]", seen)
	}
}

func TestVerifyDetectsTamperedLog(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	c, _ := svc.Create(ctx, validParams())
	store.Consents.AppendRawEvent(&consent.Event{
		ConsentID:  c.ID,
		Seq:        2,
		Type:       consent.EventTransition,
		FromStatus: consent.StatusInitiated,
		ToStatus:   consent.StatusActive,
	})

	if _, err := svc.Verify(ctx, c.ID); !errors.Is(err, consent.ErrCorruptLog) {
		t.Errorf("Verify() error = %v, want ErrCorruptLog", err)
	}
}

func TestDataRangeContains(t *testing.T) {
	r := consent.DataRange{
		From: time.Date(2026, 1, 1, 15, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC),
	}
	tests := []struct {
		day  time.Time
		want bool
	}{
		{time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC), false},
		{time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), true},
		{time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC), true},
		{time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		if got := r.Contains(tt.day); got != tt.want {
			t.Errorf("Contains(%s) = %v, want %v", tt.day.Format("2006-01-02"), got, tt.want)
		}
	}
}
