package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"finlink/internal/domain/consent"
	"finlink/internal/domain/vertical"
	"finlink/internal/infrastructure/aggregator"
	"finlink/internal/infrastructure/memstore"
	"finlink/internal/shared/clock"
)

var start = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

type mockClient struct {
	mu         sync.Mutex
	calls      int
	StatusFunc func(call int) (*aggregator.StatusResponse, error)
}

func (m *mockClient) InitiateConsent(ctx context.Context, req aggregator.InitiateRequest) (*aggregator.InitiateResponse, error) {
	return nil, errors.New("not implemented")
}

func (m *mockClient) GetConsentStatus(ctx context.Context, handle string) (*aggregator.StatusResponse, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()
	return m.StatusFunc(call)
}

func (m *mockClient) FetchData(ctx context.Context, handle, fiType string, ids []string) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (m *mockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func status(s string) func(int) (*aggregator.StatusResponse, error) {
	return func(int) (*aggregator.StatusResponse, error) {
		return &aggregator.StatusResponse{Status: s}, nil
	}
}

type fixture struct {
	clock    *clock.FakeClock
	consents *consent.Service
	client   *mockClient
	rec      *Reconciler
}

var testConfig = Config{
	Interval:   10 * time.Second,
	Deadline:   60 * time.Second,
	MaxBackoff: 40 * time.Second,
}

func newFixture(t *testing.T, observe bool) *fixture {
	t.Helper()
	clk := clock.NewFake(start)
	store := memstore.New(clk)
	svc := consent.NewService(store.Consents, clk)
	client := &mockClient{StatusFunc: status("PENDING")}
	rec := New(svc, client, clk, testConfig)
	if observe {
		svc.Observe(rec.Observe())
	}
	t.Cleanup(rec.Shutdown)
	return &fixture{clock: clk, consents: svc, client: client, rec: rec}
}

func (f *fixture) pendingConsent(t *testing.T) *consent.Consent {
	t.Helper()
	ctx := context.Background()
	c, err := f.consents.Create(ctx, consent.CreateParams{
		UserID:     7,
		DataTypes:  []vertical.Type{vertical.Bank},
		ValidFrom:  start,
		ValidUntil: start.AddDate(0, 6, 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.consents.AttachExternalIDs(ctx, c.ID, "C-"+c.ID, "H-"+c.ID, ""); err != nil {
		t.Fatal(err)
	}
	c, err = f.consents.Transition(ctx, c.ID, consent.StatusPending, consent.SourceSystem, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// awaitTimerOrExit waits until the poller has armed a timer (true) or
// exited (false).
func awaitTimerOrExit(t *testing.T, clk *clock.FakeClock, done <-chan struct{}) bool {
	t.Helper()
	limit := time.Now().Add(5 * time.Second)
	for time.Now().Before(limit) {
		select {
		case <-done:
			return false
		default:
		}
		if clk.Pending() > 0 {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("poller neither armed a timer nor exited")
	return false
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not exit")
	}
}

func TestPendingThenActive(t *testing.T) {
	f := newFixture(t, true)
	f.client.StatusFunc = func(call int) (*aggregator.StatusResponse, error) {
		if call < 3 {
			return &aggregator.StatusResponse{Status: "PENDING"}, nil
		}
		return &aggregator.StatusResponse{Status: "ACTIVE"}, nil
	}

	c := f.pendingConsent(t)
	done := f.rec.Done(c.ID)
	if done == nil {
		t.Fatal("entering PENDING did not start a poller")
	}

	for awaitTimerOrExit(t, f.clock, done) {
		f.clock.Advance(testConfig.Interval)
	}

	got, _ := f.consents.Resolve(context.Background(), c.ID)
	if got.Status != consent.StatusActive {
		t.Errorf("Status = %s, want ACTIVE", got.Status)
	}
	if f.client.Calls() != 3 {
		t.Errorf("lookups = %d, want 3", f.client.Calls())
	}

	events, _ := f.consents.Events(context.Background(), c.ID)
	last := events[len(events)-1]
	if last.Source != consent.SourceExternal || last.Metadata["externalStatus"] != "ACTIVE" {
		t.Errorf("last event = %+v", last)
	}
	if f.rec.Polling(c.ID) {
		t.Error("poller still registered after settling")
	}
}

func TestExpiresOnlyAfterDeadline(t *testing.T) {
	f := newFixture(t, true)
	f.client.StatusFunc = func(int) (*aggregator.StatusResponse, error) {
		return nil, context.DeadlineExceeded
	}

	c := f.pendingConsent(t)
	deadline := start.Add(testConfig.Deadline)
	done := f.rec.Done(c.ID)

	for awaitTimerOrExit(t, f.clock, done) {
		if f.clock.Now().Before(deadline) {
			got, _ := f.consents.Resolve(context.Background(), c.ID)
			if got.Status != consent.StatusPending {
				t.Fatalf("status %s at %s, before the deadline", got.Status, f.clock.Now())
			}
		}
		f.clock.Advance(5 * time.Second)
	}

	if f.clock.Now().Before(deadline) {
		t.Fatalf("poller exited at %s, before deadline %s", f.clock.Now(), deadline)
	}
	got, _ := f.consents.Resolve(context.Background(), c.ID)
	if got.Status != consent.StatusExpired {
		t.Errorf("Status = %s, want EXPIRED", got.Status)
	}
	if f.client.Calls() < 2 {
		t.Errorf("lookups = %d, want retries before expiry", f.client.Calls())
	}

	events, _ := f.consents.Events(context.Background(), c.ID)
	if last := events[len(events)-1]; last.Source != consent.SourceSystem {
		t.Errorf("expiry source = %s, want SYSTEM", last.Source)
	}
}

func TestDefinitiveRejectionRevokes(t *testing.T) {
	f := newFixture(t, true)
	f.client.StatusFunc = func(int) (*aggregator.StatusResponse, error) {
		return nil, &aggregator.APIError{StatusCode: 404, Code: "InvalidConsentHandle"}
	}

	c := f.pendingConsent(t)
	waitDone(t, f.rec.Done(c.ID))

	got, _ := f.consents.Resolve(context.Background(), c.ID)
	if got.Status != consent.StatusRevoked {
		t.Errorf("Status = %s, want REVOKED", got.Status)
	}
}

func TestExternalStatusesSettle(t *testing.T) {
	tests := []struct {
		external string
		want     consent.Status
	}{
		{"REJECTED", consent.StatusRevoked},
		{"EXPIRED", consent.StatusExpired},
		{"paused", consent.StatusPaused},
	}

	for _, tt := range tests {
		t.Run(tt.external, func(t *testing.T) {
			f := newFixture(t, true)
			f.client.StatusFunc = status(tt.external)

			c := f.pendingConsent(t)
			waitDone(t, f.rec.Done(c.ID))

			got, _ := f.consents.Resolve(context.Background(), c.ID)
			if got.Status != tt.want {
				t.Errorf("Status = %s, want %s", got.Status, tt.want)
			}
		})
	}
}

func TestUnknownStatusKeepsPolling(t *testing.T) {
	f := newFixture(t, true)
	f.client.StatusFunc = status("SOMETHING_NEW")

	c := f.pendingConsent(t)
	done := f.rec.Done(c.ID)
	for i := 0; i < 3; i++ {
		if !awaitTimerOrExit(t, f.clock, done) {
			t.Fatal("poller exited on an unknown status")
		}
		f.clock.Advance(testConfig.Interval)
	}

	got, _ := f.consents.Resolve(context.Background(), c.ID)
	if got.Status != consent.StatusPending {
		t.Errorf("Status = %s, want PENDING", got.Status)
	}
}

func TestSingleFlightAndCancel(t *testing.T) {
	f := newFixture(t, false)
	c := f.pendingConsent(t)
	ctx := context.Background()

	if err := f.rec.Start(ctx, c); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.rec.Start(ctx, c); !errors.Is(err, ErrAlreadyPolling) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyPolling", err)
	}

	awaitTimerOrExit(t, f.clock, f.rec.Done(c.ID))
	if !f.rec.Cancel(c.ID) {
		t.Fatal("Cancel() = false for running poller")
	}
	if f.rec.Polling(c.ID) {
		t.Error("poller still registered after Cancel")
	}
	if n := f.clock.Pending(); n != 0 {
		t.Errorf("%d timers left armed after Cancel", n)
	}
	if f.rec.Cancel(c.ID) {
		t.Error("second Cancel() = true")
	}

	got, _ := f.consents.Resolve(ctx, c.ID)
	if got.Status != consent.StatusPending {
		t.Errorf("Cancel changed status to %s", got.Status)
	}
}

func TestStartRejectsNonPending(t *testing.T) {
	f := newFixture(t, false)
	c, _ := f.consents.Create(context.Background(), consent.CreateParams{
		UserID:     7,
		DataTypes:  []vertical.Type{vertical.Bank},
		ValidFrom:  start,
		ValidUntil: start.AddDate(0, 1, 0),
	})
	if err := f.rec.Start(context.Background(), c); !errors.Is(err, ErrNotPending) {
		t.Errorf("Start() error = %v, want ErrNotPending", err)
	}
}

func TestResumeKeepsOriginalDeadline(t *testing.T) {
	f := newFixture(t, false)
	stale := f.pendingConsent(t)

	f.clock.Advance(testConfig.Deadline + time.Minute)
	fresh := f.pendingConsent(t)

	n, err := f.rec.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("Resume() started %d, want 2", n)
	}

	waitDone(t, f.rec.Done(stale.ID))
	got, _ := f.consents.Resolve(context.Background(), stale.ID)
	if got.Status != consent.StatusExpired {
		t.Errorf("stale consent = %s, want EXPIRED", got.Status)
	}

	if !f.rec.Polling(fresh.ID) {
		t.Error("fresh consent not polled after resume")
	}
}

func TestBackoffIsCapped(t *testing.T) {
	r := &Reconciler{cfg: testConfig}
	want := []time.Duration{20 * time.Second, 40 * time.Second, 40 * time.Second, 40 * time.Second}
	for i, w := range want {
		if got := r.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestMapExternalStatus(t *testing.T) {
	tests := map[string]consent.Status{
		"ACTIVE":   consent.StatusActive,
		"pending":  consent.StatusPending,
		"REJECTED": consent.StatusRevoked,
		"EXPIRED":  consent.StatusExpired,
		"PAUSED":   consent.StatusPaused,
	}
	for in, want := range tests {
		got, ok := MapExternalStatus(in)
		if !ok || got != want {
			t.Errorf("MapExternalStatus(%q) = %s, %v; want %s", in, got, ok, want)
		}
	}
	if _, ok := MapExternalStatus("WHATEVER"); ok {
		t.Error("unknown status mapped")
	}
}

// flakyRegistry fails the next failures transitions to failTo before
// passing calls through to the consent service.
type flakyRegistry struct {
	*consent.Service

	mu       sync.Mutex
	failTo   consent.Status
	failures int
	attempts int
}

func (r *flakyRegistry) Transition(ctx context.Context, ref string, to consent.Status, source consent.Source, metadata map[string]any) (*consent.Consent, error) {
	r.mu.Lock()
	fail := false
	if to == r.failTo {
		r.attempts++
		fail = r.failures > 0
		if fail {
			r.failures--
		}
	}
	r.mu.Unlock()
	if fail {
		return nil, errors.New("database is unavailable")
	}
	return r.Service.Transition(ctx, ref, to, source, metadata)
}

func (r *flakyRegistry) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func TestTerminalTransitionIsRetried(t *testing.T) {
	tests := []struct {
		name   string
		to     consent.Status
		lookup func(int) (*aggregator.StatusResponse, error)
		stale  bool
	}{
		{"expiry after deadline", consent.StatusExpired, status("PENDING"), true},
		{"definitive rejection", consent.StatusRevoked, func(int) (*aggregator.StatusResponse, error) {
			return nil, &aggregator.APIError{StatusCode: 404, Code: "InvalidConsentHandle"}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			f.client.StatusFunc = tt.lookup
			reg := &flakyRegistry{Service: f.consents, failTo: tt.to, failures: 1}
			rec := New(reg, f.client, f.clock, testConfig)
			t.Cleanup(rec.Shutdown)

			c := f.pendingConsent(t)
			if tt.stale {
				f.clock.Advance(testConfig.Deadline + time.Second)
			}
			if err := rec.Start(context.Background(), c); err != nil {
				t.Fatalf("Start() error = %v", err)
			}

			done := rec.Done(c.ID)
			for awaitTimerOrExit(t, f.clock, done) {
				f.clock.Advance(testConfig.MaxBackoff)
			}

			got, _ := f.consents.Resolve(context.Background(), c.ID)
			if got.Status != tt.to {
				t.Errorf("Status = %s, want %s", got.Status, tt.to)
			}
			if n := reg.Attempts(); n != 2 {
				t.Errorf("transition attempts = %d, want 2", n)
			}
		})
	}
}
