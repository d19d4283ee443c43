package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"finlink/internal/domain/batch"
	"finlink/internal/domain/consent"
	"finlink/internal/domain/fetch"
	"finlink/internal/domain/ingest"
	"finlink/internal/domain/notification"
	"finlink/internal/domain/reconcile"
	"finlink/internal/domain/vertical"
	"finlink/internal/infrastructure/aggregator"
	"finlink/internal/infrastructure/memstore"
	"finlink/internal/shared/auth"
	"finlink/internal/shared/clock"
	"finlink/internal/shared/middleware"
)

var start = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

var payloads = map[string]string{
	"DEPOSIT": `{"accounts":[{"linkRef":"SB-1","fiType":"DEPOSIT"},{"linkRef":"SB-2","fiType":"DEPOSIT"}]}`,
	"SB-1":    `{"account":{"linkRef":"SB-1"},"transactions":[{"txnId":"B-1","type":"DEBIT","amount":"100","valueDate":"2026-09-30"}]}`,
}

// MockAggregator implements aggregator.ClientInterface for testing
type MockAggregator struct {
	InitiateConsentFunc func(ctx context.Context, req aggregator.InitiateRequest) (*aggregator.InitiateResponse, error)
}

func (m *MockAggregator) InitiateConsent(ctx context.Context, req aggregator.InitiateRequest) (*aggregator.InitiateResponse, error) {
	if m.InitiateConsentFunc != nil {
		return m.InitiateConsentFunc(ctx, req)
	}
	return &aggregator.InitiateResponse{ConsentID: "C-1", ConsentHandle: "H-1", RedirectURL: "https://aa.example.com/approve/H-1", Status: "PENDING"}, nil
}

func (m *MockAggregator) GetConsentStatus(ctx context.Context, handle string) (*aggregator.StatusResponse, error) {
	return &aggregator.StatusResponse{ConsentHandle: handle, Status: "PENDING"}, nil
}

func (m *MockAggregator) FetchData(ctx context.Context, handle, fiType string, ids []string) ([]byte, error) {
	key := fiType
	if len(ids) > 0 {
		key = ids[0]
	}
	if p, ok := payloads[key]; ok {
		return []byte(p), nil
	}
	return nil, &aggregator.APIError{StatusCode: http.StatusNotFound, Message: "unknown"}
}

// MockPoller implements Poller for testing
type MockPoller struct {
	polling map[string]bool
}

func (m *MockPoller) Cancel(id string) bool {
	ok := m.polling[id]
	delete(m.polling, id)
	return ok
}

func (m *MockPoller) Polling(id string) bool { return m.polling[id] }

type server struct {
	t        *testing.T
	handler  http.Handler
	consents *consent.Service
	client   *MockAggregator
	poller   *MockPoller
	jwt      *auth.JWT
}

func newServer(t *testing.T) *server {
	t.Helper()
	clk := clock.NewFake(start)
	store := memstore.New(clk)
	svc := consent.NewService(store.Consents, clk)
	parsers := vertical.DefaultRegistry()
	engine := ingest.NewEngine(store.Ingest, store.Batches, svc, parsers, clk)
	client := &MockAggregator{}
	orch := fetch.NewOrchestrator(svc, client, parsers, store.Batches, engine, clk, fetch.Config{CallTimeout: time.Second})
	poller := &MockPoller{polling: make(map[string]bool)}

	h := &Handlers{
		Consents:      NewConsentHandler(svc, consent.NewLinker(svc, client), poller, "https://app.example.com/linked"),
		Fetch:         NewFetchHandler(svc, orch),
		Accounts:      NewAccountHandler(engine),
		Notifications: NewNotificationHandler(notification.NewService(store.Devices, nil, nil)),
	}
	jwt := auth.NewJWT("test-secret")
	mux := http.NewServeMux()
	h.Register(mux, middleware.Auth(jwt))

	return &server{t: t, handler: mux, consents: svc, client: client, poller: poller, jwt: jwt}
}

func (s *server) do(userID int64, method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID > 0 {
		token, err := s.jwt.Generate(userID, "")
		if err != nil {
			s.t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

// activeConsent creates a bank consent for user 7 and walks it to ACTIVE.
func (s *server) activeConsent() *consent.Consent {
	s.t.Helper()
	ctx := context.Background()
	c, err := s.consents.Create(ctx, consent.CreateParams{
		UserID:     7,
		DataTypes:  []vertical.Type{vertical.Bank},
		ValidFrom:  start,
		ValidUntil: start.AddDate(0, 1, 0),
	})
	if err != nil {
		s.t.Fatal(err)
	}
	if _, err := s.consents.AttachExternalIDs(ctx, c.ID, "C-1", "H-1", ""); err != nil {
		s.t.Fatal(err)
	}
	for _, to := range []consent.Status{consent.StatusPending, consent.StatusActive} {
		if c, err = s.consents.Transition(ctx, c.ID, to, consent.SourceSystem, nil); err != nil {
			s.t.Fatal(err)
		}
	}
	return c
}

func createBody() map[string]any {
	return map[string]any{
		"dataTypes":  []string{"BANK"},
		"validFrom":  start,
		"validUntil": start.AddDate(0, 6, 0),
	}
}

func TestHandleCreate(t *testing.T) {
	s := newServer(t)

	rr := s.do(7, http.MethodPost, "/api/consents", createBody())
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	got := decode[consent.Consent](t, rr)
	if got.Status != consent.StatusPending {
		t.Errorf("status = %s, want PENDING", got.Status)
	}
	if got.RedirectURL != "https://aa.example.com/approve/H-1" {
		t.Errorf("redirectUrl = %q", got.RedirectURL)
	}
	if got.UserID != 7 {
		t.Errorf("userId = %d, want 7", got.UserID)
	}
}

func TestHandleCreate_Errors(t *testing.T) {
	tests := []struct {
		name       string
		userID     int64
		body       any
		failAgg    bool
		wantStatus int
	}{
		{"unauthenticated", 0, createBody(), false, http.StatusUnauthorized},
		{"no data types", 7, map[string]any{"validFrom": start, "validUntil": start.AddDate(0, 1, 0)}, false, http.StatusBadRequest},
		{"unknown vertical", 7, map[string]any{"dataTypes": []string{"CRYPTO"}, "validFrom": start, "validUntil": start.AddDate(0, 1, 0)}, false, http.StatusBadRequest},
		{"malformed body", 7, "not an object", false, http.StatusBadRequest},
		{"aggregator down", 7, createBody(), true, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(t)
			if tt.failAgg {
				s.client.InitiateConsentFunc = func(ctx context.Context, req aggregator.InitiateRequest) (*aggregator.InitiateResponse, error) {
					return nil, &aggregator.APIError{StatusCode: http.StatusServiceUnavailable, Message: "down"}
				}
			}

			rr := s.do(tt.userID, http.MethodPost, "/api/consents", tt.body)
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
		})
	}
}

func TestHandleCreate_AggregatorFailureReturnsInitiatedConsent(t *testing.T) {
	s := newServer(t)
	s.client.InitiateConsentFunc = func(ctx context.Context, req aggregator.InitiateRequest) (*aggregator.InitiateResponse, error) {
		return nil, errors.New("connection refused")
	}

	rr := s.do(7, http.MethodPost, "/api/consents", createBody())
	got := decode[struct {
		Error   string           `json:"error"`
		Consent *consent.Consent `json:"consent"`
	}](t, rr)
	if got.Consent == nil || got.Consent.Status != consent.StatusInitiated {
		t.Fatalf("consent = %+v, want INITIATED", got.Consent)
	}
}

func TestHandleGet_Ownership(t *testing.T) {
	s := newServer(t)
	c := s.activeConsent()

	if rr := s.do(7, http.MethodGet, "/api/consents/"+c.ID, nil); rr.Code != http.StatusOK {
		t.Errorf("owner status = %d, want 200", rr.Code)
	}
	if rr := s.do(7, http.MethodGet, "/api/consents/H-1", nil); rr.Code != http.StatusOK {
		t.Errorf("lookup by handle status = %d, want 200", rr.Code)
	}
	if rr := s.do(8, http.MethodGet, "/api/consents/"+c.ID, nil); rr.Code != http.StatusNotFound {
		t.Errorf("other user status = %d, want 404", rr.Code)
	}
	if rr := s.do(7, http.MethodGet, "/api/consents/missing", nil); rr.Code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", rr.Code)
	}
}

func TestHandleEvents(t *testing.T) {
	s := newServer(t)
	c := s.activeConsent()

	rr := s.do(7, http.MethodGet, "/api/consents/"+c.ID+"/events", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	got := decode[struct {
		Events []consent.Event `json:"events"`
	}](t, rr)
	if len(got.Events) != 3 {
		t.Fatalf("events = %d, want 3", len(got.Events))
	}
	for i, ev := range got.Events {
		if ev.Seq != int64(i+1) {
			t.Errorf("events[%d].Seq = %d", i, ev.Seq)
		}
	}
}

func TestHandleCancelPoll(t *testing.T) {
	s := newServer(t)
	c := s.activeConsent()
	s.poller.polling[c.ID] = true

	rr := s.do(7, http.MethodDelete, "/api/consents/"+c.ID+"/poll", nil)
	if got := decode[map[string]bool](t, rr); !got["cancelled"] {
		t.Errorf("first cancel = %v, want cancelled", got)
	}
	rr = s.do(7, http.MethodDelete, "/api/consents/"+c.ID+"/poll", nil)
	if got := decode[map[string]bool](t, rr); got["cancelled"] {
		t.Errorf("second cancel = %v, want not cancelled", got)
	}
}

func TestFetchFlow(t *testing.T) {
	s := newServer(t)
	c := s.activeConsent()
	base := "/api/consents/" + c.ID

	rr := s.do(7, http.MethodPost, base+"/discover", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("discover status = %d, body %s", rr.Code, rr.Body.String())
	}
	discovered := decode[struct {
		Accounts []vertical.DiscoveredAccount `json:"accounts"`
	}](t, rr)
	if len(discovered.Accounts) != 2 {
		t.Fatalf("discovered = %d, want 2", len(discovered.Accounts))
	}

	rr = s.do(7, http.MethodPost, base+"/fetch", FetchRequest{Accounts: []fetch.AccountRef{{FIType: vertical.Bank, AccountID: "SB-1"}}})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("fetch status = %d, body %s", rr.Code, rr.Body.String())
	}
	b := decode[batch.Batch](t, rr)
	if b.Status != batch.StatusComplete {
		t.Errorf("batch status = %s, want COMPLETE", b.Status)
	}
	for _, res := range b.Results {
		if len(res.Payload) != 0 {
			t.Errorf("payload leaked for %s", res.AccountID)
		}
	}

	if rr := s.do(7, http.MethodGet, "/api/batches/"+b.ID, nil); rr.Code != http.StatusOK {
		t.Errorf("get batch status = %d", rr.Code)
	}
	if rr := s.do(8, http.MethodGet, "/api/batches/"+b.ID, nil); rr.Code != http.StatusNotFound {
		t.Errorf("other user get batch status = %d, want 404", rr.Code)
	}
	if rr := s.do(7, http.MethodPost, "/api/batches/"+b.ID+"/retry", nil); rr.Code != http.StatusConflict {
		t.Errorf("retry complete batch status = %d, want 409", rr.Code)
	}

	batches := decode[struct {
		Batches []batch.Batch `json:"batches"`
	}](t, s.do(7, http.MethodGet, base+"/batches", nil))
	if len(batches.Batches) != 1 {
		t.Errorf("batches = %d, want 1", len(batches.Batches))
	}

	accounts := decode[struct {
		Accounts []ingest.Account `json:"accounts"`
	}](t, s.do(7, http.MethodGet, "/api/accounts", nil))
	if len(accounts.Accounts) != 1 {
		t.Fatalf("accounts = %d, want 1", len(accounts.Accounts))
	}
	acctPath := fmt.Sprintf("/api/accounts/%s/transactions", accounts.Accounts[0].ID)

	txns := decode[struct {
		Transactions []ingest.Transaction `json:"transactions"`
	}](t, s.do(7, http.MethodGet, acctPath, nil))
	if len(txns.Transactions) != 1 {
		t.Errorf("transactions = %d, want 1", len(txns.Transactions))
	}
	if rr := s.do(8, http.MethodGet, acctPath, nil); rr.Code != http.StatusNotFound {
		t.Errorf("other user transactions status = %d, want 404", rr.Code)
	}
}

func TestHandleFetch_Errors(t *testing.T) {
	s := newServer(t)
	active := s.activeConsent()

	pending, err := s.consents.Create(context.Background(), consent.CreateParams{
		UserID: 7, DataTypes: []vertical.Type{vertical.Bank}, ValidFrom: start, ValidUntil: start.AddDate(0, 1, 0),
	})
	if err != nil {
		t.Fatal(err)
	}

	sb1 := FetchRequest{Accounts: []fetch.AccountRef{{FIType: vertical.Bank, AccountID: "SB-1"}}}
	tests := []struct {
		name       string
		ref        string
		body       any
		wantStatus int
	}{
		{"consent not active", pending.ID, sb1, http.StatusConflict},
		{"no accounts", active.ID, FetchRequest{}, http.StatusBadRequest},
		{"vertical not covered", active.ID, FetchRequest{Accounts: []fetch.AccountRef{{FIType: vertical.MutualFund, AccountID: "MF-1"}}}, http.StatusBadRequest},
		{"unknown consent", "nope", sb1, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(7, http.MethodPost, "/api/consents/"+tt.ref+"/fetch", tt.body)
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
		})
	}
}

func TestHandleRegisterDevice(t *testing.T) {
	s := newServer(t)

	rr := s.do(7, http.MethodPost, "/api/devices", RegisterDeviceRequest{Token: "tok", DeviceType: "ios"})
	if rr.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rr.Code)
	}
	rr = s.do(7, http.MethodPost, "/api/devices", RegisterDeviceRequest{Token: "tok", DeviceType: "web"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad device type status = %d, want 400", rr.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&consent.ValidationError{Field: "userId", Reason: "must be positive"}, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", consent.ErrConsentNotFound), http.StatusNotFound},
		{&consent.IllegalTransitionError{From: consent.StatusExpired, To: consent.StatusActive}, http.StatusConflict},
		{&fetch.ConsentNotActiveError{ConsentID: "c", Status: consent.StatusPending}, http.StatusConflict},
		{reconcile.ErrAlreadyPolling, http.StatusConflict},
		{batch.ErrBatchNotFound, http.StatusNotFound},
		{ingest.ErrAccountNotFound, http.StatusNotFound},
		{consent.ErrInitiationFailed, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
