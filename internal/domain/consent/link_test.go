package consent_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"finlink/internal/domain/consent"
	"finlink/internal/infrastructure/aggregator"
)

type mockInitiator struct {
	InitiateFunc func(ctx context.Context, req aggregator.InitiateRequest) (*aggregator.InitiateResponse, error)
	last         aggregator.InitiateRequest
}

func (m *mockInitiator) InitiateConsent(ctx context.Context, req aggregator.InitiateRequest) (*aggregator.InitiateResponse, error) {
	m.last = req
	return m.InitiateFunc(ctx, req)
}

func TestInitiateMovesConsentToPending(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	var pending []*consent.Event
	svc.Observe(func(ctx context.Context, c *consent.Consent, ev *consent.Event) {
		if ev.ToStatus == consent.StatusPending {
			pending = append(pending, ev)
		}
	})

	client := &mockInitiator{InitiateFunc: func(ctx context.Context, req aggregator.InitiateRequest) (*aggregator.InitiateResponse, error) {
		return &aggregator.InitiateResponse{ConsentID: "agg-1", ConsentHandle: "handle-1", RedirectURL: "https://aa.example/approve", Status: "REQUESTED"}, nil
	}}

	c, err := consent.NewLinker(svc, client).Initiate(ctx, validParams(), "https://app.example/done")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if c.Status != consent.StatusPending || c.ConsentHandle != "handle-1" || c.RedirectURL != "https://aa.example/approve" {
		t.Errorf("consent = %+v", c)
	}
	if len(pending) != 1 || pending[0].Source != consent.SourceSystem {
		t.Errorf("pending events = %+v", pending)
	}

	req := client.last
	if req.UserRef != "42" || len(req.FITypes) != 2 || req.FITypes[0] != "MUTUAL_FUNDS" || req.FITypes[1] != "DEPOSIT" {
		t.Errorf("request = %+v", req)
	}
	if req.DataRange.To != nil || req.RedirectURL != "https://app.example/done" {
		t.Errorf("request range/redirect = %+v %q", req.DataRange, req.RedirectURL)
	}

	if got, err := svc.Resolve(ctx, "handle-1"); err != nil || got.ID != c.ID {
		t.Errorf("Resolve(handle) = %v, %v", got, err)
	}
}

func TestInitiateFailureLeavesConsentInitiated(t *testing.T) {
	tests := []struct {
		name string
		resp *aggregator.InitiateResponse
		err  error
	}{
		{"aggregator error", nil, &aggregator.APIError{StatusCode: http.StatusBadRequest, Message: "bad fi type"}},
		{"missing handle", &aggregator.InitiateResponse{ConsentID: "agg-1"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newService(t)
			ctx := context.Background()
			client := &mockInitiator{InitiateFunc: func(ctx context.Context, req aggregator.InitiateRequest) (*aggregator.InitiateResponse, error) {
				return tt.resp, tt.err
			}}

			c, err := consent.NewLinker(svc, client).Initiate(ctx, validParams(), "")
			if !errors.Is(err, consent.ErrInitiationFailed) {
				t.Fatalf("error = %v, want ErrInitiationFailed", err)
			}
			if c == nil || c.Status != consent.StatusInitiated {
				t.Fatalf("consent = %+v, want INITIATED", c)
			}

			events, _ := svc.Events(ctx, c.ID)
			if len(events) != 1 {
				t.Errorf("events = %d, want only CREATED", len(events))
			}
		})
	}
}

func TestInitiateValidatesBeforeCallingAggregator(t *testing.T) {
	svc, _ := newService(t)
	called := false
	client := &mockInitiator{InitiateFunc: func(ctx context.Context, req aggregator.InitiateRequest) (*aggregator.InitiateResponse, error) {
		called = true
		return nil, nil
	}}

	params := validParams()
	params.DataTypes = nil
	if _, err := consent.NewLinker(svc, client).Initiate(context.Background(), params, ""); !errors.Is(err, consent.ErrInvalidConsent) {
		t.Errorf("error = %v, want ErrInvalidConsent", err)
	}
	if called {
		t.Error("aggregator called for an invalid request")
	}
}
