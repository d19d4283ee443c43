package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(Config{BaseURL: srv.URL, ClientID: "client", APIKey: "secret", Timeout: 5 * time.Second})
}

func TestInitiateConsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/consents" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("x-client-id") != "client" || r.Header.Get("x-client-secret") != "secret" {
			t.Error("missing credentials headers")
		}

		var req InitiateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.FITypes) != 1 || req.FITypes[0] != "MUTUAL_FUNDS" {
			t.Errorf("fiTypes = %v", req.FITypes)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"C-1","consentHandle":"H-1","url":"https://aa.example/approve/H-1","status":"PENDING"}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv).InitiateConsent(context.Background(), InitiateRequest{
		UserRef: "user-42",
		FITypes: []string{"MUTUAL_FUNDS"},
	})
	if err != nil {
		t.Fatalf("InitiateConsent() error = %v", err)
	}
	if resp.ConsentHandle != "H-1" || resp.ConsentID != "C-1" || resp.RedirectURL == "" {
		t.Errorf("response = %+v", resp)
	}
}

func TestGetConsentStatusErrors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantTransient bool
		wantFinal     bool
	}{
		{"not found", http.StatusNotFound, `{"errorCode":"InvalidConsentHandle","errorMsg":"unknown handle"}`, false, true},
		{"throttled", http.StatusTooManyRequests, `slow down`, true, false},
		{"server error", http.StatusBadGateway, `upstream`, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv).GetConsentStatus(context.Background(), "H-1")
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.StatusCode != tt.status {
				t.Fatalf("error = %v, want APIError %d", err, tt.status)
			}
			if got := IsTransient(err); got != tt.wantTransient {
				t.Errorf("IsTransient() = %v, want %v", got, tt.wantTransient)
			}
			if got := IsDefinitive(err); got != tt.wantFinal {
				t.Errorf("IsDefinitive() = %v, want %v", got, tt.wantFinal)
			}
		})
	}
}

func TestFetchDataReturnsRawBody(t *testing.T) {
	payload := `{"accounts":[{"account":{"linkRef":"A"}}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req fetchRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ConsentHandle != "H-1" || req.FIType != "EQUITIES" || len(req.AccountIDs) != 1 {
			t.Errorf("request = %+v", req)
		}
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	got, err := newTestClient(srv).FetchData(context.Background(), "H-1", "EQUITIES", []string{"A"})
	if err != nil {
		t.Fatalf("FetchData() error = %v", err)
	}
	if string(got) != payload {
		t.Errorf("body = %s, want %s", got, payload)
	}
}

func TestFetchDataRejectsOversizedPayload(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{"at the limit", 64, false},
		{"one byte over", 65, true},
		{"far over", 4096, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(strings.Repeat("x", tt.size)))
			}))
			defer srv.Close()

			client := NewClient(Config{BaseURL: srv.URL, Timeout: 5 * time.Second, MaxPayloadSize: 64})
			got, err := client.FetchData(context.Background(), "H-1", "DEPOSIT", []string{"A"})
			if !tt.wantErr {
				if err != nil || len(got) != tt.size {
					t.Fatalf("FetchData() = %d bytes, %v; want %d bytes", len(got), err, tt.size)
				}
				return
			}
			if !errors.Is(err, ErrPayloadTooLarge) {
				t.Fatalf("FetchData() error = %v, want ErrPayloadTooLarge", err)
			}
			if got != nil {
				t.Errorf("FetchData() returned %d bytes with the error", len(got))
			}
			if IsTransient(err) {
				t.Error("oversized payload classified as transient")
			}
		})
	}
}

func TestIsTransientClassification(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.DeadlineExceeded, true},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), true},
		{context.Canceled, false},
		{errors.New("parse failure"), false},
		{&APIError{StatusCode: 400}, false},
		{&APIError{StatusCode: 503}, true},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
