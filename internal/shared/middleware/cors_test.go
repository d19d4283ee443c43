package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestIsOriginAllowed(t *testing.T) {
	allowed := []string{"app.finlink.test", "localhost:3000"}

	tests := []struct {
		origin string
		want   bool
	}{
		{origin: "https://app.finlink.test", want: true},
		{origin: "https://APP.finlink.test:8443", want: true},
		{origin: "http://localhost:5173", want: true},
		{origin: "https://evil.test", want: false},
		{origin: "https://sub.app.finlink.test", want: false},
		{origin: "://invalid", want: false},
		{origin: "null", want: false},
	}

	for _, tt := range tests {
		if got := isOriginAllowed(tt.origin, allowed); got != tt.want {
			t.Errorf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		method      string
		origin      string
		wantStatus  int
		wantOrigin  string
		wantCreds   bool
		wantForward bool
	}{
		{
			name:        "wildcard without allowed hosts",
			method:      http.MethodGet,
			origin:      "https://anything.test",
			wantStatus:  http.StatusOK,
			wantOrigin:  "*",
			wantForward: true,
		},
		{
			name:        "allowed origin reflected",
			allowed:     []string{"app.finlink.test"},
			method:      http.MethodPost,
			origin:      "https://app.finlink.test",
			wantStatus:  http.StatusOK,
			wantOrigin:  "https://app.finlink.test",
			wantCreds:   true,
			wantForward: true,
		},
		{
			name:       "disallowed origin",
			allowed:    []string{"app.finlink.test"},
			method:     http.MethodGet,
			origin:     "https://evil.test",
			wantStatus: http.StatusForbidden,
		},
		{
			name:        "same-origin request has no Origin header",
			allowed:     []string{"app.finlink.test"},
			method:      http.MethodGet,
			wantStatus:  http.StatusOK,
			wantForward: true,
		},
		{
			name:       "preflight",
			allowed:    []string{"app.finlink.test"},
			method:     http.MethodOptions,
			origin:     "https://app.finlink.test",
			wantStatus: http.StatusNoContent,
			wantOrigin: "https://app.finlink.test",
			wantCreds:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forwarded := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				forwarded = true
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(tt.method, "/api/consents", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			CORS(tt.allowed)(next).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if forwarded != tt.wantForward {
				t.Errorf("forwarded = %v, want %v", forwarded, tt.wantForward)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := rr.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tt.wantCreds {
				t.Errorf("Allow-Credentials = %v, want %v", got, tt.wantCreds)
			}
			if tt.wantStatus != http.StatusForbidden {
				headers := rr.Header().Get("Access-Control-Allow-Headers")
				if !strings.Contains(headers, "Idempotency-Key") {
					t.Errorf("Allow-Headers = %q, want Idempotency-Key listed", headers)
				}
			}
		})
	}
}
