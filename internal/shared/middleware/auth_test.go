package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"finlink/internal/shared/auth"
)

func TestAuth(t *testing.T) {
	jwt := auth.NewJWT("test-secret")
	validToken, _ := jwt.Generate(1, "ops@example.com")
	otherToken, _ := auth.NewJWT("other-secret").Generate(1, "")

	tests := []struct {
		name       string
		setup      func(r *http.Request)
		wantStatus int
	}{
		{
			name:       "cookie",
			setup:      func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "access_token", Value: validToken}) },
			wantStatus: http.StatusOK,
		},
		{
			name:       "bearer header",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+validToken) },
			wantStatus: http.StatusOK,
		},
		{
			name:       "lowercase scheme",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "bearer "+validToken) },
			wantStatus: http.StatusOK,
		},
		{
			name: "empty cookie falls back to header",
			setup: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: "access_token", Value: ""})
				r.Header.Set("Authorization", "Bearer "+validToken)
			},
			wantStatus: http.StatusOK,
		},
		{
			name:       "no token",
			setup:      func(r *http.Request) {},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "basic scheme",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Basic dXNlcjpwYXNz") },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "bearer without token",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer   ") },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "signed with another secret",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+otherToken) },
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				userID, ok := UserIDFromContext(r.Context())
				if !ok || userID != 1 {
					t.Errorf("UserIDFromContext() = %d, %v, want 1, true", userID, ok)
				}
				if email, _ := r.Context().Value(EmailKey).(string); email != "ops@example.com" {
					t.Errorf("email = %q, want ops@example.com", email)
				}
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/api/consents", nil)
			tt.setup(req)
			rr := httptest.NewRecorder()
			Auth(jwt)(next).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusUnauthorized && rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 without WWW-Authenticate header")
			}
		})
	}
}

func TestUserIDFromContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	if _, ok := UserIDFromContext(req.Context()); ok {
		t.Error("UserIDFromContext() ok on a bare context")
	}
	if _, ok := UserIDFromContext(WithUserID(req.Context(), 0)); ok {
		t.Error("UserIDFromContext() ok for user 0")
	}
	if id, ok := UserIDFromContext(WithUserID(req.Context(), 9)); !ok || id != 9 {
		t.Errorf("UserIDFromContext() = %d, %v, want 9, true", id, ok)
	}
}
