package middleware

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request id in and out of the API.
const RequestIDHeader = "X-Request-ID"

// requestInfo lives on the request context for the whole chain so the
// access log can report what inner handlers learned.
type requestInfo struct {
	id     string
	userID atomic.Int64
}

type requestInfoKey struct{}

func infoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(*requestInfo)
	return info
}

// RequestIDFromContext returns the id assigned by Logging, or "".
func RequestIDFromContext(ctx context.Context) string {
	if info := infoFrom(ctx); info != nil {
		return info.id
	}
	return ""
}

func noteUser(ctx context.Context, userID int64) {
	if info := infoFrom(ctx); info != nil {
		info.userID.Store(userID)
	}
}

// validRequestID accepts caller ids that are safe to echo into logs.
func validRequestID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w}
}

// Status reports the written status, 200 if the handler only wrote a body
// and 0 if it wrote nothing.
func (rw *responseWriter) Status() int {
	if rw.status == 0 && rw.bytes > 0 {
		return http.StatusOK
	}
	return rw.status
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Logging assigns a request id, echoes it in the response and writes one
// access log line per request, including the user once Auth has run.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		info := &requestInfo{id: r.Header.Get(RequestIDHeader)}
		if !validRequestID(info.id) {
			info.id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, info.id)

		wrapped := wrapResponseWriter(w)
		next.ServeHTTP(wrapped, r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info)))

		status := wrapped.Status()
		if status == 0 {
			status = http.StatusOK
		}

		user := "-"
		if id := info.userID.Load(); id > 0 {
			user = "user=" + strconv.FormatInt(id, 10)
		}
		log.Printf("%s %s %d %dB %s %s req=%s", r.Method, r.URL.Path, status, wrapped.bytes, time.Since(start), user, info.id)
	})
}
