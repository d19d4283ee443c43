package middleware

import (
	"net"
	"net/http"
	"strings"
)

// HSTS tells browsers to use HTTPS for a year, subdomains included.
func HSTS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}

// RedirectToHTTPS answers plain HTTP with a permanent redirect to the TLS
// listener. Hosts outside allowedHosts get 400 so a forged Host header
// cannot turn the redirect into an open redirect. httpsPort is omitted
// from the target when it is 443 or empty.
func RedirectToHTTPS(allowedHosts []string, httpsPort string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Header.Get("X-Forwarded-Host")
		if host == "" {
			host = r.Host
		}
		if !IsHostAllowed(host, allowedHosts) {
			http.Error(w, "Invalid host", http.StatusBadRequest)
			return
		}

		target := hostOnly(host)
		if strings.Contains(target, ":") {
			target = "[" + target + "]"
		}
		if httpsPort != "" && httpsPort != "443" {
			target += ":" + httpsPort
		}
		http.Redirect(w, r, "https://"+target+r.URL.RequestURI(), http.StatusMovedPermanently)
	})
}

// hostOnly strips the port and IPv6 brackets from host.
func hostOnly(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}

// IsHostAllowed reports whether host matches an entry of allowedHosts,
// either exactly or by hostname with ports ignored. An empty list
// allows every host.
func IsHostAllowed(host string, allowedHosts []string) bool {
	if len(allowedHosts) == 0 {
		return true
	}

	full := strings.ToLower(strings.TrimSpace(host))
	name := hostOnly(host)
	for _, allowed := range allowedHosts {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == "" {
			continue
		}
		if full == allowed || name == hostOnly(allowed) {
			return true
		}
	}
	return false
}
