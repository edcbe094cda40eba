package webhook

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/taxline/taxline/internal/carrier"
)

// signatureHeader carries the carrier's request signature.
const signatureHeader = "X-Carrier-Signature"

// RateLimit returns middleware that rejects over-limit requests with 429.
// Exceeding the limit has no side effects.
func RateLimit(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r)

			if !limiter.Allow(ip) {
				slog.Warn("webhook rate limit exceeded",
					"ip", ip,
					"method", r.Method,
					"path", r.URL.Path,
				)
				w.Header().Set("Retry-After", "60")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// VerifySignature returns middleware that parses the form body and checks
// the carrier signature against the externally visible URL. Forged or
// unsigned requests are rejected with 403 and logged with the source IP.
func VerifySignature(verifier *carrier.SignatureVerifier, baseURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseForm(); err != nil {
				slog.Warn("unparseable webhook form", "ip", extractIP(r), "path", r.URL.Path, "error", err)
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}

			fullURL := carrier.ExternalURL(r, baseURL)
			result := verifier.Verify(fullURL, r.PostForm, r.Header.Get(signatureHeader))
			if result != carrier.VerifyValid {
				slog.Warn("rejected webhook signature",
					"ip", extractIP(r),
					"path", r.URL.Path,
					"reason", string(result),
				)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// StructuredLogger logs each request using log/slog.
func StructuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		slog.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"remote_addr", r.RemoteAddr,
		)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// extractIP returns the client IP address from the request. The chi RealIP
// middleware runs before this to honor X-Forwarded-For behind the proxy.
func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
