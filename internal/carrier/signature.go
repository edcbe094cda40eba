package carrier

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// VerifyResult classifies a signature check outcome.
type VerifyResult string

const (
	// VerifyValid means the signature matched.
	VerifyValid VerifyResult = "valid"
	// VerifyInvalid means the signature did not match the computed HMAC.
	VerifyInvalid VerifyResult = "invalid"
	// VerifyNotConfigured means no shared secret is configured and the
	// deployment is production, so verification fails closed.
	VerifyNotConfigured VerifyResult = "not_configured"
)

// SignatureVerifier validates that a webhook originated from the carrier.
// The carrier signs the full URL it called concatenated with all POST form
// parameters sorted by key (key then value, no separator), HMAC-SHA1 keyed
// by the account auth token, base64-encoded.
type SignatureVerifier struct {
	authToken  string
	production bool
	logger     *slog.Logger
}

// NewSignatureVerifier creates a SignatureVerifier. In development with no
// auth token configured, verification passes with a loud warning; in
// production it fails closed.
func NewSignatureVerifier(authToken string, production bool, logger *slog.Logger) *SignatureVerifier {
	return &SignatureVerifier{
		authToken:  authToken,
		production: production,
		logger:     logger.With("component", "signature_verifier"),
	}
}

// Verify checks the provided signature header against the HMAC computed over
// the externally visible URL and the sorted form parameters.
func (v *SignatureVerifier) Verify(fullURL string, form url.Values, provided string) VerifyResult {
	if v.authToken == "" {
		if v.production {
			return VerifyNotConfigured
		}
		v.logger.Warn("no carrier auth token configured, accepting unverified webhook; never run production this way")
		return VerifyValid
	}

	expected := ComputeSignature(v.authToken, fullURL, form)

	// A length mismatch can never match; skip the timing-safe compare.
	if len(provided) != len(expected) {
		return VerifyInvalid
	}
	if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
		return VerifyInvalid
	}
	return VerifyValid
}

// ComputeSignature builds the carrier's signature for a URL and form body.
// Exported so tests and the local development simulator can sign requests.
func ComputeSignature(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, val := range form[k] {
			b.WriteString(k)
			b.WriteString(val)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ExternalURL reconstructs the URL the carrier actually signed. Behind a
// reverse proxy the process sees its internal origin, so the forwarded
// proto/host headers win; baseURL is the configured fallback when they are
// absent (e.g. direct exposure in development).
func ExternalURL(r *http.Request, baseURL string) string {
	proto := r.Header.Get("X-Forwarded-Proto")
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}

	if proto == "" {
		if base, err := url.Parse(baseURL); err == nil && base.Scheme != "" {
			proto = base.Scheme
			if host == "" {
				host = base.Host
			}
		} else if r.TLS != nil {
			proto = "https"
		} else {
			proto = "http"
		}
	}

	u := proto + "://" + host + r.URL.Path
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return u
}
