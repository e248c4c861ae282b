// Package auth implements the HTTP/SSE surface's bearer-token gate:
// auto-enabled on a non-loopback bind, auto-disabled on loopback for
// convenience, and always overridable via GPTME_DISABLE_AUTH.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"golang.org/x/term"
)

// Common authentication errors.
var (
	// ErrUnauthorized is returned when authentication is required but not provided.
	ErrUnauthorized = errors.New("auth: authentication required")

	// ErrInvalidToken is returned when the bearer token doesn't match.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// GenerateToken returns a random 32-byte token hex-encoded, suitable for
// GPTME_SERVER_TOKEN or the one-time generated token printed on first run.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// IsLoopback reports whether addr (a net.Listener.Addr().String() or a
// bind host like "127.0.0.1:8080") resolves to a loopback interface.
func IsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "" || host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ShouldEnable decides whether the auth middleware should be installed:
// enabled automatically on a non-loopback bind, disabled
// on loopback, and GPTME_DISABLE_AUTH overrides either way.
func ShouldEnable(bindAddr string, disableEnv string) bool {
	if v := strings.TrimSpace(disableEnv); v != "" {
		if enabled, err := parseBool(v); err == nil {
			return !enabled
		}
	}
	return !IsLoopback(bindAddr)
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("auth: cannot parse %q as a boolean", v)
	}
}

// PrintTokenOnce writes a one-time bearer-token banner to stderr if it's
// attached to a TTY, so an operator starting the server interactively can
// copy the generated token immediately.
// Non-interactive stderr (piped to a log file, redirected in a container)
// is left untouched — the token still belongs in GPTME_SERVER_TOKEN.
func PrintTokenOnce(token string) {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return
	}
	fmt.Fprintf(os.Stderr, "\nNo GPTME_SERVER_TOKEN set; generated a one-time token for this run:\n\n    %s\n\nPass it as \"Authorization: Bearer %s\" or \"?token=%s\" (SSE only).\n\n", token, token, token)
}

// Middleware checks every request's Authorization header (or ?token= for
// SSE connections, which can't always set custom headers) against token.
// excludedPaths bypass the check entirely — e.g. a health endpoint.
func Middleware(token string, excludedPaths []string) func(http.Handler) http.Handler {
	excluded := make(map[string]bool, len(excludedPaths))
	for _, p := range excludedPaths {
		excluded[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excluded[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if !authorize(r, token) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"` + ErrUnauthorized.Error() + `"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func authorize(r *http.Request, token string) bool {
	if got := bearerToken(r); got != "" {
		return constantTimeEqual(got, token)
	}
	if got := r.URL.Query().Get("token"); got != "" {
		return constantTimeEqual(got, token)
	}
	return false
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

