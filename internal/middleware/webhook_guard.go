package middleware

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// YooKassaNetworks are the ranges YooKassa sends notifications from.
var YooKassaNetworks = []string{
	"185.71.76.0/27",
	"185.71.77.0/27",
	"77.75.153.0/25",
	"77.75.156.11/32",
	"77.75.156.35/32",
	"77.75.154.128/25",
	"2a02:5180::/32",
}

// WebhookGuard rejects notifications from outside the allowed networks and
// bodies larger than maxBody. The body is buffered and restored so the
// handler can read it again. An empty network list allows every source.
func WebhookGuard(networks []string, maxBody int64, trustProxy bool, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	prefixes := make([]netip.Prefix, 0, len(networks))
	for _, n := range networks {
		p, err := netip.ParsePrefix(n)
		if err != nil {
			return nil, fmt.Errorf("webhook network %q: %w", n, err)
		}
		prefixes = append(prefixes, p)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(prefixes) > 0 {
				addr, ok := remoteAddr(r, trustProxy)
				if !ok || !contains(prefixes, addr) {
					logger.Warn("webhook from unexpected source", "remote", r.RemoteAddr)
					http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
					return
				}
			}

			bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"body too large or unreadable"}`, http.StatusRequestEntityTooLarge)
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			next.ServeHTTP(w, r)
		})
	}, nil
}

func remoteAddr(r *http.Request, trustProxy bool) (netip.Addr, bool) {
	host := r.RemoteAddr
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			host = strings.TrimSpace(first)
		}
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func contains(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
