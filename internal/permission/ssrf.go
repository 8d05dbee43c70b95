package permission

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/kestrelai/runtime/internal/net/ssrf"
)

// ValidateURL rejects requests aimed at internal infrastructure: the
// scheme must be http/https, the host must resolve, and none of its
// resolved addresses may fall in a reserved/private/loopback/link-local
// range. Resolution uses the caller's context so it is cancellable.
func ValidateURL(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ssrf.NewSSRFBlockedError(fmt.Sprintf("unsupported scheme: %s", parsed.Scheme))
	}
	host := parsed.Hostname()
	if host == "" {
		return ssrf.NewSSRFBlockedError("missing host")
	}

	if ssrf.IsBlockedHostname(host) {
		return ssrf.NewSSRFBlockedError(fmt.Sprintf("blocked hostname: %s", host))
	}
	if ssrf.IsPrivateIPAddress(host) {
		return ssrf.NewSSRFBlockedError("blocked: private/internal IP address")
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("unable to resolve hostname %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("unable to resolve hostname: %s", host)
	}
	for _, addr := range addrs {
		if ssrf.IsPrivateIPAddress(addr.IP.String()) {
			return ssrf.NewSSRFBlockedError("blocked: resolves to private/internal IP address")
		}
	}
	return nil
}

// SafeDialContext returns a DialContext hook that re-validates the IP
// being connected to immediately before the TCP handshake, defeating a
// DNS-rebinding attack that swaps the resolved address between the
// ValidateURL check and the actual connect.
func SafeDialContext(base func(ctx context.Context, network, addr string) (net.Conn, error)) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if base == nil {
		base = (&net.Dialer{}).DialContext
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		if ip := net.ParseIP(host); ip != nil && ssrf.IsPrivateIPAddress(ip.String()) {
			return nil, ssrf.NewSSRFBlockedError(fmt.Sprintf("blocked: dial target %s is a private/internal address", ip))
		}
		return base(ctx, network, addr)
	}
}

// DefaultTransport builds an http.RoundTripper with the SSRF-safe dial
// hook wired in. Redirect-following is left to the caller so each hop
// stays under the permission check.
func DefaultTransport() http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = SafeDialContext(nil)
	return t
}
