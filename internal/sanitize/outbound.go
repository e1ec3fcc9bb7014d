package sanitize

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"syscall"
	"time"
)

// Outbound request guard: webhooks and similar callbacks must never be able
// to reach internal addresses, whatever DNS says.

var ErrPrivateAddress = fmt.Errorf("destination resolves to a private address")

// ValidateOutboundURL rejects URLs that could target internal
// infrastructure before any connection is attempted.
func ValidateOutboundURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q not allowed", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("url host required")
	}
	if addr, err := netip.ParseAddr(u.Hostname()); err == nil && isDisallowedAddr(addr) {
		return ErrPrivateAddress
	}
	return nil
}

// NewOutboundClient builds an HTTP client whose dialer re-checks the
// resolved address, closing the DNS-rebinding hole ValidateOutboundURL
// cannot cover, and re-validates every redirect hop.
func NewOutboundClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	dialer := &net.Dialer{
		Timeout: timeout,
		Control: func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			addr, err := netip.ParseAddr(host)
			if err != nil {
				return err
			}
			if isDisallowedAddr(addr) {
				return ErrPrivateAddress
			}
			return nil
		},
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			MaxIdleConns:        10,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects")
			}
			return ValidateOutboundURL(req.URL.String())
		},
	}
}

func isDisallowedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified() ||
		addr.IsMulticast()
}
