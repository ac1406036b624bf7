package notify

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// Endpoint rejection reasons. Startup refuses to run with any of them.
var (
	ErrInvalidURL       = errors.New("notify endpoint is not a valid URL")
	ErrEmptyHost        = errors.New("notify endpoint has no host")
	ErrInvalidScheme    = errors.New("notify endpoint must use https")
	ErrCredentialsInURL = errors.New("notify endpoint must not embed credentials")
	ErrLocalhostBlocked = errors.New("notify endpoint must not be a local host")
	ErrPrivateIP        = errors.New("notify endpoint resolves to a non-public address")
)

// lookupHost resolves endpoint hosts. Tests replace it.
var lookupHost = func(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

const resolveTimeout = 3 * time.Second

// ValidateEndpoint checks the notify endpoint before the worker starts.
// Outside production only the URL shape is checked so a local receiver can
// be used. In production the endpoint must be https and every address it
// resolves to must be publicly routable.
func ValidateEndpoint(endpoint string, production bool) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ErrInvalidURL
	}
	host := u.Hostname()
	if host == "" {
		return ErrEmptyHost
	}
	if !production {
		return nil
	}

	switch {
	case u.Scheme != "https":
		return ErrInvalidScheme
	case u.User != nil:
		// The payload is already HMAC signed; credentials in the URL would
		// end up in proxy logs.
		return ErrCredentialsInURL
	case isLocalName(host):
		return ErrLocalhostBlocked
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if !routable(addr) {
			return ErrPrivateIP
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	addrs, err := lookupHost(ctx, host)
	if err != nil {
		// DNS may not be ready at boot. Delivery retries cover it.
		return nil
	}
	for _, addr := range addrs {
		if !routable(addr) {
			return ErrPrivateIP
		}
	}
	return nil
}

func isLocalName(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	return host == "localhost" ||
		strings.HasSuffix(host, ".localhost") ||
		strings.HasSuffix(host, ".local") ||
		strings.HasSuffix(host, ".internal")
}

// routable reports whether addr is a public unicast address.
func routable(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() || addr.IsUnspecified() || addr.IsLoopback() ||
		addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsMulticast() {
		return false
	}
	// 0.0.0.0/8 and carrier-grade NAT are not covered by IsPrivate.
	return !thisNetwork.Contains(addr) && !sharedAddressSpace.Contains(addr)
}

var (
	thisNetwork        = netip.MustParsePrefix("0.0.0.0/8")
	sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")
)

// endpointHost returns only the host of endpoint so logs never carry the
// path or query.
func endpointHost(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "(invalid)"
	}
	return u.Host
}
