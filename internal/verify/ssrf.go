package verify

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// LookupFunc resolves a hostname to its addresses. Tests substitute a fixed
// resolver; production uses the default resolver.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

func defaultLookup(ctx context.Context, host string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, host)
}

// IsPrivateAddr reports whether the address falls in a loopback, link-local,
// unspecified, or conventional private range (RFC 1918, ULA).
func IsPrivateAddr(addr netip.Addr) bool {
	return addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified() ||
		addr.IsPrivate()
}

// checkHostPublic resolves the host and rejects it when any resolved address
// is private. Resolving every address closes the obvious rebinding hole where
// a name fronts both a public and an internal record.
func checkHostPublic(ctx context.Context, lookup LookupFunc, host string) error {
	if addr, err := netip.ParseAddr(host); err == nil {
		if IsPrivateAddr(addr) {
			return fmt.Errorf("host %q is a private address", host)
		}
		return nil
	}

	addrs, err := lookup(ctx, host)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", host, err)
	}
	for _, a := range addrs {
		addr, err := netip.ParseAddr(a)
		if err != nil {
			return fmt.Errorf("resolver returned invalid address %q for %q", a, host)
		}
		if IsPrivateAddr(addr) {
			return fmt.Errorf("host %q resolves to private address %s", host, a)
		}
	}
	return nil
}
