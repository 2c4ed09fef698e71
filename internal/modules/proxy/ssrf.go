// Package proxy reconciles tenant routes against the edge proxy and guards
// the control plane from SSRF via tenant-supplied upstreams.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strings"

	"github.com/wardenhq/warden/internal/domain"
)

var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// "This network" (0.0.0.0/8): IsUnspecified only catches 0.0.0.0 itself,
// but the whole block reaches the local host on Linux.
var thisNetwork = netip.MustParsePrefix("0.0.0.0/8")

// blockedSuffixes are rejected before any DNS lookup happens: resolving
// them at all could leak queries into internal resolvers.
var blockedSuffixes = []string{".local", ".internal"}

// ValidateSubdomain reports whether a tenant subdomain is well-formed.
func ValidateSubdomain(subdomain string) error {
	if !subdomainPattern.MatchString(subdomain) {
		return fmt.Errorf("invalid subdomain %q: %w", subdomain, domain.ErrInvalidInput)
	}
	return nil
}

// ValidateUpstream checks a host:port upstream for SSRF: hostname deny-list
// before DNS, then every resolved address against private, loopback,
// link-local and v4-mapped ranges. An upstream is rejected if ANY address
// is unsafe; a half-poisoned DNS answer must not slip through.
func ValidateUpstream(ctx context.Context, upstream string) error {
	host, port, err := net.SplitHostPort(upstream)
	if err != nil {
		return fmt.Errorf("upstream must be host:port: %w", domain.ErrInvalidUpstream)
	}
	if port == "" {
		return fmt.Errorf("upstream port is required: %w", domain.ErrInvalidUpstream)
	}

	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("upstream host %q is blocked: %w", host, domain.ErrInvalidUpstream)
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return fmt.Errorf("upstream host %q is blocked: %w", host, domain.ErrInvalidUpstream)
		}
	}

	// IP literals skip DNS entirely
	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(host, addr)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("failed to resolve upstream %q: %w", host, domain.ErrInvalidUpstream)
	}
	if len(ips) == 0 {
		return fmt.Errorf("upstream %q resolves to nothing: %w", host, domain.ErrInvalidUpstream)
	}
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip.IP)
		if !ok {
			return fmt.Errorf("upstream %q returned malformed address: %w", host, domain.ErrInvalidUpstream)
		}
		if err := checkAddr(host, addr); err != nil {
			return err
		}
	}
	return nil
}

func checkAddr(host string, addr netip.Addr) error {
	// v4-mapped v6 (::ffff:10.0.0.1) hides a v4 target behind a v6 literal
	addr = addr.Unmap()

	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified() || addr.IsMulticast() ||
		thisNetwork.Contains(addr) {
		return fmt.Errorf("upstream %q resolves to restricted address %s: %w", host, addr, domain.ErrInvalidUpstream)
	}
	return nil
}
