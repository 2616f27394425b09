// Package origin groups the network origins of new accounts so that
// creation bursts from one network can be recognized.
package origin

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates the resolver selected by cfg.Type.
func New(cfg domain.OriginConfig) (domain.OriginResolver, error) {
	subnet := NewSubnetResolver(cfg.IPv4PrefixBits, cfg.IPv6PrefixBits)
	switch cfg.Type {
	case "", "subnet":
		return subnet, nil
	case "geoip":
		return NewGeoIPResolver(cfg.GeoIPPath, subnet)
	default:
		return nil, fmt.Errorf("%w: unknown origin type %q", domain.ErrInvalidConfig, cfg.Type)
	}
}

// SubnetResolver maps an address onto its enclosing network prefix.
type SubnetResolver struct {
	v4Bits int
	v6Bits int
}

// NewSubnetResolver creates a resolver masking IPv4 to v4Bits and IPv6 to v6Bits.
func NewSubnetResolver(v4Bits, v6Bits int) *SubnetResolver {
	if v4Bits <= 0 || v4Bits > 32 {
		v4Bits = 24
	}
	if v6Bits <= 0 || v6Bits > 128 {
		v6Bits = 48
	}
	return &SubnetResolver{v4Bits: v4Bits, v6Bits: v6Bits}
}

// Resolve returns the prefix containing raw. Values that are not addresses
// are returned trimmed, so opaque origin labels still group by equality.
func (r *SubnetResolver) Resolve(raw string) string {
	addr, ok := parseAddr(raw)
	if !ok {
		return strings.TrimSpace(raw)
	}
	bits := r.v6Bits
	if addr.Is4() {
		bits = r.v4Bits
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return addr.String()
	}
	return prefix.String()
}

// parseAddr accepts bare addresses and host:port forms.
func parseAddr(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Addr{}, false
	}
	if addr, err := netip.ParseAddr(raw); err == nil {
		return addr.Unmap(), true
	}
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().Unmap(), true
	}
	return netip.Addr{}, false
}
