package origin

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// GeoIPResolver groups origins by autonomous system, or by country when the
// database is a country database. Lookups that fail fall back to the subnet.
type GeoIPResolver struct {
	mu       sync.RWMutex
	reader   *geoip2.Reader
	asn      bool
	fallback *SubnetResolver
}

// NewGeoIPResolver opens a MaxMind database at path.
func NewGeoIPResolver(path string, fallback *SubnetResolver) (*GeoIPResolver, error) {
	if path == "" {
		path = os.Getenv("GEOIP_DB_PATH")
	}
	if path == "" {
		return nil, fmt.Errorf("geoip database path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("geoip database not found at %s: %w", path, err)
	}

	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}
	if fallback == nil {
		fallback = NewSubnetResolver(0, 0)
	}

	dbType := reader.Metadata().DatabaseType
	slog.Info("geoip database loaded", "path", path, "database_type", dbType)
	return &GeoIPResolver{
		reader:   reader,
		asn:      strings.Contains(strings.ToUpper(dbType), "ASN"),
		fallback: fallback,
	}, nil
}

// Resolve returns "asn:<number>" or "country:<iso>" for public addresses.
func (g *GeoIPResolver) Resolve(raw string) string {
	addr, ok := parseAddr(raw)
	if !ok {
		return g.fallback.Resolve(raw)
	}
	if addr.IsLoopback() || addr.IsPrivate() {
		return g.fallback.Resolve(raw)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.reader == nil {
		return g.fallback.Resolve(raw)
	}

	ip := net.IP(addr.AsSlice())
	if g.asn {
		rec, err := g.reader.ASN(ip)
		if err != nil || rec.AutonomousSystemNumber == 0 {
			return g.fallback.Resolve(raw)
		}
		return fmt.Sprintf("asn:%d", rec.AutonomousSystemNumber)
	}

	rec, err := g.reader.Country(ip)
	if err != nil || rec.Country.IsoCode == "" {
		return g.fallback.Resolve(raw)
	}
	return "country:" + rec.Country.IsoCode
}

// Close releases the database.
func (g *GeoIPResolver) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reader == nil {
		return nil
	}
	err := g.reader.Close()
	g.reader = nil
	return err
}
