package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/oschwald/geoip2-golang"

	"ipwarden/internal/domain"
)

// GeoLiteProvider answers lookups from local MaxMind GeoLite2 City and ASN
// databases. The ASN database is optional. Reload swaps in fresh files
// without interrupting lookups.
type GeoLiteProvider struct {
	cityPath string
	asnPath  string

	mu   sync.RWMutex
	city *geoip2.Reader
	asn  *geoip2.Reader
}

func NewGeoLiteProvider(cityPath, asnPath string) (*GeoLiteProvider, error) {
	p := &GeoLiteProvider{cityPath: cityPath, asnPath: asnPath}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload reopens both databases from disk. On error the current readers stay
// in place.
func (p *GeoLiteProvider) Reload() error {
	city, err := readerFromDisk(p.cityPath)
	if err != nil {
		return fmt.Errorf("geo: open city database: %w", err)
	}

	var asn *geoip2.Reader
	if p.asnPath != "" {
		asn, err = readerFromDisk(p.asnPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			_ = city.Close()
			return fmt.Errorf("geo: open asn database: %w", err)
		}
	}

	p.mu.Lock()
	oldCity, oldASN := p.city, p.asn
	p.city, p.asn = city, asn
	p.mu.Unlock()

	if oldCity != nil {
		_ = oldCity.Close()
	}
	if oldASN != nil {
		_ = oldASN.Close()
	}
	return nil
}

// Loaded reports whether a city database is open.
func (p *GeoLiteProvider) Loaded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.city != nil
}

func readerFromDisk(path string) (*geoip2.Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return geoip2.FromBytes(data)
}

func (p *GeoLiteProvider) Lookup(ctx context.Context, ip string) (domain.LocationResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.LocationResult{}, err
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return domain.LocationResult{}, fmt.Errorf("geo: invalid address %q", ip)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.city == nil {
		return domain.LocationResult{}, errors.New("geo: city database not loaded")
	}

	record, err := p.city.City(parsed)
	if err != nil {
		return domain.LocationResult{}, fmt.Errorf("geo: city lookup: %w", err)
	}

	result := domain.LocationResult{
		Country:     record.Country.Names["en"],
		CountryCode: record.Country.IsoCode,
		City:        record.City.Names["en"],
		Timezone:    record.Location.TimeZone,
	}
	if len(record.Subdivisions) > 0 {
		result.Region = record.Subdivisions[0].Names["en"]
	}
	if record.Location.Latitude != 0 || record.Location.Longitude != 0 {
		lat, lon := record.Location.Latitude, record.Location.Longitude
		result.Latitude = &lat
		result.Longitude = &lon
	}

	if p.asn != nil {
		if asnRecord, err := p.asn.ASN(parsed); err == nil {
			result.ISP = asnRecord.AutonomousSystemOrganization
		}
	}

	if raw, err := json.Marshal(record); err == nil {
		result.Raw = raw
	}

	return result, nil
}

func (p *GeoLiteProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.city != nil {
		errs = append(errs, p.city.Close())
		p.city = nil
	}
	if p.asn != nil {
		errs = append(errs, p.asn.Close())
		p.asn = nil
	}
	return errors.Join(errs...)
}
