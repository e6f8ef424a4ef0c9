// Package geo resolves a coarse country from a connection's remote address.
package geo

import (
	"net"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog"
)

// UnknownCountry is reported when no database is loaded or a lookup misses.
const UnknownCountry = "Unknown"

// Resolver wraps an optional MaxMind country database. The zero-value-like
// resolver returned for an empty path answers UnknownCountry for everything.
type Resolver struct {
	db  *geoip2.Reader
	log zerolog.Logger
}

// Open loads the database at path. An empty path yields a disabled resolver
// and no error; a present-but-unreadable database is an error.
func Open(path string, log zerolog.Logger) (*Resolver, error) {
	r := &Resolver{log: log.With().Str("component", "geo").Logger()}
	if path == "" {
		return r, nil
	}
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	r.db = db
	return r, nil
}

// Close releases the database if one was loaded.
func (r *Resolver) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Country returns the ISO country code for addr. addr may be a bare IP or a
// host:port pair.
func (r *Resolver) Country(addr string) string {
	if r.db == nil {
		return UnknownCountry
	}

	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return UnknownCountry
	}

	record, err := r.db.Country(ip)
	if err != nil || record.Country.IsoCode == "" {
		r.log.Debug().Str("addr", addr).Msg("country lookup missed")
		return UnknownCountry
	}
	return record.Country.IsoCode
}
