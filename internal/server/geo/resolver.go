// Package geo resolves network addresses to coarse locations using an
// external ip-api style JSON endpoint. Resolution is best-effort: callers
// must treat failure as "no geolocation available", never as a denial.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"docshield/internal/server/database"
)

var (
	// ErrUnavailable covers lookup failures and timeouts. Callers degrade
	// by skipping geography checks for the session.
	ErrUnavailable = errors.New("geolocation unavailable")

	// ErrPrivateAddress is returned for loopback and RFC1918 addresses,
	// which no public provider can place.
	ErrPrivateAddress = errors.New("private address has no geolocation")
)

// Resolver queries an external HTTP endpoint for IP geolocation.
type Resolver struct {
	endpoint string
	client   *http.Client
}

// NewResolver creates a resolver against the given endpoint with a bounded
// per-lookup timeout.
func NewResolver(endpoint string, timeout time.Duration) *Resolver {
	return &Resolver{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// apiResponse mirrors the ip-api JSON field names.
type apiResponse struct {
	Status      string `json:"status"`
	CountryCode string `json:"countryCode"`
	Country     string `json:"country"`
	RegionName  string `json:"regionName"`
	City        string `json:"city"`
}

// Resolve maps an IP address to a coarse location. The context bounds the
// lookup in addition to the client timeout.
func (r *Resolver) Resolve(ctx context.Context, ip string) (*database.Geolocation, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("%w: unparseable address %q", ErrUnavailable, ip)
	}
	if parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsUnspecified() {
		return nil, ErrPrivateAddress
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.endpoint+"/"+url.PathEscape(ip), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: provider returned %d", ErrUnavailable, resp.StatusCode)
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if body.Status != "" && body.Status != "success" {
		return nil, fmt.Errorf("%w: provider status %q", ErrUnavailable, body.Status)
	}
	if body.CountryCode == "" {
		return nil, fmt.Errorf("%w: empty country code", ErrUnavailable)
	}

	return &database.Geolocation{
		CountryCode: body.CountryCode,
		Country:     body.Country,
		Region:      body.RegionName,
		City:        body.City,
	}, nil
}
