// Package geo resolves an origin IP address to a region and country.
//
// Lookups are best effort: any failure yields Unknown so a transaction is
// never rejected because the resolver was unavailable.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// Unknown is the region reported when a lookup cannot resolve the address.
const Unknown = "Unknown"

// Location is the geographic origin of an address.
type Location struct {
	Region  string `json:"region"`
	Country string `json:"country"` // ISO 3166-1 alpha-2, empty when unknown
}

// UnknownLocation is returned for unresolvable addresses.
var UnknownLocation = Location{Region: Unknown}

// Resolver maps an IP address to a location. Implementations never fail;
// they return UnknownLocation instead.
type Resolver interface {
	Lookup(ctx context.Context, ip string) Location
}

// Client queries an ipapi-compatible service: GET {base}/{ip}/json/.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a resolver against baseURL (e.g. "https://ipapi.co").
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

var _ Resolver = (*Client)(nil)

type ipapiResponse struct {
	Region      string `json:"region"`
	CountryCode string `json:"country_code"`
	Error       bool   `json:"error"`
	Reason      string `json:"reason"`
}

// Lookup resolves ip. Empty or malformed addresses are not sent upstream.
func (c *Client) Lookup(ctx context.Context, ip string) Location {
	ip = strings.TrimSpace(ip)
	if net.ParseIP(ip) == nil {
		return UnknownLocation
	}

	loc, err := c.fetch(ctx, ip)
	if err != nil {
		c.logger.Warn("ip lookup failed", "ip", ip, "error", err)
		return UnknownLocation
	}
	return loc
}

func (c *Client) fetch(ctx context.Context, ip string) (Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+ip+"/json/", nil)
	if err != nil {
		return Location{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Location{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body ipapiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return Location{}, fmt.Errorf("decode response: %w", err)
	}
	if body.Error {
		return Location{}, fmt.Errorf("lookup rejected: %s", body.Reason)
	}

	loc := Location{Region: body.Region, Country: strings.ToUpper(body.CountryCode)}
	if loc.Region == "" {
		loc.Region = Unknown
	}
	return loc, nil
}

// Static resolves from a fixed table. Used when no lookup service is
// configured and in tests.
type Static map[string]Location

var _ Resolver = Static(nil)

func (s Static) Lookup(_ context.Context, ip string) Location {
	if loc, ok := s[strings.TrimSpace(ip)]; ok {
		return loc
	}
	return UnknownLocation
}
