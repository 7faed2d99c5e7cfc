// Package anisette fetches the device-identity headers Apple's
// authentication and developer-services endpoints require. Generating the
// headers locally needs Apple's ADI libraries, so they come from a remote
// supplier speaking the SideStore v1 JSON protocol.
package anisette

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

const (
	// DefaultEndpoint is the public SideStore anisette server.
	DefaultEndpoint = "https://ani.sidestore.io"

	// maxAge is how long a fetched snapshot stays usable. The one-time
	// password embedded in the headers rotates server-side; a stale value
	// produces opaque -20101 style rejections, so err on the short side.
	maxAge = 30 * time.Second
)

// Data is one snapshot of device-identity headers. The JSON field names are
// the v1 wire format, reused as-is for the on-disk cache.
type Data struct {
	MachineID       string `json:"X-Apple-I-MD-M"`
	OneTimePassword string `json:"X-Apple-I-MD"`
	RoutingInfo     string `json:"X-Apple-I-MD-RINFO"`
	LocalUserID     string `json:"X-Apple-I-MD-LU"`
	DeviceID        string `json:"X-Mme-Device-Id"`
	ClientInfo      string `json:"X-Mme-Client-Info"`
	SerialNumber    string `json:"X-Apple-I-SRL-NO,omitempty"`

	FetchedAt time.Time `json:"fetched_at,omitempty"`
}

// Stale reports whether the one-time password is likely expired.
func (d *Data) Stale() bool {
	return time.Since(d.FetchedAt) > maxAge
}

// Headers returns the full header set for one request, including the
// time-dependent fields recomputed at call time.
func (d *Data) Headers() map[string]string {
	h := map[string]string{
		"X-Apple-I-MD":       d.OneTimePassword,
		"X-Apple-I-MD-M":     d.MachineID,
		"X-Apple-I-MD-LU":    d.LocalUserID,
		"X-Mme-Device-Id":    d.DeviceID,
		"X-Mme-Client-Info":  d.ClientInfo,
		"X-Apple-I-TimeZone": "UTC",
		"X-Apple-Locale":     "en_US",
		"X-Apple-I-Client-Time": time.Now().UTC().Truncate(time.Second).
			Format("2006-01-02T15:04:05Z"),
	}
	if d.RoutingInfo != "" {
		h["X-Apple-I-MD-RINFO"] = d.RoutingInfo
	}
	if d.SerialNumber != "" {
		h["X-Apple-I-SRL-NO"] = d.SerialNumber
	}
	return h
}

// CPD returns the "client provided data" dictionary GrandSlam expects inside
// request bodies. It carries the identity headers plus a fixed set of
// client capability flags.
func (d *Data) CPD() map[string]any {
	cpd := map[string]any{
		"bootstrap": true,
		"icscrec":   true,
		"loc":       "en_US",
		"pbe":       false,
		"prkgen":    true,
		"svct":      "iCloud",
	}
	for k, v := range d.Headers() {
		cpd[k] = v
	}
	return cpd
}

// Provider supplies header snapshots. The concrete Client hits a remote
// server; tests substitute a canned provider.
type Provider interface {
	Fetch(ctx context.Context) (*Data, error)
}

// Client fetches anisette data from a v1 JSON endpoint and serves it from a
// short-lived in-memory cache. Safe for concurrent use.
type Client struct {
	endpoint string
	hc       *http.Client

	mu     sync.Mutex
	cached *Data
}

// NewClient returns a client for the given endpoint, or DefaultEndpoint if
// empty.
func NewClient(endpoint string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		endpoint: endpoint,
		hc:       &http.Client{Timeout: 30 * time.Second},
	}
}

// Seed primes the cache with a previously persisted snapshot. A stale seed
// is accepted and simply refetched on first use.
func (c *Client) Seed(d *Data) {
	c.mu.Lock()
	c.cached = d
	c.mu.Unlock()
}

// Fetch returns a fresh-enough snapshot, hitting the remote server only when
// the cached one has gone stale.
func (c *Client) Fetch(ctx context.Context) (*Data, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && !c.cached.Stale() {
		return c.cached, nil
	}

	log.WithField("endpoint", c.endpoint).Debug("fetching anisette data")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create anisette request")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch anisette data")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("anisette server returned %s", resp.Status)
	}

	var data Data
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, errors.Wrap(err, "failed to parse anisette response")
	}
	if data.MachineID == "" || data.OneTimePassword == "" {
		return nil, fmt.Errorf("anisette server returned incomplete data")
	}
	data.FetchedAt = time.Now()

	c.cached = &data
	return c.cached, nil
}
