// Package ice fetches and caches NAT-traversal server credentials, with a
// static STUN+relay fallback that is always available.
package ice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	// cacheTTL is how long a fetched server set stays valid.
	cacheTTL = 5 * time.Minute
	// fetchTimeout bounds one credential fetch. Servers must resolve
	// within this bound even when the endpoint hangs.
	fetchTimeout = 8 * time.Second
)

// staticSTUNServers are always merged into the result.
var staticSTUNServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// staticRelayServers keep a relay path available when the credential
// fetch is degraded or down entirely.
var staticRelayServers = []webrtc.ICEServer{
	{
		URLs:       []string{"turn:openrelay.metered.ca:80", "turn:openrelay.metered.ca:443"},
		Username:   "openrelayproject",
		Credential: "openrelayproject",
	},
}

type Provider struct {
	endpoint string
	apiKey   string
	client   *http.Client
	now      func() time.Time

	mu        sync.Mutex
	cached    []webrtc.ICEServer
	fetchedAt time.Time
}

func NewProvider(endpoint, apiKey string) *Provider {
	return &Provider{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: fetchTimeout},
		now:      time.Now,
	}
}

// FallbackServers is the static STUN+relay set used when no fetched
// credentials are available.
func FallbackServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(staticSTUNServers)+len(staticRelayServers))
	out = append(out, staticSTUNServers...)
	out = append(out, staticRelayServers...)
	return out
}

// Servers returns the cached set while fresh, otherwise refetches. Any
// fetch failure or timeout yields the static fallback; the error is never
// surfaced to the caller.
func (p *Provider) Servers(ctx context.Context) []webrtc.ICEServer {
	p.mu.Lock()
	if p.cached != nil && p.now().Sub(p.fetchedAt) < cacheTTL {
		cached := p.cached
		p.mu.Unlock()
		return cached
	}
	p.mu.Unlock()

	fetched, err := p.fetch(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "ice").Msg("credential fetch failed, using fallback")
		return FallbackServers()
	}

	merged := make([]webrtc.ICEServer, 0, len(staticSTUNServers)+len(fetched)+len(staticRelayServers))
	merged = append(merged, staticSTUNServers...)
	merged = append(merged, fetched...)
	merged = append(merged, staticRelayServers...)

	p.mu.Lock()
	p.cached = merged
	p.fetchedAt = p.now()
	p.mu.Unlock()

	log.Info().Str("module", "ice").Int("servers", len(merged)).Msg("ICE server set refreshed")
	return merged
}

// iceServerJSON tolerates "urls" as either a string or an array.
type iceServerJSON struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

type urlList []string

func (u *urlList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*u = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*u = many
	return nil
}

func (p *Provider) fetch(ctx context.Context) ([]webrtc.ICEServer, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("bad ICE endpoint: %w", err)
	}
	q := u.Query()
	q.Set("apiKey", p.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("ICE endpoint status %d", resp.StatusCode)
	}

	var raw []iceServerJSON
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding ICE servers: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("ICE endpoint returned no servers")
	}

	servers := make([]webrtc.ICEServer, 0, len(raw))
	for _, s := range raw {
		if len(s.URLs) == 0 {
			continue
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers, nil
}
