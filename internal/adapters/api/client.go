// Package api is the HTTP client for the pairing and presence
// collaborator service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arvoki/camlink/internal/domain"
)

const requestTimeout = 10 * time.Second

type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

type pairingResponse struct {
	PeerDeviceID string `json:"peer_device_id"`
}

// CurrentPairing returns the device currently paired with deviceID. An
// unpaired device yields an empty peer id, not an error.
func (c *Client) CurrentPairing(ctx context.Context, deviceID domain.DeviceID) (domain.DeviceID, error) {
	var resp pairingResponse
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/pairing/%s", deviceID), nil, &resp)
	if err != nil {
		return "", err
	}
	return domain.DeviceID(resp.PeerDeviceID), nil
}

func (c *Client) Unpair(ctx context.Context, deviceID domain.DeviceID) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/pairing/%s/unpair", deviceID), nil, nil)
}

func (c *Client) UpdateOnlineStatus(ctx context.Context, deviceID domain.DeviceID, online bool) error {
	body := map[string]bool{"online": online}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/presence/%s", deviceID), body, nil)
}

func (c *Client) DisconnectAll(ctx context.Context, deviceID domain.DeviceID) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/presence/%s/disconnect", deviceID), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Unpaired is a state, not a failure.
		return nil
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Debug().
			Str("module", "adapters.api").
			Str("path", path).
			Int("status", resp.StatusCode).
			Msg("collaborator request rejected")
		return fmt.Errorf("%s %s: %d %s: %s", method, path, resp.StatusCode, http.StatusText(resp.StatusCode), string(msg))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
