// Package engineapi is an HTTP client for an AceStream engine's local
// control surface: status, network-connection-status, and per-stream
// stat_url polling (spec.md §4.5, §4.4, §4.11). Modeled on the teacher's
// Acexy.GetStream helper in lib/acexy/acexy.go, which builds a short-lived
// http.Client per call and decodes a small JSON envelope.
package engineapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client talks to one engine's HTTP control surface.
type Client struct {
	http *http.Client
}

// New builds a client with a fixed per-call timeout. Callers pass distinct
// contexts per call (health checks use 5s, stat polling uses 3s per
// spec.md), so the client itself stays timeout-agnostic beyond a ceiling.
func New() *Client {
	return &Client{http: &http.Client{Timeout: 10 * time.Second}}
}

// StatusResponse is the engine's /server/api?api_version=3&method=get_status shape,
// reduced to what the health monitor needs.
type StatusResponse struct {
	Result string `json:"result"`
}

// GetStatus issues a bounded health probe against the engine's status URL.
func (c *Client) GetStatus(ctx context.Context, statusURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("engineapi: status probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engineapi: status probe: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// NetworkConnectionStatus is used by the VPN supervisor's double-check path
// (§4.4): did this engine actually reach the network through its VPN.
// Wire shape per spec.md §6: {"result": {"connected": bool}}.
type NetworkConnectionStatus struct {
	Result struct {
		Connected bool `json:"connected"`
	} `json:"result"`
}

// GetNetworkConnectionStatus reports whether the engine has outbound
// connectivity, for the VPN supervisor's double-check heuristic.
func (c *Client) GetNetworkConnectionStatus(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("engineapi: network status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("engineapi: network status: unexpected status %d", resp.StatusCode)
	}
	var st NetworkConnectionStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return false, fmt.Errorf("engineapi: network status: decode: %w", err)
	}
	return st.Result.Connected, nil
}

// StatPayload is the decoded shape of one stat_url poll. Error is non-empty
// when the engine reports its playback session as unknown, the collector's
// primary stale-stream signal (spec.md §4.11).
type StatPayload struct {
	Response *StatResponseBody `json:"response"`
	Error    string            `json:"error"`
}

type StatResponseBody struct {
	Peers      int   `json:"peers"`
	SpeedDown  int64 `json:"speed_down"`
	SpeedUp    int64 `json:"speed_up"`
	Downloaded int64 `json:"downloaded"`
	Uploaded   int64 `json:"uploaded"`
}

// IsUnknownSession reports whether a StatPayload signals the stale-stream
// condition: a null response paired with an "unknown playback session id"
// error, matched case-insensitively per spec.md §4.11.
func (p StatPayload) IsUnknownSession() bool {
	return p.Response == nil && strings.Contains(strings.ToLower(p.Error), "unknown playback session id")
}

// PlaybackResponse is the engine's /ace/getstream middleware envelope
// (https://docs.acestream.net/developers/start-playback/#using-middleware),
// reduced to the fields the multiplexer and stream bookkeeping need.
type PlaybackResponse struct {
	PlaybackURL       string `json:"playback_url"`
	StatURL           string `json:"stat_url"`
	CommandURL        string `json:"command_url"`
	Infohash          string `json:"infohash"`
	PlaybackSessionID string `json:"playback_session_id"`
	IsLive            int    `json:"is_live"`
	IsEncrypted       int    `json:"is_encrypted"`
}

type playbackMiddleware struct {
	Response PlaybackResponse `json:"response"`
	Error    string           `json:"error"`
}

// FetchPlayback asks an engine to start playback for a content key, the
// out-of-band "engine call" spec.md §4.12 says supplies the multiplexer's
// playback_url/stat_url/command_url. Modeled directly on the teacher's
// Acexy.GetStream: a GET to {scheme}://{host}:{port}/ace/getstream with
// id-or-infohash, format=json and a fresh pid, decoding the same
// response/error envelope.
func (c *Client) FetchPlayback(ctx context.Context, scheme, host string, port int, keyType, key string) (PlaybackResponse, error) {
	if scheme == "" {
		scheme = "http"
	}
	u := fmt.Sprintf("%s://%s:%s/ace/getstream", scheme, host, strconv.Itoa(port))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return PlaybackResponse{}, err
	}
	q := req.URL.Query()
	q.Set(keyType, key)
	q.Set("format", "json")
	q.Set("pid", uuid.NewString())
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return PlaybackResponse{}, fmt.Errorf("engineapi: fetch playback: %w", err)
	}
	defer resp.Body.Close()

	var mw playbackMiddleware
	if err := json.NewDecoder(resp.Body).Decode(&mw); err != nil {
		return PlaybackResponse{}, fmt.Errorf("engineapi: fetch playback: decode: %w", err)
	}
	if mw.Error != "" {
		return PlaybackResponse{}, fmt.Errorf("engineapi: fetch playback: engine reported error: %s", mw.Error)
	}
	return mw.Response, nil
}

// GetStat polls a stream's stat_url with the given timeout.
func (c *Client) GetStat(ctx context.Context, statURL string) (StatPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statURL, nil)
	if err != nil {
		return StatPayload{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return StatPayload{}, fmt.Errorf("engineapi: stat poll: %w", err)
	}
	defer resp.Body.Close()

	var payload StatPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return StatPayload{}, fmt.Errorf("engineapi: stat poll: decode: %w", err)
	}
	return payload, nil
}
