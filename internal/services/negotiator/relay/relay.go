// Package relay talks to the media relay's stream API (go2rtc-compatible).
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Producer struct {
	URL        string `json:"url"`
	RemoteAddr string `json:"remote_addr"`
}

type Stream struct {
	Producers []Producer `json:"producers"`
}

type Client struct {
	base string
	http *http.Client
}

func New(base string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext,
				MaxIdleConns:        8,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// Streams lists the relay's active streams by name.
func (c *Client) Streams(ctx context.Context) (map[string]Stream, error) {
	const op = "relay.Streams"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/streams", nil)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", op, err)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to send request: %w", op, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status: %s", op, res.Status)
	}

	out := map[string]Stream{}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%s: failed to decode streams: %w", op, err)
	}

	return out, nil
}

// Register asks the relay to serve src under name. src must already carry
// percent-encoded credentials.
func (c *Client) Register(ctx context.Context, name, src string) error {
	const op = "relay.Register"

	q := url.Values{}
	q.Set("name", name)
	q.Set("src", src)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base+"/api/streams?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", op, err)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: failed to send request: %w", op, err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated && res.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%s: failed to register stream: %s", op, res.Status)
	}

	return nil
}
