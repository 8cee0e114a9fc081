// Package notify delivers borrow notifications to students over an SMS
// gateway.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/punchamoorthee/libraryops/internal/service"
)

// ErrUpstream wraps every delivery failure.
var ErrUpstream = service.ErrUpstream

// Message is the gateway's request body.
type Message struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// Sender is anything that can deliver a Message.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Client posts messages to the gateway as JSON.
type Client struct {
	url    string
	client *http.Client
}

func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		url: url,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Send returns ErrUpstream for transport errors and non-2xx answers.
func (c *Client) Send(ctx context.Context, m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: gateway answered %s", ErrUpstream, resp.Status)
	}
	return nil
}
