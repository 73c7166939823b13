// Package notify posts operator alerts to an ntfy-style webhook: the message
// is the plain-text body and metadata travels in Title, Priority and Tags
// headers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Alert is one notification.
type Alert struct {
	Title    string
	Message  string
	Priority string // ntfy priority name such as "high"; empty leaves the default
	Tags     []string
}

type Notifier struct {
	endpoint string
	client   *http.Client
}

// New returns a Notifier posting to endpoint. A nil client uses
// http.DefaultClient.
func New(endpoint string, client *http.Client) (*Notifier, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("notification endpoint is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Notifier{endpoint: endpoint, client: client}, nil
}

// HubLost reports an agent that gave up reconnecting to its hub.
func HubLost(hubURL string, cause error) Alert {
	msg := fmt.Sprintf("pilot-agent lost its hub connection at %s and stopped reconnecting.", hubURL)
	if cause != nil {
		msg += " Last error: " + cause.Error()
	}
	return Alert{
		Title:    "pixelpilot agent disconnected",
		Message:  msg,
		Priority: "high",
		Tags:     []string{"warning", "pixelpilot"},
	}
}

func (n *Notifier) Send(ctx context.Context, a Alert) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(a.Message))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if a.Title != "" {
		req.Header.Set("Title", a.Title)
	}
	if a.Priority != "" {
		req.Header.Set("Priority", a.Priority)
	}
	if len(a.Tags) > 0 {
		req.Header.Set("Tags", strings.Join(a.Tags, ","))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
