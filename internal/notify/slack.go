package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	DefaultSlackUsername  = "eddie"
	DefaultSlackIconEmoji = ":eddie:"
	slackTimeout          = 10 * time.Second
)

// HTTPClient abstracts HTTP operations for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Slack posts events to a Slack incoming webhook.
type Slack struct {
	WebhookURL string
	Channel    string
	Username   string
	IconEmoji  string
	Client     HTTPClient
}

type slackPayload struct {
	Channel   string `json:"channel,omitempty"`
	Username  string `json:"username"`
	Text      string `json:"text"`
	IconEmoji string `json:"icon_emoji"`
	LinkNames int    `json:"link_names"`
}

func (s *Slack) Notify(ctx context.Context, e Event) error {
	text := e.Message()
	switch e.Level {
	case Error:
		text = ":x: " + text
	case Warn:
		text = ":warning: " + text
	}

	body, err := json.Marshal(slackPayload{
		Channel:   s.Channel,
		Username:  orString(s.Username, DefaultSlackUsername),
		Text:      text,
		IconEmoji: orString(s.IconEmoji, DefaultSlackIconEmoji),
		LinkNames: 1,
	})
	if err != nil {
		return &DeliveryError{Sink: "slack", Err: err}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), slackTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Sink: "slack", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return &DeliveryError{Sink: "slack", Err: err}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode/100 != 2 {
		return &DeliveryError{Sink: "slack", Err: fmt.Errorf("webhook returned %s: %s", resp.Status, bytes.TrimSpace(respBody))}
	}
	return nil
}

func orString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
