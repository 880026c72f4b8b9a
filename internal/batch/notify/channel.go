package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Message is one rendered run notice.
type Message struct {
	RunID  string `json:"run_id"`
	Month  string `json:"month"`
	Status string `json:"status"`
	Text   string `json:"text"`
}

// Channel delivers a message to operators.
type Channel interface {
	Send(ctx context.Context, msg Message) error
}

// LogChannel writes messages to a logger.
type LogChannel struct {
	logger *log.Logger
}

// NewLogChannel constructs a log channel.
func NewLogChannel(logger *log.Logger) *LogChannel {
	if logger == nil {
		logger = log.Default()
	}
	return &LogChannel{logger: logger}
}

// Send logs msg.
func (c *LogChannel) Send(_ context.Context, msg Message) error {
	c.logger.Printf("batch notify: run_id=%s month=%s status=%s\n%s", msg.RunID, msg.Month, msg.Status, msg.Text)
	return nil
}

const webhookEvent = "batch.run_completed"

type webhookBody struct {
	Event string `json:"event"`
	Message
	SentAt time.Time `json:"sent_at"`
}

// WebhookChannel posts messages as JSON to an HTTP endpoint.
type WebhookChannel struct {
	url    string
	client *http.Client
	now    func() time.Time
}

// NewWebhookChannel constructs a webhook channel.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Send posts msg. Any status outside 2xx is an error.
func (c *WebhookChannel) Send(ctx context.Context, msg Message) error {
	if c == nil || c.url == "" {
		return errors.New("webhook channel: empty url")
	}
	body, err := json.Marshal(webhookBody{Event: webhookEvent, Message: msg, SentAt: c.now()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Solarshare-Event", webhookEvent)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook channel: run %s: status %d", msg.RunID, resp.StatusCode)
	}
	return nil
}

// MultiChannel sends to every channel and joins the errors.
type MultiChannel []Channel

// Send forwards msg to every channel.
func (m MultiChannel) Send(ctx context.Context, msg Message) error {
	var errs []error
	for _, ch := range m {
		if ch == nil {
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
