package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook posts notifications as JSON to a fixed URL.
type Webhook struct {
	URL    string
	Secret string
	Client *http.Client
	Now    func() time.Time
}

type webhookBody struct {
	Channel  Channel        `json:"channel"`
	Severity Severity       `json:"severity"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
	TS       string         `json:"ts"`
}

func (w Webhook) Send(ctx context.Context, ch Channel, n Notification) error {
	if strings.TrimSpace(w.URL) == "" {
		return fmt.Errorf("webhook url not configured")
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	body := webhookBody{
		Channel:  ch,
		Severity: n.Severity,
		Title:    n.Title,
		Message:  n.Message,
		Text:     fmt.Sprintf("[%s] %s\n%s", strings.ToUpper(string(n.Severity)), n.Title, n.Message),
		Metadata: n.Metadata,
		TS:       now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Safeline-Channel", string(ch))
	req.Header.Set("X-Safeline-Severity", string(n.Severity))
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Safeline-Secret", w.Secret)
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Log writes notifications to a logger; used for local runs and as a catch-all channel.
type Log struct {
	Logger logrus.FieldLogger
}

func (l Log) Send(_ context.Context, ch Channel, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	entry := logger.WithFields(logrus.Fields{"channel": ch, "severity": n.Severity})
	for k, v := range n.Metadata {
		entry = entry.WithField(k, v)
	}
	msg := fmt.Sprintf("%s: %s", n.Title, n.Message)
	switch n.Severity {
	case Critical, Error:
		entry.Error(msg)
	case Warning:
		entry.Warn(msg)
	default:
		entry.Info(msg)
	}
	return nil
}
