package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"
)

// LogChannel writes events to the process log.
type LogChannel struct{}

func (LogChannel) Name() string { return "log" }

func (LogChannel) Send(_ context.Context, e Event) error {
	entry := logger.WithFields(map[string]interface{}{
		"component": "notify",
		"kind":      e.Kind,
	})
	for k, v := range e.Fields {
		entry = entry.WithField(k, v)
	}
	switch e.Kind {
	case KindHalt, KindConsistency, KindEmergency, KindError, KindRollback:
		entry.Warn(e.Message)
	default:
		entry.Info(e.Message)
	}
	return nil
}

// WebhookChannel POSTs the event as JSON.
type WebhookChannel struct {
	url    string
	client *resty.Client
}

func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	return &WebhookChannel{url: url, client: client}
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, e Event) error {
	resp, err := w.client.R().SetContext(ctx).SetBody(e).Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook status %d", resp.StatusCode())
	}
	return nil
}
