package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Notifier delivers job status notifications.
type Notifier interface {
	Notify(ctx context.Context, endpoint string, n Notification) error
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, Notification) error { return nil }

// NewNotification describes the current state of a.
func NewNotification(a *JobAssignment) (Notification, error) {
	source, err := json.Marshal(a.ID)
	if err != nil {
		return Notification{}, err
	}
	content, err := json.Marshal(a)
	if err != nil {
		return Notification{}, fmt.Errorf("encoding job assignment %s: %w", a.ID, err)
	}
	return Notification{Source: source, Content: content}, nil
}

// HTTPNotifier POSTs notifications as JSON, retrying 5xx responses and
// transport errors with exponential backoff.
type HTTPNotifier struct {
	Client     *http.Client
	MaxElapsed time.Duration
}

// NewHTTPNotifier returns a notifier with a 10s per-request timeout.
func NewHTTPNotifier() *HTTPNotifier {
	return &HTTPNotifier{
		Client:     &http.Client{Timeout: 10 * time.Second},
		MaxElapsed: 30 * time.Second,
	}
}

func (n *HTTPNotifier) Notify(ctx context.Context, endpoint string, notification Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	op := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.Client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 500:
			return struct{}{}, fmt.Errorf("notification endpoint returned %s", resp.Status)
		case resp.StatusCode >= 300:
			return struct{}{}, backoff.Permanent(fmt.Errorf("notification endpoint returned %s", resp.Status))
		}
		return struct{}{}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	if _, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(n.MaxElapsed)); err != nil {
		return fmt.Errorf("notifying %s: %w", endpoint, err)
	}
	return nil
}
