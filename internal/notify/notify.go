// Package notify delivers backup and restore outcomes to chat and webhook
// targets.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/vitalred/vrbackup/internal/config"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

type Event struct {
	Type       string    `json:"type"` // backup, restore, prune
	Message    string    `json:"message"`
	Status     string    `json:"status"`
	BackupID   string    `json:"backup_id"`
	BackupType string    `json:"backup_type,omitempty"`
	Artifact   string    `json:"artifact,omitempty"`
	SizeBytes  int64     `json:"size_bytes,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Duration   string    `json:"duration"`
	Error      string    `json:"error,omitempty"`
}

func (e Event) summary() string {
	text := fmt.Sprintf("[%s] %s", strings.ToUpper(e.Status), e.Message)
	if e.Error != "" {
		text += ": " + e.Error
	}
	return text
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Multi fans an event out to every target and joins their errors.
type Multi struct {
	Targets []Notifier
}

func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, target := range m.Targets {
		if target == nil {
			continue
		}
		if err := target.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Filtered drops events whose status is not enabled in notify_on.
type Filtered struct {
	Next Notifier
	On   config.NotifyOn
}

func (f Filtered) Notify(ctx context.Context, event Event) error {
	switch event.Status {
	case StatusSuccess:
		if !f.On.Success {
			return nil
		}
	case StatusFailure:
		if !f.On.Failure {
			return nil
		}
	}
	return f.Next.Notify(ctx, event)
}

type Webhook struct {
	Name    string
	URL     string
	Headers map[string]string
}

func (w Webhook) Notify(ctx context.Context, event Event) error {
	return postJSON(ctx, "webhook "+w.Name, w.URL, w.Headers, event)
}

type Mattermost struct {
	Name string
	URL  string
}

func (m Mattermost) Notify(ctx context.Context, event Event) error {
	return postJSON(ctx, "mattermost "+m.Name, m.URL, nil, map[string]string{"text": event.summary()})
}

type Matrix struct {
	Name        string
	ServerURL   string
	AccessToken string
	RoomID      string
}

func (m Matrix) Notify(ctx context.Context, event Event) error {
	endpoint := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/send/m.room.message/%d",
		strings.TrimRight(m.ServerURL, "/"), url.PathEscape(m.RoomID), time.Now().UnixNano())
	payload := map[string]any{
		"msgtype": "m.text",
		"body":    event.summary(),
	}
	headers := map[string]string{"Authorization": "Bearer " + m.AccessToken}
	return putJSON(ctx, "matrix "+m.Name, endpoint, headers, payload)
}

// FromConfig builds the configured targets behind the notify_on filter.
func FromConfig(cfg config.NotificationsConfig) Notifier {
	var targets []Notifier
	for _, w := range cfg.Webhooks {
		targets = append(targets, Webhook{Name: w.Name, URL: w.URL, Headers: w.Headers})
	}
	for _, mm := range cfg.Mattermost {
		targets = append(targets, Mattermost{Name: mm.Name, URL: mm.URL})
	}
	for _, mx := range cfg.Matrix {
		targets = append(targets, Matrix{Name: mx.Name, ServerURL: mx.ServerURL, AccessToken: mx.AccessToken, RoomID: mx.RoomID})
	}
	return Filtered{Next: Multi{Targets: targets}, On: cfg.NotifyOn}
}

func postJSON(ctx context.Context, target, endpoint string, headers map[string]string, payload any) error {
	return sendJSON(ctx, http.MethodPost, target, endpoint, headers, payload)
}

// putJSON is used by Matrix, whose send endpoint is idempotent per txn id.
func putJSON(ctx context.Context, target, endpoint string, headers map[string]string, payload any) error {
	return sendJSON(ctx, http.MethodPut, target, endpoint, headers, payload)
}

func sendJSON(ctx context.Context, method, target, endpoint string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: encode payload: %w", target, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %s", target, resp.Status)
	}
	return nil
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
