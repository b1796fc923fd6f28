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

	"github.com/google/uuid"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook posts each message as JSON to an HTTP endpoint.
type Webhook struct {
	URL     string
	Secret  string
	Timeout time.Duration
	// Kinds restricts delivery to these message kinds; empty means all.
	Kinds  []string
	Client *http.Client
	Now    func() time.Time
}

type webhookBody struct {
	DeliveryID string    `json:"delivery_id"`
	Kind       string    `json:"kind"`
	UserID     string    `json:"user_id"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Link       string    `json:"link,omitempty"`
	TS         time.Time `json:"ts"`
}

func (w Webhook) Notify(ctx context.Context, msg Message) error {
	if strings.TrimSpace(w.URL) == "" {
		return fmt.Errorf("webhook url is empty")
	}
	if !newKindFilter(w.Kinds).match(msg.Kind) {
		return nil
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	body := webhookBody{
		DeliveryID: uuid.NewString(),
		Kind:       msg.Kind,
		UserID:     msg.UserID,
		Title:      msg.Title,
		Message:    msg.Body,
		Link:       msg.Link,
		TS:         now().UTC(),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Riskline-Kind", msg.Kind)
	req.Header.Set("X-Riskline-Delivery", body.DeliveryID)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Riskline-Secret", w.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.URL, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", w.URL, res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type kindFilter struct {
	all bool
	set map[string]struct{}
}

func newKindFilter(kinds []string) kindFilter {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			set[k] = struct{}{}
		}
	}
	if len(set) == 0 {
		return kindFilter{all: true}
	}
	return kindFilter{set: set}
}

func (f kindFilter) match(kind string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}
