// Package webhook delivers trip events to the URL an agent's owner
// configured on the policy.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alecgard/tollgate/internal/policy"
)

const (
	HeaderSignature = "X-Tollgate-Signature"
	HeaderEvent     = "X-Tollgate-Event"
)

// Event is the JSON body posted to the hook.
type Event struct {
	Event     string    `json:"event"`
	AgentID   string    `json:"agent_id"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MetricsRecorder counts deliveries by result. Optional.
type MetricsRecorder interface {
	IncWebhookDelivery(result string)
}

// Notifier posts events in the background. Delivery is best effort: one
// attempt, bounded by the timeout, failures logged.
type Notifier struct {
	client  *http.Client
	metrics MetricsRecorder
	wg      sync.WaitGroup
	now     func() time.Time
}

func NewNotifier(timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// SetMetrics sets the optional metrics recorder.
func (n *Notifier) SetMetrics(m MetricsRecorder) { n.metrics = m }

// Notify queues a delivery if the policy has a hook configured.
func (n *Notifier) Notify(snap *policy.Snapshot, event, detail string) {
	if snap == nil || snap.WebhookURL == "" {
		return
	}
	ev := Event{
		Event:     event,
		AgentID:   snap.AgentID,
		Detail:    detail,
		Timestamp: n.now().UTC(),
	}
	url, secret := snap.WebhookURL, snap.WebhookSecret

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		result := "ok"
		if err := n.deliver(context.Background(), url, secret, ev); err != nil {
			result = "error"
			slog.Warn("webhook delivery failed", "agent_id", ev.AgentID, "event", ev.Event, "error", err)
		}
		if n.metrics != nil {
			n.metrics.IncWebhookDelivery(result)
		}
	}()
}

// Wait blocks until queued deliveries finish.
func (n *Notifier) Wait() { n.wg.Wait() }

func (n *Notifier) deliver(ctx context.Context, url, secret string, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, ev.Event)
	if secret != "" {
		req.Header.Set(HeaderSignature, Sign(secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("hook returned %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the signature header value for body: "sha256=" followed by
// the hex HMAC-SHA256 under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header in constant time. Receivers can use it.
func Verify(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}
