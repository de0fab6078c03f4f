// Package notify delivers agent status transitions to HTTP webhooks.
//
// The registry reports transitions synchronously on the goroutine that
// changed the status. Notifier.Observe only enqueues; Run drains the queue
// and posts each event to every subscribed webhook with optional
// HMAC-SHA256 signing and up to three attempts.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/KSDGitMe/LiMOS-sub001/internal/config"
	"github.com/KSDGitMe/LiMOS-sub001/pkg/models"
	"github.com/rs/zerolog/log"
)

// ── Event types ─────────────────────────────────────────────

// EventType describes what happened.
type EventType string

const (
	EventStatusChanged EventType = "agent.status_changed"
	EventAgentFailed   EventType = "agent.failed"
	EventAgentStopped  EventType = "agent.stopped"
)

// Event is the webhook payload.
type Event struct {
	Type      EventType          `json:"type"`
	AgentID   string             `json:"agent_id"`
	From      models.AgentStatus `json:"from"`
	To        models.AgentStatus `json:"to"`
	Timestamp time.Time          `json:"timestamp"`
}

// NewEvent classifies a transition. Entering error or stopped gets its own type.
func NewEvent(agentID string, from, to models.AgentStatus, at time.Time) Event {
	t := EventStatusChanged
	switch to {
	case models.AgentStatusError:
		t = EventAgentFailed
	case models.AgentStatusStopped:
		t = EventAgentStopped
	}
	return Event{Type: t, AgentID: agentID, From: from, To: to, Timestamp: at.UTC()}
}

// Result reports one delivery.
type Result struct {
	Webhook string `json:"webhook"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ── Notifier ─────────────────────────────────────────────────

const maxAttempts = 3

// Notifier fans status events out to configured webhooks.
type Notifier struct {
	client   *http.Client
	webhooks []config.WebhookConfig
	queue    chan Event
	backoff  time.Duration
	now      func() time.Time
}

// New creates a notifier. It returns nil when no webhooks are configured;
// a nil *Notifier is safe to use and does nothing.
func New(cfg config.NotifyConfig) *Notifier {
	if len(cfg.Webhooks) == 0 {
		return nil
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	n := &Notifier{
		client:   &http.Client{Timeout: cfg.Timeout},
		webhooks: slices.Clone(cfg.Webhooks),
		queue:    make(chan Event, size),
		backoff:  2 * time.Second,
		now:      time.Now,
	}
	log.Info().Int("webhooks", len(cfg.Webhooks)).Msg("Status notifier initialized")
	return n
}

// SetBackoff overrides the base delay between delivery attempts.
func (n *Notifier) SetBackoff(d time.Duration) { n.backoff = d }

// Observe matches agent.StatusListener. It never blocks; events that do not
// fit in the queue are dropped.
func (n *Notifier) Observe(agentID string, from, to models.AgentStatus) {
	if n == nil {
		return
	}
	ev := NewEvent(agentID, from, to, n.now())
	select {
	case n.queue <- ev:
	default:
		log.Warn().Str("agent_id", agentID).Str("event", string(ev.Type)).Msg("Notification queue full, dropping event")
	}
}

// Run delivers queued events until ctx is canceled.
func (n *Notifier) Run(ctx context.Context) error {
	if n == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-n.queue:
			n.Dispatch(ctx, ev)
		}
	}
}

// Dispatch sends ev to every subscribed webhook concurrently.
func (n *Notifier) Dispatch(ctx context.Context, ev Event) []Result {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []Result
	)
	for _, hook := range n.webhooks {
		if !subscribes(hook, ev.Type) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := Result{Webhook: hook.Name}
			if err := n.send(ctx, hook, ev); err != nil {
				r.Error = err.Error()
				log.Warn().Err(err).Str("webhook", hook.Name).Str("event", string(ev.Type)).Msg("Webhook notification failed")
			} else {
				r.Success = true
				log.Debug().Str("webhook", hook.Name).Str("event", string(ev.Type)).Str("agent_id", ev.AgentID).Msg("Webhook notification dispatched")
			}
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// ── Webhook transport ────────────────────────────────────────

func (n *Notifier) send(ctx context.Context, hook config.WebhookConfig, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * n.backoff):
			}
		}
		req, err := newRequest(ctx, hook, ev.Type, body)
		if err != nil {
			return err
		}
		resp, err := n.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, hook.URL)
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", maxAttempts, lastErr)
}

func newRequest(ctx context.Context, hook config.WebhookConfig, t EventType, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "LiMOS-Webhook/1.0")
	req.Header.Set("X-Limos-Event", string(t))
	if hook.Secret != "" {
		req.Header.Set("X-Limos-Signature", "sha256="+Sign(hook.Secret, body))
	}
	return req, nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func subscribes(hook config.WebhookConfig, t EventType) bool {
	if len(hook.Events) == 0 {
		return true
	}
	return slices.Contains(hook.Events, string(t)) || slices.Contains(hook.Events, "*")
}
