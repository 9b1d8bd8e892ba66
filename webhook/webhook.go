// Package webhook delivers hub events to registered subscriber endpoints
// and keeps a short in-memory event log for polling clients.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/scpnetwork/scp-go/scp"
	"github.com/scpnetwork/scp-go/store"
)

// Event names emitted by the hub.
const (
	EventChannelCloseStarted = "channel.close_started"
	EventChannelChallenged   = "channel.challenged"
	EventChannelClosed       = "channel.closed"
	EventPaymentReceived     = "payment.received"
	EventPaymentRefunded     = "payment.refunded"
	EventBalanceLow          = "balance.low"
)

// AllEvents lists every event a hook may subscribe to.
var AllEvents = []string{
	EventChannelCloseStarted,
	EventChannelChallenged,
	EventChannelClosed,
	EventPaymentReceived,
	EventPaymentRefunded,
	EventBalanceLow,
}

const (
	// MaxHooksPerChannel caps active registrations per channel.
	MaxHooksPerChannel = 10

	maxRetries      = 5
	retryBase       = 2 * time.Second
	deliveryTimeout = 5 * time.Second
	eventLogMax     = 1000
	failThreshold   = 3
)

// LogEntry is one event in the poll log.
type LogEntry struct {
	Seq       int64          `json:"seq"`
	Event     string         `json:"event"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// PollResult is a page of events after a cursor.
type PollResult struct {
	Since      int64       `json:"since"`
	Count      int         `json:"count"`
	NextCursor int64       `json:"nextCursor"`
	Items      []*LogEntry `json:"items"`
}

// Patch describes a partial hook update. Nil fields are left unchanged.
type Patch struct {
	URL    string
	Events []string
	Secret string
	Status string
}

// Config configures a Manager.
type Config struct {
	// Store persists hook registrations across restarts. Optional.
	Store *store.Storage
	// HTTPClient overrides the delivery client. Optional.
	HTTPClient *http.Client
	LogWriter  io.Writer
}

// Manager owns hook registrations, the event log, and delivery retries.
type Manager struct {
	store  *store.Storage
	client *http.Client
	logW   io.Writer

	mu       sync.Mutex
	hooks    map[string]*scp.Webhook
	eventLog []*LogEntry
	eventSeq int64
	timers   map[*time.Timer]bool
	closed   bool
	wg       sync.WaitGroup
}

// NewManager builds a Manager and loads any persisted hooks.
func NewManager(cfg Config) *Manager {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: deliveryTimeout}
	}
	logW := cfg.LogWriter
	if logW == nil {
		logW = io.Discard
	}
	m := &Manager{
		store:  cfg.Store,
		client: client,
		logW:   logW,
		hooks:  make(map[string]*scp.Webhook),
		timers: make(map[*time.Timer]bool),
	}
	if m.store != nil {
		_ = m.store.View(context.Background(), func(s *store.State) error {
			for id, h := range s.Webhooks {
				cp := *h
				m.hooks[id] = &cp
			}
			return nil
		})
	}
	return m
}

func parseHookURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", false
	}
	return u.String(), true
}

// normalizeEvents validates and dedups the subscription list. A nil list
// subscribes to everything.
func normalizeEvents(events []string) ([]string, bool) {
	if events == nil {
		out := make([]string, len(AllEvents))
		copy(out, AllEvents)
		return out, true
	}
	if len(events) == 0 {
		return nil, false
	}
	allowed := make(map[string]bool, len(AllEvents))
	for _, ev := range AllEvents {
		allowed[ev] = true
	}
	var out []string
	seen := make(map[string]bool)
	for _, ev := range events {
		if !allowed[ev] {
			return nil, false
		}
		if !seen[ev] {
			seen[ev] = true
			out = append(out, ev)
		}
	}
	return out, true
}

// Register adds a hook. A missing channelId subscribes to all channels, a
// missing secret gets a generated one which is returned exactly once.
func (m *Manager) Register(rawURL string, events []string, channelID, secret string) (*scp.Webhook, error) {
	cleanURL, ok := parseHookURL(rawURL)
	if !ok {
		return nil, scp.ErrValidation("invalid webhook url: must be absolute http(s) URL")
	}
	evs, ok := normalizeEvents(events)
	if !ok {
		return nil, scp.ErrValidation("events must be a non-empty subset of the supported event names")
	}
	if channelID == "" {
		channelID = "*"
	}
	if secret == "" {
		secret = randomHex(16)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	active := 0
	for _, h := range m.hooks {
		if h.ChannelID == channelID && h.Status == "active" {
			active++
		}
	}
	if active >= MaxHooksPerChannel {
		return nil, scp.ErrConflict(scp.CodePolicyViolation, "max webhooks reached for this channel")
	}
	hook := &scp.Webhook{
		ID:        "wh_" + randomHex(8),
		URL:       cleanURL,
		Secret:    secret,
		Events:    evs,
		ChannelID: channelID,
		Status:    "active",
		CreatedAt: time.Now().Unix(),
	}
	m.hooks[hook.ID] = hook
	m.persistLocked()
	cp := *hook
	return &cp, nil
}

// Update applies a patch to an existing hook. Setting status back to
// active resets the failure count.
func (m *Manager) Update(id string, patch Patch) (*scp.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hook, ok := m.hooks[id]
	if !ok {
		return nil, scp.ErrNotFound(scp.CodePolicyViolation, "webhook not found")
	}
	if patch.URL != "" {
		cleanURL, ok := parseHookURL(patch.URL)
		if !ok {
			return nil, scp.ErrValidation("invalid webhook url")
		}
		hook.URL = cleanURL
	}
	if patch.Events != nil {
		evs, ok := normalizeEvents(patch.Events)
		if !ok {
			return nil, scp.ErrValidation("invalid webhook events")
		}
		hook.Events = evs
	}
	if patch.Secret != "" {
		hook.Secret = patch.Secret
	}
	if patch.Status == "active" || patch.Status == "paused" {
		hook.Status = patch.Status
		hook.FailCount = 0
	}
	m.persistLocked()
	cp := *hook
	return &cp, nil
}

// Remove deletes a hook. It reports whether the hook existed.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hooks[id]; !ok {
		return false
	}
	delete(m.hooks, id)
	m.persistLocked()
	return true
}

// Get returns a copy of the hook, or nil.
func (m *Manager) Get(id string) *scp.Webhook {
	m.mu.Lock()
	defer m.mu.Unlock()
	hook, ok := m.hooks[id]
	if !ok {
		return nil
	}
	cp := *hook
	return &cp
}

// List returns hooks scoped to a channel, including wildcard hooks. An
// empty channelID returns everything.
func (m *Manager) List(channelID string) []scp.Webhook {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []scp.Webhook
	for _, h := range m.hooks {
		if channelID == "" || h.ChannelID == channelID || h.ChannelID == "*" {
			out = append(out, *h)
		}
	}
	return out
}

// Emit logs an event and starts delivery to every matching active hook.
// Delivery is asynchronous; Emit never blocks on subscriber endpoints.
func (m *Manager) Emit(event string, data map[string]any) *LogEntry {
	m.mu.Lock()
	m.eventSeq++
	entry := &LogEntry{
		Seq:       m.eventSeq,
		Event:     event,
		Timestamp: time.Now().Unix(),
		Data:      data,
	}
	m.eventLog = append(m.eventLog, entry)
	if len(m.eventLog) > eventLogMax {
		m.eventLog = m.eventLog[len(m.eventLog)-eventLogMax:]
	}

	channelID := "*"
	if v, ok := data["channelId"].(string); ok && v != "" {
		channelID = v
	}
	var targets []*scp.Webhook
	for _, hook := range m.hooks {
		if hook.Status != "active" {
			continue
		}
		if !contains(hook.Events, event) {
			continue
		}
		if hook.ChannelID != "*" && hook.ChannelID != channelID {
			continue
		}
		targets = append(targets, hook)
	}
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return entry
	}
	for _, hook := range targets {
		m.wg.Add(1)
		go func(h *scp.Webhook) {
			defer m.wg.Done()
			m.deliver(h, entry, 0)
		}(hook)
	}
	return entry
}

// Poll returns events after the since cursor, optionally filtered to one
// channel. The limit is clamped to 200 and defaults to 50.
func (m *Manager) Poll(since int64, channelID string, limit int) *PollResult {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	res := &PollResult{Since: since, NextCursor: since, Items: []*LogEntry{}}
	for _, e := range m.eventLog {
		if e.Seq <= since {
			continue
		}
		if channelID != "" {
			v, _ := e.Data["channelId"].(string)
			if v != channelID {
				continue
			}
		}
		res.Items = append(res.Items, e)
		if len(res.Items) >= limit {
			break
		}
	}
	res.Count = len(res.Items)
	if res.Count > 0 {
		res.NextCursor = res.Items[res.Count-1].Seq
	}
	return res
}

func (m *Manager) deliver(hook *scp.Webhook, entry *LogEntry, attempt int) {
	payload, err := json.Marshal(map[string]any{
		"event":     entry.Event,
		"timestamp": entry.Timestamp,
		"webhookId": hook.ID,
		"seq":       entry.Seq,
		"data":      entry.Data,
	})
	if err != nil {
		return
	}
	mac := hmac.New(sha256.New, []byte(hook.Secret))
	mac.Write(payload)
	sig := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequest(http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		m.retry(hook, entry, attempt)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-SCP-Signature", "sha256="+sig)
	req.Header.Set("X-SCP-Event", entry.Event)
	req.Header.Set("X-SCP-Delivery-Attempt", fmt.Sprintf("%d", attempt+1))

	resp, err := m.client.Do(req)
	if err != nil {
		m.retry(hook, entry, attempt)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.retry(hook, entry, attempt)
		return
	}

	m.mu.Lock()
	hook.FailCount = 0
	m.mu.Unlock()
}

func (m *Manager) retry(hook *scp.Webhook, entry *LogEntry, attempt int) {
	if attempt >= maxRetries {
		m.mu.Lock()
		hook.FailCount++
		if hook.FailCount >= failThreshold && hook.Status == "active" {
			hook.Status = "failing"
			m.persistLocked()
			fmt.Fprintf(m.logW, "webhooks: hook %s marked failing after %d failed events\n", hook.ID, hook.FailCount)
		}
		m.mu.Unlock()
		return
	}
	delay := retryBase << attempt

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, timer)
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		m.wg.Add(1)
		defer m.wg.Done()
		m.deliver(hook, entry, attempt+1)
	})
	m.timers[timer] = true
	m.mu.Unlock()
}

// Close cancels pending retries and waits for in-flight deliveries.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for t := range m.timers {
		t.Stop()
	}
	m.timers = make(map[*time.Timer]bool)
	m.mu.Unlock()
	m.wg.Wait()
}

// persistLocked writes the hook set through the store. Callers hold mu.
func (m *Manager) persistLocked() {
	if m.store == nil {
		return
	}
	snapshot := make(map[string]*scp.Webhook, len(m.hooks))
	for id, h := range m.hooks {
		cp := *h
		snapshot[id] = &cp
	}
	err := m.store.Tx(context.Background(), func(s *store.State) error {
		s.Webhooks = snapshot
		return nil
	})
	if err != nil {
		fmt.Fprintf(m.logW, "webhooks: persist failed: %v\n", err)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
