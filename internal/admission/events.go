// Package admission provides outbound event plumbing.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event kinds emitted by the engine. Notification events are fire and
// forget; delivery guarantees belong to the downstream collaborator.
const (
	EventQuotaWarning  = "quota_warning"
	EventQuotaExceeded = "quota_exceeded"
	EventBurstDetected = "burst_detected"
	EventBurstReverted = "burst_reverted"
	EventOverageCharge = "overage_charge"
)

// Event describes one outbound notification or billing record.
type Event struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Principal string    `json:"principal,omitempty"`
	Tier      string    `json:"tier,omitempty"`
	Scope     string    `json:"scope,omitempty"`
	Severity  string    `json:"severity,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
	Usage     int64     `json:"usage,omitempty"`
	Limit     int64     `json:"limit,omitempty"`
	Cost      int64     `json:"cost,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MarshalEvent serializes an event.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent deserializes an event.
func UnmarshalEvent(b []byte) (Event, error) {
	var event Event
	err := json.Unmarshal(b, &event)
	return event, err
}

// OutboxRow is one pending outbox record.
type OutboxRow struct {
	ID   string
	Data []byte
}

// Outbox stores events pending delivery.
type Outbox interface {
	Insert(ctx context.Context, data []byte) (string, error)
	FetchPending(ctx context.Context, limit int) ([]OutboxRow, error)
	MarkSent(ctx context.Context, id string) error
}

// PubSub delivers published payloads to channel subscribers.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler func(context.Context, []byte)) error
}

// Channels events are published on. Billing records and notifications go
// to separate collaborators.
const (
	ChannelNotifications = "admission_notifications"
	ChannelBilling       = "admission_billing"
)

// EventRecorder writes events into the outbox. Recording never blocks the
// decision path on delivery; a failed insert is logged and dropped.
type EventRecorder struct {
	outbox Outbox
	logger *zap.Logger
	now    func() time.Time
}

// NewEventRecorder constructs an EventRecorder.
func NewEventRecorder(outbox Outbox, logger *zap.Logger) *EventRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventRecorder{outbox: outbox, logger: logger, now: time.Now}
}

// Record assigns identity to the event and enqueues it.
func (r *EventRecorder) Record(ctx context.Context, event Event) {
	if r == nil || r.outbox == nil {
		return
	}
	event.ID = uuid.NewString()
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}
	data, err := MarshalEvent(event)
	if err != nil {
		r.logger.Error("failed to marshal event", zap.String("kind", event.Kind), zap.Error(err))
		return
	}
	if _, err := r.outbox.Insert(ctx, data); err != nil {
		r.logger.Error("failed to enqueue event", zap.String("kind", event.Kind), zap.Error(err))
	}
}

// EventDispatcher reads from the outbox and publishes to pubsub, routing
// billing records and notifications to their own channels.
type EventDispatcher struct {
	outbox   Outbox
	pubsub   PubSub
	interval time.Duration
	logger   *zap.Logger
}

// NewEventDispatcher constructs an EventDispatcher.
func NewEventDispatcher(outbox Outbox, pubsub PubSub, interval time.Duration, logger *zap.Logger) *EventDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventDispatcher{outbox: outbox, pubsub: pubsub, interval: interval, logger: logger}
}

// Start begins the dispatch loop.
func (d *EventDispatcher) Start(ctx context.Context) error {
	if d == nil || d.outbox == nil || d.pubsub == nil {
		return errors.New("event dispatcher is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	interval := d.interval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.drainOnce(ctx)
		}
	}
}

func (d *EventDispatcher) drainOnce(ctx context.Context) {
	rows, err := d.outbox.FetchPending(ctx, 100)
	if err != nil {
		return
	}
	for _, row := range rows {
		event, err := UnmarshalEvent(row.Data)
		if err != nil {
			d.logger.Error("dropping malformed outbox row", zap.String("id", row.ID), zap.Error(err))
			_ = d.outbox.MarkSent(ctx, row.ID)
			continue
		}
		channel := ChannelNotifications
		if event.Kind == EventOverageCharge {
			channel = ChannelBilling
		}
		if err := d.pubsub.Publish(ctx, channel, row.Data); err != nil {
			continue
		}
		_ = d.outbox.MarkSent(ctx, row.ID)
	}
}

// InMemoryOutbox stores outbox rows in memory.
type InMemoryOutbox struct {
	mu      sync.Mutex
	entries []outboxEntry
	counter int64
}

type outboxEntry struct {
	row  OutboxRow
	sent bool
}

// NewInMemoryOutbox constructs an in-memory outbox.
func NewInMemoryOutbox() *InMemoryOutbox {
	return &InMemoryOutbox{}
}

// Insert appends an outbox row.
func (o *InMemoryOutbox) Insert(ctx context.Context, data []byte) (string, error) {
	if o == nil {
		return "", errors.New("outbox is nil")
	}
	rowData := make([]byte, len(data))
	copy(rowData, data)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.counter++
	id := fmt.Sprintf("%d", o.counter)
	o.entries = append(o.entries, outboxEntry{row: OutboxRow{ID: id, Data: rowData}})
	return id, nil
}

// FetchPending returns oldest pending rows.
func (o *InMemoryOutbox) FetchPending(ctx context.Context, limit int) ([]OutboxRow, error) {
	if o == nil {
		return nil, errors.New("outbox is nil")
	}
	if limit <= 0 {
		return []OutboxRow{}, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	rows := make([]OutboxRow, 0, limit)
	for _, entry := range o.entries {
		if entry.sent {
			continue
		}
		rows = append(rows, entry.row)
		if len(rows) >= limit {
			break
		}
	}
	return rows, nil
}

// MarkSent marks a row as sent.
func (o *InMemoryOutbox) MarkSent(ctx context.Context, id string) error {
	if o == nil {
		return errors.New("outbox is nil")
	}
	if id == "" {
		return errors.New("id is required")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.entries {
		if o.entries[i].row.ID == id {
			o.entries[i].sent = true
			return nil
		}
	}
	return errors.New("outbox row not found")
}

// InMemoryPubSub delivers messages to in-process subscribers.
type InMemoryPubSub struct {
	mu   sync.Mutex
	subs map[string]map[int]*pubSubSubscription
	next int
}

type pubSubSubscription struct {
	ctx     context.Context
	handler func(context.Context, []byte)
}

// NewInMemoryPubSub constructs an in-memory pubsub.
func NewInMemoryPubSub() *InMemoryPubSub {
	return &InMemoryPubSub{subs: make(map[string]map[int]*pubSubSubscription)}
}

// Subscribe registers a handler for a channel.
func (ps *InMemoryPubSub) Subscribe(ctx context.Context, channel string, handler func(context.Context, []byte)) error {
	if ps == nil {
		return errors.New("pubsub is nil")
	}
	if channel == "" {
		return errors.New("channel is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ps.mu.Lock()
	if ps.subs == nil {
		ps.subs = make(map[string]map[int]*pubSubSubscription)
	}
	ps.next++
	id := ps.next
	if ps.subs[channel] == nil {
		ps.subs[channel] = make(map[int]*pubSubSubscription)
	}
	ps.subs[channel][id] = &pubSubSubscription{ctx: ctx, handler: handler}
	ps.mu.Unlock()

	go func() {
		<-ctx.Done()
		ps.remove(channel, id)
	}()

	return nil
}

// Publish delivers payloads to current subscribers.
func (ps *InMemoryPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if ps == nil {
		return errors.New("pubsub is nil")
	}
	if channel == "" {
		return errors.New("channel is required")
	}

	ps.mu.Lock()
	subs := ps.subs[channel]
	copySubs := make([]*pubSubSubscription, 0, len(subs))
	for _, sub := range subs {
		copySubs = append(copySubs, sub)
	}
	ps.mu.Unlock()

	for _, sub := range copySubs {
		if sub == nil {
			continue
		}
		if sub.ctx != nil && sub.ctx.Err() != nil {
			continue
		}
		data := make([]byte, len(payload))
		copy(data, payload)
		go sub.handler(sub.ctx, data)
	}

	return nil
}

func (ps *InMemoryPubSub) remove(channel string, id int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.subs == nil {
		return
	}
	subs := ps.subs[channel]
	if subs == nil {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(ps.subs, channel)
	}
}
