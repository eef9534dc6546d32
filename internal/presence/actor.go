// Package presence implements the per-user session actor: it fans JSON
// notifications out to a user's live connections and durably queues them
// while the user is offline. It shares the actor + websocket + durable
// storage shape of the document actor, applied to ephemeral, non-CRDT
// state.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/corates/backend/internal/actor"
	"go.uber.org/zap"
)

const (
	// PendingQueueCap bounds the durable queue of undelivered
	// notifications; the oldest entries are dropped on overflow.
	PendingQueueCap = 50

	actorKindPresence = "presence"

	pendingQueueKey    = "pending"
	lastActiveKey      = "last_active_s"
	alarmKey           = "alarm_s"
	timestampFieldName = "timestamp"

	// inactivityWindow is how long session-adjacent records survive
	// without a touch before the cleanup alarm expires them.
	inactivityWindow = 30 * 24 * time.Hour
)

var (
	errMissingStorage  = errors.New("storage handle is required")
	errMissingAlarms   = errors.New("alarm scheduler is required")
	errMissingRegistry = errors.New("connection registry is required")
	noOpLogger         = zap.NewNop()
)

const (
	opManagerNew = "presence.manager.new"
	opNotify     = "presence.notify"
	opConnect    = "presence.connect"
	opExpire     = "presence.expire"
)

// Notification is one application event delivered to a user. The "type"
// key names the event; remaining keys are application data. A missing
// timestamp is stamped before the event is stored or sent.
type Notification map[string]any

// Sender delivers raw JSON payloads to one client transport.
type Sender interface {
	Send(payload []byte) error
	Close() error
}

// Connection is one live attachment to a user's presence actor.
type Connection struct {
	connectionID string
	sender       Sender
}

// NewConnection wraps a transport sender.
func NewConnection(connectionID string, sender Sender) *Connection {
	return &Connection{connectionID: connectionID, sender: sender}
}

// ConnectionID returns the transport-assigned connection identifier.
func (c *Connection) ConnectionID() string {
	return c.connectionID
}

// ManagerConfig describes the dependencies of a presence actor manager.
type ManagerConfig struct {
	Storage  actor.Storage
	Alarms   *actor.AlarmScheduler
	Registry *ConnRegistry
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Manager hands out the single live presence actor per user id.
type Manager struct {
	storage  actor.Storage
	alarms   *actor.AlarmScheduler
	registry *ConnRegistry
	clock    func() time.Time
	logger   *zap.Logger

	mu     sync.Mutex
	actors map[string]*UserActor
}

// NewManager validates dependencies and returns a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("%s.missing_storage: %w", opManagerNew, errMissingStorage)
	}
	if cfg.Alarms == nil {
		return nil, fmt.Errorf("%s.missing_alarms: %w", opManagerNew, errMissingAlarms)
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("%s.missing_registry: %w", opManagerNew, errMissingRegistry)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Manager{
		storage:  cfg.Storage,
		alarms:   cfg.Alarms,
		registry: cfg.Registry,
		clock:    clock,
		logger:   logger,
		actors:   make(map[string]*UserActor),
	}, nil
}

// Actor returns the live presence actor for a user id, creating it cold
// when absent and re-arming its persisted cleanup alarm.
func (m *Manager) Actor(userID string) (*UserActor, error) {
	if userID == "" {
		return nil, errors.New("presence: user id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.actors[userID]; ok {
		return existing, nil
	}
	store, err := m.storage.ForActor(actorKindPresence, userID)
	if err != nil {
		return nil, err
	}
	created := &UserActor{
		userID:   userID,
		store:    store,
		alarms:   m.alarms,
		registry: m.registry,
		clock:    m.clock,
		logger:   m.logger,
	}
	created.rearmAlarm(context.Background())
	m.actors[userID] = created
	return created, nil
}

// Evict drops an actor's in-memory state, simulating platform eviction.
func (m *Manager) Evict(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.actors, userID)
}

// UserActor owns one user's durable pending queue and delivery. Events are
// serialized by the actor's mutex. Live connections belong to the
// transport-level registry, which outlives actor eviction; the actor
// re-derives the set on every delivery rather than caching it.
type UserActor struct {
	userID   string
	store    actor.Store
	alarms   *actor.AlarmScheduler
	registry *ConnRegistry
	clock    func() time.Time
	logger   *zap.Logger

	mu sync.Mutex
}

// UserID returns the user this actor serves.
func (a *UserActor) UserID() string {
	return a.userID
}

// Notify delivers the event to every live connection, or queues it
// durably when the user is offline. It reports whether the event was
// delivered live.
func (a *UserActor) Notify(ctx context.Context, event Notification) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if event == nil {
		event = Notification{}
	}
	if _, ok := event[timestampFieldName]; !ok {
		event[timestampFieldName] = a.clock().UTC().Unix()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		a.logError(opNotify, "encode_failed", err)
		return false, fmt.Errorf("presence: encoding notification: %w", err)
	}

	a.touch(ctx)

	if live := a.registry.Snapshot(a.userID); len(live) > 0 {
		for _, conn := range live {
			if err := conn.sender.Send(payload); err != nil {
				a.logger.Warn("presence send failed",
					zap.String("user_id", a.userID),
					zap.String("connection_id", conn.ConnectionID()),
					zap.Error(err))
			}
		}
		return true, nil
	}

	queue, err := a.loadQueue(ctx)
	if err != nil {
		a.logError(opNotify, "queue_read_failed", err)
		return false, err
	}
	queue = append(queue, json.RawMessage(payload))
	if len(queue) > PendingQueueCap {
		queue = queue[len(queue)-PendingQueueCap:]
	}
	if err := a.saveQueue(ctx, queue); err != nil {
		a.logError(opNotify, "queue_write_failed", err)
		return false, err
	}
	return false, nil
}

// Connect registers a live connection and flushes the entire pending
// queue to it in stored order, then clears the queue. Identity matching
// against the path user id happened at the transport boundary.
func (a *UserActor) Connect(ctx context.Context, conn *Connection) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.registry.Register(a.userID, conn)
	a.touch(ctx)

	queue, err := a.loadQueue(ctx)
	if err != nil {
		a.logError(opConnect, "queue_read_failed", err)
		return err
	}
	if len(queue) == 0 {
		return nil
	}
	for _, pending := range queue {
		if err := conn.sender.Send(pending); err != nil {
			a.logError(opConnect, "flush_send_failed", err,
				zap.String("connection_id", conn.ConnectionID()))
			return err
		}
	}
	if err := a.store.Delete(ctx, pendingQueueKey); err != nil {
		a.logError(opConnect, "queue_clear_failed", err)
		return err
	}
	return nil
}

// Disconnect removes a connection; unknown connections are ignored.
func (a *UserActor) Disconnect(ctx context.Context, conn *Connection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.registry.Unregister(a.userID, conn.ConnectionID())
	a.touch(ctx)
}

// ConnectionCount reports the number of live connections.
func (a *UserActor) ConnectionCount() int {
	return a.registry.Count(a.userID)
}

// touch records activity and pushes the cleanup alarm out by the
// inactivity window. At most one alarm is ever pending.
func (a *UserActor) touch(ctx context.Context) {
	now := a.clock().UTC()
	expiry := now.Add(inactivityWindow)
	if err := a.store.Put(ctx, lastActiveKey, []byte(fmt.Sprintf("%d", now.Unix()))); err != nil {
		a.logError(opNotify, "last_active_write_failed", err)
	}
	if err := a.store.Put(ctx, alarmKey, []byte(fmt.Sprintf("%d", expiry.Unix()))); err != nil {
		a.logError(opNotify, "alarm_write_failed", err)
	}
	if err := a.alarms.Set(actorKindPresence, a.userID, expiry, a.expire); err != nil {
		a.logError(opNotify, "alarm_schedule_failed", err)
	}
}

// rearmAlarm restores the cleanup alarm from its persisted timestamp
// after an actor restart.
func (a *UserActor) rearmAlarm(ctx context.Context) {
	raw, err := a.store.Get(ctx, alarmKey)
	if errors.Is(err, actor.ErrKeyNotFound) {
		return
	}
	if err != nil {
		a.logError(opExpire, "alarm_read_failed", err)
		return
	}
	var at int64
	if _, err := fmt.Sscanf(string(raw), "%d", &at); err != nil {
		a.logError(opExpire, "alarm_decode_failed", err)
		return
	}
	if err := a.alarms.Set(actorKindPresence, a.userID, time.Unix(at, 0), a.expire); err != nil {
		a.logError(opExpire, "alarm_schedule_failed", err)
	}
}

// expire runs on the cleanup alarm: when the user has been inactive for
// the whole window and has no live connection, the session-adjacent
// records are deleted. A touch during the window re-scheduled the alarm,
// so firing with recent activity just re-arms.
func (a *UserActor) expire() {
	a.mu.Lock()
	defer a.mu.Unlock()
	ctx := context.Background()

	if a.registry.Count(a.userID) > 0 {
		a.touch(ctx)
		return
	}
	raw, err := a.store.Get(ctx, lastActiveKey)
	if err == nil {
		var last int64
		if _, scanErr := fmt.Sscanf(string(raw), "%d", &last); scanErr == nil {
			if a.clock().UTC().Sub(time.Unix(last, 0)) < inactivityWindow {
				a.touch(ctx)
				return
			}
		}
	}
	for _, key := range []string{pendingQueueKey, lastActiveKey, alarmKey} {
		if err := a.store.Delete(ctx, key); err != nil {
			a.logError(opExpire, "cleanup_failed", err, zap.String("key", key))
		}
	}
	a.logger.Info("presence records expired", zap.String("user_id", a.userID))
}

func (a *UserActor) loadQueue(ctx context.Context) ([]json.RawMessage, error) {
	raw, err := a.store.Get(ctx, pendingQueueKey)
	if errors.Is(err, actor.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var queue []json.RawMessage
	if err := json.Unmarshal(raw, &queue); err != nil {
		return nil, fmt.Errorf("presence: decoding pending queue: %w", err)
	}
	return queue, nil
}

func (a *UserActor) saveQueue(ctx context.Context, queue []json.RawMessage) error {
	raw, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("presence: encoding pending queue: %w", err)
	}
	return a.store.Put(ctx, pendingQueueKey, raw)
}

func (a *UserActor) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("user_id", a.userID),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	a.logger.Error("presence actor error", attrs...)
}
