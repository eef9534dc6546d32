package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/corates/backend/internal/actor"
	"github.com/corates/backend/internal/crdt"
	"github.com/corates/backend/internal/project"
	"go.uber.org/zap"
)

// SnapshotKey is the single durable key holding a document's latest
// full-state snapshot. Full state is persisted on every mutation so a
// recreated actor always hydrates complete, self-sufficient state; the
// cost grows with document size, which is the accepted price of eviction
// safety.
const SnapshotKey = "snapshot"

const actorKindDocument = "doc"

var (
	errMissingStorage  = errors.New("storage handle is required")
	errMissingRegistry = errors.New("connection registry is required")
	noOpLogger         = zap.NewNop()
)

// ActorError carries an operation.reason code for a failed actor
// operation.
type ActorError struct {
	code string
	err  error
}

func (e *ActorError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ActorError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *ActorError) Code() string {
	return e.code
}

const (
	opManagerNew   = "collab.manager.new"
	opLoad         = "collab.load"
	opConnect      = "collab.connect"
	opAuthenticate = "collab.authenticate"
	opApplyUpdate  = "collab.apply_update"
	opSync         = "collab.sync"
	opProjection   = "collab.projection"
	opImport       = "collab.import"
)

func newActorError(operation, reason string, cause error) error {
	return &ActorError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ManagerConfig describes the dependencies of a document actor manager.
type ManagerConfig struct {
	Storage  actor.Storage
	Registry *ConnRegistry
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Manager hands out the single live actor per document id. Placement is
// per process; keeping one process authoritative per document id is the
// deployment's responsibility.
type Manager struct {
	storage  actor.Storage
	registry *ConnRegistry
	clock    func() time.Time
	logger   *zap.Logger

	mu     sync.Mutex
	actors map[string]*DocumentActor
}

// NewManager validates dependencies and returns a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Storage == nil {
		return nil, newActorError(opManagerNew, "missing_storage", errMissingStorage)
	}
	if cfg.Registry == nil {
		return nil, newActorError(opManagerNew, "missing_registry", errMissingRegistry)
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
		registry: cfg.Registry,
		clock:    clock,
		logger:   logger,
		actors:   make(map[string]*DocumentActor),
	}, nil
}

// Actor returns the live actor for a project id, creating it cold when
// absent.
func (m *Manager) Actor(projectID project.ProjectID) (*DocumentActor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.actors[projectID.String()]; ok {
		return existing, nil
	}
	store, err := m.storage.ForActor(actorKindDocument, projectID.String())
	if err != nil {
		return nil, err
	}
	created := &DocumentActor{
		projectID: projectID,
		store:     store,
		registry:  m.registry,
		clock:     m.clock,
		logger:    m.logger,
	}
	m.actors[projectID.String()] = created
	return created, nil
}

// Evict drops an actor's in-memory state, simulating platform eviction.
// Live sockets survive in the registry; the next touch reloads from the
// persisted snapshot.
func (m *Manager) Evict(projectID project.ProjectID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.actors, projectID.String())
}

// DocumentActor binds one CRDT document to its durable store. All event
// handling is serialized by the actor's own mutex, standing in for the
// single-threaded actor guarantee of the durable-object model; nothing
// outside the actor may touch the document.
type DocumentActor struct {
	projectID project.ProjectID
	store     actor.Store
	registry  *ConnRegistry
	clock     func() time.Time
	logger    *zap.Logger

	mu  sync.Mutex
	doc *crdt.Document
}

// ProjectID returns the document id this actor owns.
func (a *DocumentActor) ProjectID() project.ProjectID {
	return a.projectID
}

// ensureReady hydrates the document from the persisted snapshot on first
// touch. Callers hold a.mu, so the load happens at most once and every
// waiter observes the same document. A storage failure leaves the actor
// cold; the failed request surfaces the error and the next touch retries.
func (a *DocumentActor) ensureReady(ctx context.Context) error {
	if a.doc != nil {
		return nil
	}
	snapshot, err := a.store.Get(ctx, SnapshotKey)
	if err != nil && !errors.Is(err, actor.ErrKeyNotFound) {
		a.logError(opLoad, "snapshot_read_failed", err)
		return newActorError(opLoad, "snapshot_read_failed", err)
	}
	doc, err := crdt.LoadDocument(snapshot)
	if err != nil {
		a.logError(opLoad, "snapshot_decode_failed", err)
		return newActorError(opLoad, "snapshot_decode_failed", err)
	}
	if len(snapshot) == 0 {
		// A fresh document gets its root maps exactly once, here, and the
		// seed is persisted before anyone observes it. Replicas hydrate
		// from this snapshot and therefore share the map objects their
		// entry writes land in.
		if _, err := doc.Transact(func(raw *automerge.Doc) error {
			return project.EnsureShape(raw)
		}); err != nil {
			a.logError(opLoad, "shape_init_failed", err)
			return newActorError(opLoad, "shape_init_failed", err)
		}
		if err := a.store.Put(ctx, SnapshotKey, doc.FullState()); err != nil {
			a.logError(opLoad, "snapshot_write_failed", err)
			return newActorError(opLoad, "snapshot_write_failed", err)
		}
	}
	a.doc = doc
	a.logger.Info("document loaded",
		zap.String("project_id", a.projectID.String()),
		zap.Int("snapshot_bytes", len(snapshot)))
	return nil
}

// persist writes the complete current state to the snapshot key. In-memory
// state is never rolled back on failure; the actor runs ahead of durable
// storage until the next successful persist, a bounded and deliberate
// divergence window.
func (a *DocumentActor) persist(ctx context.Context, operation string) error {
	if err := a.store.Put(ctx, SnapshotKey, a.doc.FullState()); err != nil {
		a.logError(operation, "snapshot_write_failed", err)
		return newActorError(operation, "snapshot_write_failed", err)
	}
	return nil
}

// Projection returns the hierarchical read model, hydrating the actor if
// needed. It serves plain HTTP reads and never consults the connection
// set.
func (a *DocumentActor) Projection(ctx context.Context) (project.Tree, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureReady(ctx); err != nil {
		return project.Tree{}, err
	}
	tree, err := project.Project(a.doc.Doc(), a.projectID)
	if err != nil {
		a.logError(opProjection, "projection_failed", err)
		return project.Tree{}, newActorError(opProjection, "projection_failed", err)
	}
	return tree, nil
}

// Export wraps the projection in the diagnostic envelope.
func (a *DocumentActor) Export(ctx context.Context) (project.Export, error) {
	tree, err := a.Projection(ctx)
	if err != nil {
		return project.Export{}, err
	}
	return project.NewExport(tree, a.clock().UTC().Unix()), nil
}

// Import merges an exported tree into the live document and broadcasts the
// resulting update like any other write.
func (a *DocumentActor) Import(ctx context.Context, tree project.Tree) error {
	return a.mutate(ctx, opImport, nil, func(doc *crdt.Document) ([]byte, error) {
		return doc.Transact(func(raw *automerge.Doc) error {
			return project.Import(raw, tree)
		})
	})
}

// Connect registers a live connection, sends it the full current state as
// the opening sync message, and announces the join to every other
// connection. Anonymous connections are admitted read-only; they receive
// the sync tail and may authenticate in-band later.
func (a *DocumentActor) Connect(ctx context.Context, conn *Connection) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureReady(ctx); err != nil {
		return err
	}
	a.registry.Register(a.projectID.String(), conn)
	if err := conn.sender.Send(syncEvent(a.doc.FullState())); err != nil {
		a.logError(opConnect, "sync_send_failed", err,
			zap.String("connection_id", conn.ConnectionID()))
		a.registry.Unregister(a.projectID.String(), conn.ConnectionID())
		return newActorError(opConnect, "sync_send_failed", err)
	}
	if conn.identity != nil {
		a.broadcast(presenceEvent(EventUserJoined, *conn.identity), conn.ConnectionID())
	}
	return nil
}

// Authenticate upgrades an anonymous connection in place and announces the
// join. Re-authentication replaces the identity without a second join
// event.
func (a *DocumentActor) Authenticate(conn *Connection, identity UserIdentity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	wasAnonymous := conn.identity == nil
	conn.identity = &identity
	_ = conn.sender.Send(authResultEvent(true, &identity))
	if wasAnonymous {
		a.broadcast(presenceEvent(EventUserJoined, identity), conn.ConnectionID())
	}
}

// RejectAuth reports a failed in-band authentication to the connection.
func (a *DocumentActor) RejectAuth(conn *Connection) {
	_ = conn.sender.Send(authResultEvent(false, nil))
}

// HandleUpdate applies one incremental client edit: merge, persist the
// full state, then rebroadcast the raw update bytes with the sender's
// public identity to every other connection. Unauthenticated senders get
// an error event and no mutation.
func (a *DocumentActor) HandleUpdate(ctx context.Context, conn *Connection, update []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !conn.Authenticated() {
		_ = conn.sender.Send(errorEvent("authentication required before sending updates"))
		return newActorError(opApplyUpdate, "unauthenticated", nil)
	}
	if err := a.ensureReady(ctx); err != nil {
		return err
	}
	if err := a.doc.ApplyUpdate(update); err != nil {
		// Malformed updates are a per-connection problem, not an actor
		// problem.
		_ = conn.sender.Send(errorEvent("invalid update payload"))
		a.logError(opApplyUpdate, "decode_failed", err,
			zap.String("connection_id", conn.ConnectionID()))
		return newActorError(opApplyUpdate, "decode_failed", err)
	}
	if err := a.persist(ctx, opApplyUpdate); err != nil {
		_ = conn.sender.Send(errorEvent("failed to persist update"))
		return err
	}
	a.broadcast(updateEvent(update, conn.identity), conn.ConnectionID())
	return nil
}

// Disconnect removes a connection and announces the departure when the
// connection had an identity. Safe to call for connections the registry no
// longer knows.
func (a *DocumentActor) Disconnect(conn *Connection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.registry.Unregister(a.projectID.String(), conn.ConnectionID())
	if conn.identity != nil {
		a.broadcast(presenceEvent(EventUserLeft, *conn.identity), conn.ConnectionID())
	}
}

// HandleSync answers a client sync request. A client that reports its
// state vector gets a targeted sync event carrying exactly the changes it
// is missing, an empty one when it is already current, or the full
// snapshot when it reports no vector at all.
func (a *DocumentActor) HandleSync(ctx context.Context, conn *Connection, peerStateVector []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureReady(ctx); err != nil {
		return err
	}
	if len(peerStateVector) == 0 {
		return a.sendSync(conn, a.doc.FullState())
	}
	diff, err := a.doc.Diff(peerStateVector)
	if err != nil {
		_ = conn.sender.Send(errorEvent("invalid state vector"))
		a.logError(opSync, "vector_decode_failed", err,
			zap.String("connection_id", conn.ConnectionID()))
		return newActorError(opSync, "vector_decode_failed", err)
	}
	return a.sendSync(conn, diff)
}

func (a *DocumentActor) sendSync(conn *Connection, update []byte) error {
	if err := conn.sender.Send(syncEvent(update)); err != nil {
		a.logError(opSync, "sync_send_failed", err,
			zap.String("connection_id", conn.ConnectionID()))
		return newActorError(opSync, "sync_send_failed", err)
	}
	return nil
}

// mutate runs a gateway-style mutation: ensure ready, produce an update
// inside a transaction, persist the full state, then broadcast with the
// supplied identity (nil for server-originated writes). A mutation that
// changes nothing persists nothing and broadcasts nothing.
func (a *DocumentActor) mutate(ctx context.Context, operation string, origin *UserIdentity, fn func(doc *crdt.Document) ([]byte, error)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureReady(ctx); err != nil {
		return err
	}
	update, err := fn(a.doc)
	if err != nil {
		a.logError(operation, "transact_failed", err)
		return newActorError(operation, "transact_failed", err)
	}
	if len(update) == 0 {
		return nil
	}
	if err := a.persist(ctx, operation); err != nil {
		return err
	}
	a.broadcast(updateEvent(update, origin), "")
	return nil
}

// broadcast fans an event out to every live connection except the one that
// caused it. Send failures are logged and otherwise ignored; transport
// close detection reaps dead connections.
func (a *DocumentActor) broadcast(event Event, excludeConnectionID string) {
	for _, conn := range a.registry.Snapshot(a.projectID.String()) {
		if conn.ConnectionID() == excludeConnectionID {
			continue
		}
		if err := conn.sender.Send(event); err != nil {
			a.logger.Warn("broadcast send failed",
				zap.String("project_id", a.projectID.String()),
				zap.String("connection_id", conn.ConnectionID()),
				zap.Error(err))
		}
	}
}

func (a *DocumentActor) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("project_id", a.projectID.String()),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	a.logger.Error("document actor error", attrs...)
}
