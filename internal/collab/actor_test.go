package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/corates/backend/internal/actor"
	"github.com/corates/backend/internal/crdt"
	"github.com/corates/backend/internal/project"
)

// fakeSender records every event delivered to one connection.
type fakeSender struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (s *fakeSender) Send(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("send failed")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *fakeSender) Close() error { return nil }

func (s *fakeSender) recorded() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *fakeSender) eventsOfType(eventType string) []Event {
	var matched []Event
	for _, event := range s.recorded() {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	storage, err := actor.OpenBadger(actor.InMemoryBadgerConfig())
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	manager, err := NewManager(ManagerConfig{
		Storage:  storage,
		Registry: NewConnRegistry(),
		Clock:    time.Now,
	})
	if err != nil {
		t.Fatalf("failed to build manager: %v", err)
	}
	return manager
}

func testProjectID(t *testing.T, raw string) project.ProjectID {
	t.Helper()
	id, err := project.NewProjectID(raw)
	if err != nil {
		t.Fatalf("invalid project id: %v", err)
	}
	return id
}

func testActor(t *testing.T, manager *Manager, raw string) *DocumentActor {
	t.Helper()
	documentActor, err := manager.Actor(testProjectID(t, raw))
	if err != nil {
		t.Fatalf("failed to acquire actor: %v", err)
	}
	return documentActor
}

func identified(id string) *UserIdentity {
	return &UserIdentity{ID: id, Username: id, DisplayName: id}
}

// clientUpdate produces a valid incremental update a client replica would
// send after editing the given meta field.
func clientUpdate(t *testing.T, seed []byte, key, value string) []byte {
	t.Helper()
	replica, err := crdt.LoadDocument(seed)
	if err != nil {
		t.Fatalf("failed to load replica: %v", err)
	}
	update, err := replica.Transact(func(doc *automerge.Doc) error {
		return doc.Path("meta", key).Set(value)
	})
	if err != nil {
		t.Fatalf("client transact failed: %v", err)
	}
	return update
}

func TestConnectSendsFullStateSync(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	documentActor := testActor(t, manager, "project-1")

	if err := documentActor.SyncMetadata(ctx, MetadataSyncRequest{Meta: map[string]any{"name": "Review"}}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	sender := &fakeSender{}
	conn := NewConnection("conn-1", sender, identified("user-1"))
	if err := documentActor.Connect(ctx, conn); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	syncs := sender.eventsOfType(EventSync)
	if len(syncs) != 1 {
		t.Fatalf("expected one sync event, got %d", len(syncs))
	}
	replica, err := crdt.LoadDocument(syncs[0].Update)
	if err != nil {
		t.Fatalf("sync payload did not load: %v", err)
	}
	tree, err := project.Project(replica.Doc(), testProjectID(t, "project-1"))
	if err != nil {
		t.Fatalf("projection of sync payload failed: %v", err)
	}
	if tree.Meta["name"] != "Review" {
		t.Fatalf("sync payload missing seeded state: %#v", tree.Meta)
	}
}

func TestLateJoinerSeesEveryPriorUpdate(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	documentActor := testActor(t, manager, "project-1")

	// First member edits before the second member ever connects.
	firstSender := &fakeSender{}
	firstConn := NewConnection("conn-1", firstSender, identified("user-1"))
	if err := documentActor.Connect(ctx, firstConn); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	seed := firstSender.eventsOfType(EventSync)[0].Update

	update := clientUpdate(t, seed, "name", "Edited Before Join")
	if err := documentActor.HandleUpdate(ctx, firstConn, update); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	lateSender := &fakeSender{}
	lateConn := NewConnection("conn-2", lateSender, identified("user-2"))
	if err := documentActor.Connect(ctx, lateConn); err != nil {
		t.Fatalf("late connect failed: %v", err)
	}

	replica, err := crdt.LoadDocument(lateSender.eventsOfType(EventSync)[0].Update)
	if err != nil {
		t.Fatalf("sync payload did not load: %v", err)
	}
	tree, err := project.Project(replica.Doc(), testProjectID(t, "project-1"))
	if err != nil {
		t.Fatalf("projection failed: %v", err)
	}
	if tree.Meta["name"] != "Edited Before Join" {
		t.Fatalf("late joiner missing prior update: %#v", tree.Meta)
	}
}

func TestUpdateBroadcastExcludesSender(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	documentActor := testActor(t, manager, "project-1")

	senderA := &fakeSender{}
	connA := NewConnection("conn-a", senderA, identified("user-a"))
	senderB := &fakeSender{}
	connB := NewConnection("conn-b", senderB, identified("user-b"))

	if err := documentActor.Connect(ctx, connA); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := documentActor.Connect(ctx, connB); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	seed := senderA.eventsOfType(EventSync)[0].Update
	update := clientUpdate(t, seed, "name", "Edit")
	if err := documentActor.HandleUpdate(ctx, connA, update); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if got := senderA.eventsOfType(EventUpdate); len(got) != 0 {
		t.Fatalf("sender received its own update: %#v", got)
	}
	received := senderB.eventsOfType(EventUpdate)
	if len(received) != 1 {
		t.Fatalf("expected one rebroadcast, got %d", len(received))
	}
	if received[0].User == nil || received[0].User.ID != "user-a" {
		t.Fatalf("rebroadcast missing origin identity: %#v", received[0].User)
	}
}

func TestUnauthenticatedUpdateIsRejected(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	documentActor := testActor(t, manager, "project-1")

	sender := &fakeSender{}
	conn := NewConnection("conn-1", sender, nil)
	if err := documentActor.Connect(ctx, conn); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	err := documentActor.HandleUpdate(ctx, conn, []byte{0x01})
	if err == nil {
		t.Fatalf("expected rejection for anonymous update")
	}
	var actorErr *ActorError
	if !errors.As(err, &actorErr) || actorErr.Code() != "collab.apply_update.unauthenticated" {
		t.Fatalf("unexpected error %v", err)
	}
	if len(sender.eventsOfType(EventError)) != 1 {
		t.Fatalf("expected an error event on the offending connection")
	}
}

func TestMalformedUpdateOnlyHurtsSender(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	documentActor := testActor(t, manager, "project-1")

	sender := &fakeSender{}
	conn := NewConnection("conn-1", sender, identified("user-1"))
	other := &fakeSender{}
	otherConn := NewConnection("conn-2", other, identified("user-2"))
	if err := documentActor.Connect(ctx, conn); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := documentActor.Connect(ctx, otherConn); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if err := documentActor.HandleUpdate(ctx, conn, []byte("garbage")); err == nil {
		t.Fatalf("expected malformed update to fail")
	}
	if len(sender.eventsOfType(EventError)) != 1 {
		t.Fatalf("expected error event on sender")
	}
	if len(other.eventsOfType(EventUpdate)) != 0 {
		t.Fatalf("malformed update must not be rebroadcast")
	}
}

func TestInBandAuthUpgradesAndAnnouncesOnce(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	documentActor := testActor(t, manager, "project-1")

	watcher := &fakeSender{}
	watcherConn := NewConnection("conn-w", watcher, identified("user-w"))
	if err := documentActor.Connect(ctx, watcherConn); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	anonSender := &fakeSender{}
	anonConn := NewConnection("conn-a", anonSender, nil)
	if err := documentActor.Connect(ctx, anonConn); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if len(watcher.eventsOfType(EventUserJoined)) != 0 {
		t.Fatalf("anonymous connect must not announce a join")
	}

	identity := UserIdentity{ID: "user-a", Username: "ada", DisplayName: "Ada"}
	documentActor.Authenticate(anonConn, identity)

	auths := anonSender.eventsOfType(EventAuth)
	if len(auths) != 1 || auths[0].Success == nil || !*auths[0].Success {
		t.Fatalf("expected auth success event, got %#v", auths)
	}
	joins := watcher.eventsOfType(EventUserJoined)
	if len(joins) != 1 || joins[0].User.ID != "user-a" {
		t.Fatalf("expected one join announcement, got %#v", joins)
	}

	// Re-authentication replaces identity without a second join.
	documentActor.Authenticate(anonConn, identity)
	if len(watcher.eventsOfType(EventUserJoined)) != 1 {
		t.Fatalf("re-auth must not announce again")
	}

	documentActor.Disconnect(anonConn)
	leaves := watcher.eventsOfType(EventUserLeft)
	if len(leaves) != 1 || leaves[0].User.ID != "user-a" {
		t.Fatalf("expected departure announcement, got %#v", leaves)
	}
}

// attachOnReplica simulates a client replica attaching a PDF to a study id
// it has never seen, returning the update it would send.
func attachOnReplica(t *testing.T, replica *crdt.Document, studyID, fileName string) []byte {
	t.Helper()
	id, err := project.NewStudyID(studyID)
	if err != nil {
		t.Fatalf("invalid study id: %v", err)
	}
	name, err := project.NewFileName(fileName)
	if err != nil {
		t.Fatalf("invalid file name: %v", err)
	}
	update, err := replica.Transact(func(doc *automerge.Doc) error {
		return project.AttachPDF(doc, id, project.Attachment{
			Key:      "k/" + fileName,
			FileName: name,
		}, "", 100)
	})
	if err != nil {
		t.Fatalf("replica attach failed: %v", err)
	}
	return update
}

func TestRacingAttachmentsConvergeOnOneStudy(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	documentActor := testActor(t, manager, "project-1")

	// Two replicas hydrate from the same snapshot and each attach a PDF
	// to a study id neither has seen.
	senderA, senderB := &fakeSender{}, &fakeSender{}
	connA := NewConnection("conn-a", senderA, identified("user-a"))
	connB := NewConnection("conn-b", senderB, identified("user-b"))
	if err := documentActor.Connect(ctx, connA); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := documentActor.Connect(ctx, connB); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	replicaA, err := crdt.LoadDocument(senderA.eventsOfType(EventSync)[0].Update)
	if err != nil {
		t.Fatalf("failed to hydrate replica: %v", err)
	}
	replicaB, err := crdt.LoadDocument(senderB.eventsOfType(EventSync)[0].Update)
	if err != nil {
		t.Fatalf("failed to hydrate replica: %v", err)
	}

	updateA := attachOnReplica(t, replicaA, "study-1", "a.pdf")
	updateB := attachOnReplica(t, replicaB, "study-1", "b.pdf")

	// Bidirectional exchange between the replicas themselves.
	if err := replicaA.ApplyUpdate(updateB); err != nil {
		t.Fatalf("replica A failed to merge: %v", err)
	}
	if err := replicaB.ApplyUpdate(updateA); err != nil {
		t.Fatalf("replica B failed to merge: %v", err)
	}
	for _, replica := range []*crdt.Document{replicaA, replicaB} {
		tree, err := project.Project(replica.Doc(), testProjectID(t, "project-1"))
		if err != nil {
			t.Fatalf("projection failed: %v", err)
		}
		if len(tree.Studies) != 1 {
			t.Fatalf("expected a single study, got %#v", tree.Studies)
		}
		if tree.Studies[0].Name != project.PlaceholderStudyName {
			t.Fatalf("expected placeholder study, got %q", tree.Studies[0].Name)
		}
		if len(tree.Studies[0].PDFs) != 2 {
			t.Fatalf("expected both attachments, got %#v", tree.Studies[0].PDFs)
		}
	}

	// The server replica sees the same single study through the normal
	// update path.
	if err := documentActor.HandleUpdate(ctx, connA, updateA); err != nil {
		t.Fatalf("server rejected update A: %v", err)
	}
	if err := documentActor.HandleUpdate(ctx, connB, updateB); err != nil {
		t.Fatalf("server rejected update B: %v", err)
	}
	tree, err := documentActor.Projection(ctx)
	if err != nil {
		t.Fatalf("projection failed: %v", err)
	}
	if len(tree.Studies) != 1 || len(tree.Studies[0].PDFs) != 2 {
		t.Fatalf("server replica diverged: %#v", tree.Studies)
	}
}

func TestEvictionPreservesStateAndConnections(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	projectID := testProjectID(t, "project-1")
	documentActor := testActor(t, manager, "project-1")

	if err := documentActor.SyncMetadata(ctx, MetadataSyncRequest{Meta: map[string]any{"name": "Durable"}}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	for _, userID := range []string{"user-1", "user-2"} {
		memberID, err := project.NewMemberUserID(userID)
		if err != nil {
			t.Fatalf("invalid member id: %v", err)
		}
		if err := documentActor.UpsertMember(ctx, project.Member{UserID: memberID, Role: "member"}); err != nil {
			t.Fatalf("member seed failed: %v", err)
		}
	}
	for _, rawID := range []string{"study-1", "study-2", "study-3"} {
		studyID, err := project.NewStudyID(rawID)
		if err != nil {
			t.Fatalf("invalid study id: %v", err)
		}
		fileName, err := project.NewFileName(rawID + ".pdf")
		if err != nil {
			t.Fatalf("invalid file name: %v", err)
		}
		err = documentActor.AttachStudyPDF(ctx, AttachmentRequest{
			StudyID:    studyID,
			StudyName:  "Trial " + rawID,
			Attachment: project.Attachment{Key: "k/" + rawID + ".pdf", FileName: fileName},
		})
		if err != nil {
			t.Fatalf("study seed failed: %v", err)
		}
	}

	survivor := &fakeSender{}
	survivorConn := NewConnection("conn-s", survivor, identified("user-s"))
	if err := documentActor.Connect(ctx, survivorConn); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	manager.Evict(projectID)
	revived := testActor(t, manager, "project-1")
	if revived == documentActor {
		t.Fatalf("expected a fresh actor after eviction")
	}

	// State hydrates from the snapshot.
	tree, err := revived.Projection(ctx)
	if err != nil {
		t.Fatalf("projection after eviction failed: %v", err)
	}
	if tree.Meta["name"] != "Durable" {
		t.Fatalf("state lost across eviction: %#v", tree.Meta)
	}
	if len(tree.Members) != 2 {
		t.Fatalf("members lost across eviction: %#v", tree.Members)
	}
	if len(tree.Studies) != 3 {
		t.Fatalf("studies lost across eviction: %#v", tree.Studies)
	}

	// The surviving transport connection still receives broadcasts because
	// the registry outlives the actor.
	if err := revived.SyncMetadata(ctx, MetadataSyncRequest{Meta: map[string]any{"name": "After"}}); err != nil {
		t.Fatalf("post-eviction mutation failed: %v", err)
	}
	if len(survivor.eventsOfType(EventUpdate)) == 0 {
		t.Fatalf("surviving connection missed post-eviction broadcast")
	}
}

func TestGatewayWriteBroadcastsWithNullUser(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	documentActor := testActor(t, manager, "project-1")

	sender := &fakeSender{}
	conn := NewConnection("conn-1", sender, identified("user-1"))
	if err := documentActor.Connect(ctx, conn); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if err := documentActor.SyncMetadata(ctx, MetadataSyncRequest{Meta: map[string]any{"name": "Server Write"}}); err != nil {
		t.Fatalf("gateway write failed: %v", err)
	}

	updates := sender.eventsOfType(EventUpdate)
	if len(updates) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(updates))
	}
	if updates[0].User != nil {
		t.Fatalf("server write must carry a nil user, got %#v", updates[0].User)
	}

	// The broadcast bytes merge cleanly into a client replica.
	replica := crdt.NewDocument()
	if err := replica.ApplyUpdate(updates[0].Update); err != nil {
		t.Fatalf("client failed to apply gateway update: %v", err)
	}
}

func TestSyncMetadataRejectsEmptyRequest(t *testing.T) {
	manager := newTestManager(t)
	documentActor := testActor(t, manager, "project-1")

	err := documentActor.SyncMetadata(context.Background(), MetadataSyncRequest{})
	if !errors.Is(err, ErrEmptyGatewayRequest) {
		t.Fatalf("expected ErrEmptyGatewayRequest, got %v", err)
	}
}

func TestSyncRequestServesStalePeer(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	documentActor := testActor(t, manager, "project-1")

	if err := documentActor.SyncMetadata(ctx, MetadataSyncRequest{Meta: map[string]any{"name": "v1"}}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	sender := &fakeSender{}
	conn := NewConnection("conn-1", sender, identified("user-1"))
	if err := documentActor.Connect(ctx, conn); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	replica, err := crdt.LoadDocument(sender.eventsOfType(EventSync)[0].Update)
	if err != nil {
		t.Fatalf("failed to hydrate replica: %v", err)
	}

	if err := documentActor.SyncMetadata(ctx, MetadataSyncRequest{Meta: map[string]any{"name": "v2"}}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	// The replica reports its vector and gets only what it is missing.
	if err := documentActor.HandleSync(ctx, conn, replica.StateVector()); err != nil {
		t.Fatalf("sync request failed: %v", err)
	}
	syncs := sender.eventsOfType(EventSync)
	catchup := syncs[len(syncs)-1]
	if len(catchup.Update) == 0 {
		t.Fatalf("expected non-empty catch-up for stale peer")
	}
	if err := replica.ApplyUpdate(catchup.Update); err != nil {
		t.Fatalf("replica failed to apply catch-up: %v", err)
	}

	// A current peer gets an empty sync frame.
	if err := documentActor.HandleSync(ctx, conn, replica.StateVector()); err != nil {
		t.Fatalf("sync request failed: %v", err)
	}
	syncs = sender.eventsOfType(EventSync)
	if update := syncs[len(syncs)-1].Update; len(update) != 0 {
		t.Fatalf("expected empty sync for current peer, got %d bytes", len(update))
	}
}

func TestSyncRequestRejectsMalformedVector(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	documentActor := testActor(t, manager, "project-1")

	sender := &fakeSender{}
	conn := NewConnection("conn-1", sender, identified("user-1"))
	if err := documentActor.Connect(ctx, conn); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if err := documentActor.HandleSync(ctx, conn, []byte("{broken")); err == nil {
		t.Fatalf("expected error for malformed vector")
	}
	if len(sender.eventsOfType(EventError)) != 1 {
		t.Fatalf("expected an error frame for the sender")
	}
}
