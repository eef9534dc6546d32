// Package collab implements the per-project document actor: it owns the
// authoritative CRDT replica, keeps every live connection convergent, and
// exposes the internal write gateway trusted server-side callers use to
// mutate the document through the same merge machinery as client edits.
package collab

import "github.com/corates/backend/internal/project"

// Wire event types exchanged over a project websocket, JSON framed. Update
// payloads are opaque CRDT bytes, base64-encoded by the JSON layer.
const (
	EventSync       = "sync"
	EventAuth       = "auth"
	EventUpdate     = "update"
	EventUserJoined = "user-joined"
	EventUserLeft   = "user-left"
	EventError      = "error"
)

// UserIdentity is the public identity attached to presence and update
// events. It never carries tokens or other secrets.
type UserIdentity struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

// Event is one JSON frame on a project websocket. Vector is only set on
// inbound sync requests, where the client reports its own state vector to
// ask for a targeted catch-up instead of a full snapshot.
type Event struct {
	Type    string        `json:"type"`
	Update  []byte        `json:"update,omitempty"`
	Vector  []byte        `json:"vector,omitempty"`
	User    *UserIdentity `json:"user"`
	Token   string        `json:"token,omitempty"`
	Success *bool         `json:"success,omitempty"`
	Message string        `json:"message,omitempty"`
}

func syncEvent(update []byte) Event {
	return Event{Type: EventSync, Update: update}
}

func updateEvent(update []byte, user *UserIdentity) Event {
	return Event{Type: EventUpdate, Update: update, User: user}
}

func presenceEvent(eventType string, user UserIdentity) Event {
	return Event{Type: eventType, User: &user}
}

func errorEvent(message string) Event {
	return Event{Type: EventError, Message: message}
}

func authResultEvent(success bool, user *UserIdentity) Event {
	return Event{Type: EventAuth, Success: &success, User: user}
}

// Sender delivers events to one client transport. Implementations must be
// safe for use from the actor's serialized context and should bound write
// latency so a stalled client cannot wedge the actor.
type Sender interface {
	Send(event Event) error
	Close() error
}

// Connection is one live client attachment to a document actor. Identity
// is nil while the connection is anonymous; the actor upgrades it in place
// when an in-band auth message resolves. All fields are mutated only inside
// the owning actor's serialized context.
type Connection struct {
	connectionID string
	sender       Sender
	identity     *UserIdentity
}

// NewConnection wraps a transport sender. The connection starts anonymous
// unless identity is non-nil.
func NewConnection(connectionID string, sender Sender, identity *UserIdentity) *Connection {
	return &Connection{
		connectionID: connectionID,
		sender:       sender,
		identity:     identity,
	}
}

// ConnectionID returns the transport-assigned connection identifier.
func (c *Connection) ConnectionID() string {
	return c.connectionID
}

// Identity returns the connection's public identity, nil while anonymous.
func (c *Connection) Identity() *UserIdentity {
	return c.identity
}

// Authenticated reports whether the connection may submit updates.
func (c *Connection) Authenticated() bool {
	return c.identity != nil
}

// MemberIdentity converts a membership record to its public identity form.
func MemberIdentity(member project.Member) UserIdentity {
	return UserIdentity{
		ID:          member.UserID.String(),
		Username:    member.Name,
		DisplayName: member.DisplayName,
	}
}
