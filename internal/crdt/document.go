// Package crdt wraps the automerge document behind the narrow contract the
// rest of the backend relies on: apply an opaque update, snapshot the full
// state, summarize causal knowledge as a state vector, and compute the diff
// a peer at a given state vector is missing. Nothing above this package may
// assume anything about the encoding.
package crdt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/automerge/automerge-go"
)

var (
	// ErrInvalidUpdate indicates that an update payload could not be decoded.
	ErrInvalidUpdate = errors.New("crdt: invalid update")
	// ErrInvalidStateVector indicates that a state vector payload could not be decoded.
	ErrInvalidStateVector = errors.New("crdt: invalid state vector")
	// ErrMergeFailed indicates that a decoded update could not be merged.
	ErrMergeFailed = errors.New("crdt: merge failed")
)

// Document is a replicated project document. It is not safe for concurrent
// use; the owning actor serializes all access.
type Document struct {
	doc *automerge.Doc
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{doc: automerge.New()}
}

// LoadDocument reconstructs a document from a full-state snapshot.
func LoadDocument(snapshot []byte) (*Document, error) {
	if len(snapshot) == 0 {
		return NewDocument(), nil
	}
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return &Document{doc: doc}, nil
}

// Doc exposes the underlying automerge document for read paths and for
// Transact callbacks. Mutations outside Transact do not produce broadcast
// payloads and are a caller bug.
func (d *Document) Doc() *automerge.Doc {
	return d.doc
}

// ApplyUpdate merges an opaque update into the document. Updates are
// automerge chunk streams, so full snapshots and incremental diffs travel
// through the same path: the stream is decoded into its changes and the
// changes applied to the live document, which resolves their dependencies
// against everything the document already knows. The merge is commutative,
// associative and idempotent with respect to duplicate delivery.
func (d *Document) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return nil
	}
	changes, err := automerge.LoadChanges(update)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if err := d.doc.Apply(changes...); err != nil {
		return fmt.Errorf("%w: %v", ErrMergeFailed, err)
	}
	return nil
}

// FullState encodes a snapshot sufficient to reconstruct the document from
// nothing.
func (d *Document) FullState() []byte {
	return d.doc.Save()
}

// StateVector encodes the document's causal knowledge as a sorted list of
// change-hash heads.
func (d *Document) StateVector() []byte {
	heads := d.doc.Heads()
	encoded := make([]string, 0, len(heads))
	for _, head := range heads {
		encoded = append(encoded, head.String())
	}
	sort.Strings(encoded)
	payload, err := json.Marshal(encoded)
	if err != nil {
		// A string slice always marshals.
		panic(err)
	}
	return payload
}

// Diff returns the minimal update containing everything this document knows
// that a peer at the provided state vector does not. It returns nil when the
// peer is already current, and falls back to the full snapshot when the
// peer references heads this replica has never seen.
func (d *Document) Diff(peerStateVector []byte) ([]byte, error) {
	peerHeads, err := decodeStateVector(peerStateVector)
	if err != nil {
		return nil, err
	}

	localHeads := d.doc.Heads()
	if sameHeads(localHeads, peerHeads) {
		return nil, nil
	}

	changes, err := d.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("crdt: listing changes: %w", err)
	}
	changeByHash := make(map[string]*automerge.Change, len(changes))
	for _, change := range changes {
		changeByHash[change.Hash().String()] = change
	}

	// Seed the ancestry walk with the peer's heads. A head we have never
	// seen means the peer is ahead of or divergent from us in a way we
	// cannot subtract, so ship the whole document; merging it is harmless.
	pending := make([]string, 0, len(peerHeads))
	for head := range peerHeads {
		if _, ok := changeByHash[head]; !ok {
			return d.doc.Save(), nil
		}
		pending = append(pending, head)
	}

	seen := make(map[string]bool, len(changes))
	for len(pending) > 0 {
		hash := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if seen[hash] {
			continue
		}
		seen[hash] = true
		for _, dep := range changeByHash[hash].Dependencies() {
			pending = append(pending, dep.String())
		}
	}

	var buffer bytes.Buffer
	for _, change := range changes {
		if seen[change.Hash().String()] {
			continue
		}
		buffer.Write(change.Save())
	}
	if buffer.Len() == 0 {
		return nil, nil
	}
	return buffer.Bytes(), nil
}

// Transact runs fn against the document and returns the update covering
// every change fn made, coalesced into a single opaque payload suitable for
// persistence ordering and broadcast. A no-op fn yields a nil update.
func (d *Document) Transact(fn func(doc *automerge.Doc) error) ([]byte, error) {
	before := d.doc.Heads()
	if err := fn(d.doc); err != nil {
		return nil, err
	}
	changes, err := d.doc.Changes(before...)
	if err != nil {
		return nil, fmt.Errorf("crdt: collecting transaction changes: %w", err)
	}
	if len(changes) == 0 {
		return nil, nil
	}
	var buffer bytes.Buffer
	for _, change := range changes {
		buffer.Write(change.Save())
	}
	return buffer.Bytes(), nil
}

func decodeStateVector(payload []byte) (map[string]struct{}, error) {
	heads := make(map[string]struct{})
	if len(payload) == 0 {
		return heads, nil
	}
	var encoded []string
	if err := json.Unmarshal(payload, &encoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStateVector, err)
	}
	for _, head := range encoded {
		if head == "" {
			return nil, fmt.Errorf("%w: empty head", ErrInvalidStateVector)
		}
		heads[head] = struct{}{}
	}
	return heads, nil
}

func sameHeads(local []automerge.ChangeHash, peer map[string]struct{}) bool {
	if len(local) != len(peer) {
		return false
	}
	for _, head := range local {
		if _, ok := peer[head.String()]; !ok {
			return false
		}
	}
	return true
}
