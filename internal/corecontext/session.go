package corecontext

import (
	"context"
	"fmt"
	"sync"

	"github.com/notecove/notecove-core/internal/crdtdoc"
)

// DocumentHandle is the editor layer's view of one open note document:
// it holds the composed CRDT state, accepts local edits, and
// delivers remote updates as diffs against the handle's own state vector.
type DocumentHandle struct {
	core   *Core
	rt     *sdRuntime
	noteID string

	mu      sync.Mutex
	doc     *crdtdoc.Document
	subs    map[int]func(diff []byte)
	nextSub int
	closed  bool
}

// OpenDocument composes the current state of a note and returns a live
// handle. The handle stays subscribed to remote updates until Close.
func (c *Core) OpenDocument(ctx context.Context, sdUUID, noteID string) (*DocumentHandle, error) {
	rt, err := c.sdFor(sdUUID)
	if err != nil {
		return nil, err
	}

	doc, _, err := rt.manager(noteID).ReadComposedState(ctx)
	if err != nil {
		return nil, err
	}

	h := &DocumentHandle{
		core:   c,
		rt:     rt,
		noteID: noteID,
		doc:    doc,
		subs:   make(map[int]func(diff []byte)),
	}

	c.handleMu.Lock()
	c.handles[noteID] = append(c.handles[noteID], h)
	c.handleMu.Unlock()

	return h, nil
}

// NoteID returns the handle's document id.
func (h *DocumentHandle) NoteID() string { return h.noteID }

// Text returns the document's current text projection.
func (h *DocumentHandle) Text() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.doc.Text()
}

// StateVector returns the per-instance highest seqs this handle has
// absorbed, the input to diff-based catch-up.
func (h *DocumentHandle) StateVector() map[string]uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.doc.StateVector()
}

// NextSeq returns the seq an editor must mint its next op with, so the
// op id matches the update file ApplyLocalEdit will emit for it.
func (h *DocumentHandle) NextSeq() (uint64, error) {
	return h.rt.manager(h.noteID).NextSeq()
}

// ApplyLocalEdit persists one pre-encoded single-op diff produced against
// this document with NextSeq's id, applying it locally and writing the
// update file (plus activity-log entry) as one logical operation.
// Serialized on the document key against concurrent edits and
// ActivitySync-driven reloads.
func (h *DocumentHandle) ApplyLocalEdit(ctx context.Context, diff []byte) (uint64, error) {
	unlock := h.core.docKeys.Lock(h.noteID)
	defer unlock()

	return h.applyLocalEditLocked(ctx, diff)
}

// applyLocalEditLocked is ApplyLocalEdit without the document-key lock;
// callers must already hold it.
func (h *DocumentHandle) applyLocalEditLocked(ctx context.Context, diff []byte) (uint64, error) {
	op, err := crdtdoc.DecodeUpdate(diff)
	if err != nil {
		return 0, fmt.Errorf("core: undecodable local edit: %w", err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, ErrShutdown
	}

	h.doc.ApplyOp(op)
	h.mu.Unlock()

	seq, err := h.rt.manager(h.noteID).WriteUpdate(ctx, diff)
	if err != nil {
		return 0, mapWriteErr(err)
	}

	h.rt.markEdited(h.noteID)

	h.mu.Lock()
	snapshot := h.doc.Clone()
	h.mu.Unlock()

	if err := h.core.projectNote(ctx, h.rt, h.noteID, snapshot); err != nil {
		return seq, err
	}

	h.core.events.emit(Event{Kind: EventNoteUpdated, SdUUID: h.rt.sd.UUID, NoteID: h.noteID})

	return seq, nil
}

// InsertText inserts text at the given rune offset, minting and
// persisting one op (one update file) per inserted character. The
// document-key lock spans mint and write so no concurrent edit can claim
// the same seqs.
func (h *DocumentHandle) InsertText(ctx context.Context, pos int, text string) error {
	unlock := h.core.docKeys.Lock(h.noteID)
	defer unlock()

	h.mu.Lock()

	seq, err := h.rt.manager(h.noteID).NextSeq()
	if err != nil {
		h.mu.Unlock()
		return err
	}

	ops := h.doc.LocalInsert(h.core.self, seq, pos, text)
	h.mu.Unlock()

	return h.writeOps(ctx, ops)
}

// DeleteText deletes the [pos, pos+length) live rune range.
func (h *DocumentHandle) DeleteText(ctx context.Context, pos, length int) error {
	unlock := h.core.docKeys.Lock(h.noteID)
	defer unlock()

	h.mu.Lock()

	seq, err := h.rt.manager(h.noteID).NextSeq()
	if err != nil {
		h.mu.Unlock()
		return err
	}

	ops := h.doc.LocalDelete(pos, length)

	// Each delete still ships as one update file; stamp ids so file seq
	// and op provenance stay aligned.
	for i := range ops {
		ops[i].ID = crdtdoc.OpID{Instance: h.core.self, Seq: seq + uint64(i)}
	}
	h.mu.Unlock()

	return h.writeOps(ctx, ops)
}

// SetMeta writes one LWW metadata register (soft-delete flag, folder
// placement).
func (h *DocumentHandle) SetMeta(ctx context.Context, key, value string) error {
	unlock := h.core.docKeys.Lock(h.noteID)
	defer unlock()

	h.mu.Lock()

	seq, err := h.rt.manager(h.noteID).NextSeq()
	if err != nil {
		h.mu.Unlock()
		return err
	}

	op := crdtdoc.SetMetaOp(h.core.self, seq, key, value)
	h.mu.Unlock()

	return h.writeOps(ctx, []crdtdoc.Op{op})
}

func (h *DocumentHandle) writeOps(ctx context.Context, ops []crdtdoc.Op) error {
	for _, op := range ops {
		data, err := crdtdoc.EncodeUpdate(op)
		if err != nil {
			return err
		}

		if _, err := h.applyLocalEditLocked(ctx, data); err != nil {
			return err
		}
	}

	return nil
}

// OnRemoteUpdate subscribes to diffs composed from other instances'
// files. The callback receives a diff already applied to this handle's
// document; it exists so the editor can patch its own replica. Returns
// the unsubscribe function.
func (h *DocumentHandle) OnRemoteUpdate(fn func(diff []byte)) func() {
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Close detaches the handle from remote-update delivery.
func (h *DocumentHandle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	c := h.core

	c.handleMu.Lock()
	defer c.handleMu.Unlock()

	list := c.handles[h.noteID]
	for i, other := range list {
		if other == h {
			c.handles[h.noteID] = append(list[:i], list[i+1:]...)
			break
		}
	}

	if len(c.handles[h.noteID]) == 0 {
		delete(c.handles, h.noteID)
	}
}

// deliverRemote patches every open handle of noteID up to the freshly
// composed document and notifies their subscribers with the per-handle
// diff.
func (c *Core) deliverRemote(noteID string, composed *crdtdoc.Document) {
	c.handleMu.Lock()
	list := append([]*DocumentHandle(nil), c.handles[noteID]...)
	c.handleMu.Unlock()

	for _, h := range list {
		h.mu.Lock()

		if h.closed {
			h.mu.Unlock()
			continue
		}

		diff, err := composed.EncodeDiff(h.doc.StateVector())
		if err != nil {
			h.mu.Unlock()
			continue
		}

		if err := h.doc.ApplyDiff(diff); err != nil {
			h.mu.Unlock()
			continue
		}

		fns := make([]func([]byte), 0, len(h.subs))
		for _, fn := range h.subs {
			fns = append(fns, fn)
		}
		h.mu.Unlock()

		for _, fn := range fns {
			fn(diff)
		}
	}
}

// closeHandles force-closes every handle of a hard-deleted note.
func (c *Core) closeHandles(noteID string) {
	c.handleMu.Lock()
	list := append([]*DocumentHandle(nil), c.handles[noteID]...)
	delete(c.handles, noteID)
	c.handleMu.Unlock()

	for _, h := range list {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
	}
}
