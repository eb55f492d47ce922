// Package crdtdoc implements the per-document CRDT wrapper referenced
// as the per-document replica: an opaque binary document state supporting encode
// (full state / diff-against-state-vector), apply-update, and merge, with
// merges that are commutative, associative, and idempotent.
//
// Text is modeled as a replicated growable array (RGA): each inserted
// character is a tombstone-capable node addressed by (instanceId, seq),
// chained after the node it was inserted after. Note-level metadata
// (currently just the soft-delete flag and folder placement) is modeled as
// per-field last-writer-wins registers, with ties broken deterministically
// by op id so every replica converges on the same winner regardless of
// delivery order.
package crdtdoc

import (
	"sort"
)

// OpID identifies a single CRDT operation: the (instanceId, seq) pair that
// also names the update file the op was shipped in.
type OpID struct {
	Instance string
	Seq      uint64
}

// Zero reports whether id is the zero value, used as the "document start"
// sentinel for the first character's After pointer.
func (id OpID) Zero() bool {
	return id.Instance == "" && id.Seq == 0
}

// less defines the deterministic tie-break order used both for RGA
// same-parent conflicts and for last-writer-wins metadata registers. It is
// a total order over OpID with no relation to wall-clock time, so merges
// stay commutative/associative/idempotent regardless of when any replica
// observes an op.
func less(a, b OpID) bool {
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}

	return a.Instance < b.Instance
}

type rgaNode struct {
	ID      OpID
	After   OpID
	Value   rune
	Deleted bool
	pending bool // delete observed before its matching insert
}

type metaRegister struct {
	ID    OpID
	Value string
}

// Document is the mutable, opaque CRDT state for one note or folder-tree.
// All mutation happens through ApplyOp/ApplyUpdate/Merge; callers never
// touch the node maps directly.
type Document struct {
	nodes map[OpID]*rgaNode
	// order caches a valid RGA linearization; invalidated on every mutation
	// and rebuilt lazily by Text().
	order      []OpID
	orderValid bool

	// deletes records every applied delete op under its own id, mapping to
	// the tombstoned target. A delete is an op in its own right — it
	// occupies a seq in its writer's update stream, so the state vector
	// and catch-up diffs must account for it by that id, not by the id of
	// the insert it removes.
	deletes map[OpID]OpID

	meta map[string]metaRegister
}

// NewDocument returns an empty document with no characters and no metadata.
func NewDocument() *Document {
	return &Document{
		nodes:   make(map[OpID]*rgaNode),
		deletes: make(map[OpID]OpID),
		meta:    make(map[string]metaRegister),
	}
}

// Clone returns a deep copy of d, safe for independent mutation.
func (d *Document) Clone() *Document {
	c := NewDocument()

	for id, n := range d.nodes {
		cp := *n
		c.nodes[id] = &cp
	}

	for did, target := range d.deletes {
		c.deletes[did] = target
	}

	for k, v := range d.meta {
		c.meta[k] = v
	}

	return c
}

// ApplyOp applies a single CRDT operation idempotently: applying the same
// op twice, or applying it after it is already reflected in d's state, is a
// no-op.
func (d *Document) ApplyOp(op Op) {
	d.orderValid = false

	switch op.Kind {
	case OpInsert:
		if existing, exists := d.nodes[op.ID]; exists {
			if !existing.pending {
				return
			}
			// A delete arrived before this insert; fill in the real
			// content but keep it tombstoned.
			existing.After = op.After
			existing.Value = op.Value
			existing.pending = false

			return
		}

		d.nodes[op.ID] = &rgaNode{ID: op.ID, After: op.After, Value: op.Value}
	case OpDelete:
		if !op.ID.Zero() {
			d.deletes[op.ID] = op.Target
		}

		if n, ok := d.nodes[op.Target]; ok {
			n.Deleted = true
		} else {
			// Tombstone-ahead-of-insert: record as a pending delete marker
			// so a later insert of the same id is born already deleted.
			d.nodes[op.Target] = &rgaNode{ID: op.Target, Deleted: true, pending: true}
		}
	case OpSetMeta:
		cur, ok := d.meta[op.Key]
		if !ok || less(cur.ID, op.ID) {
			d.meta[op.Key] = metaRegister{ID: op.ID, Value: op.Value2}
		}
	}
}

// linearize computes a total order over all non-pending nodes consistent
// with the RGA "insert after" relation: children of the same parent are
// ordered by descending OpID (newer inserts sort first, the standard RGA
// tie-break), and each node's subtree is emitted depth-first immediately
// after its parent.
func (d *Document) linearize() []OpID {
	children := make(map[OpID][]OpID)

	var roots []OpID

	for id, n := range d.nodes {
		if n.pending {
			continue
		}

		parent, hasParent := d.nodes[n.After]
		isRoot := n.After.Zero() || !hasParent || parent.pending

		if isRoot {
			roots = append(roots, id)
		} else {
			children[n.After] = append(children[n.After], id)
		}
	}

	for parent := range children {
		kids := children[parent]
		sort.Slice(kids, func(i, j int) bool { return less(kids[j], kids[i]) })
		children[parent] = kids
	}

	sort.Slice(roots, func(i, j int) bool { return less(roots[j], roots[i]) })

	var order []OpID

	var visit func(id OpID)

	visit = func(id OpID) {
		order = append(order, id)
		for _, c := range children[id] {
			visit(c)
		}
	}

	for _, r := range roots {
		visit(r)
	}

	return order
}

// ensureOrder rebuilds and caches the linearization if it was invalidated
// by a mutation since the last call.
func (d *Document) ensureOrder() []OpID {
	if !d.orderValid {
		d.order = d.linearize()
		d.orderValid = true
	}

	return d.order
}

// Text materializes the document's current live (non-deleted) text.
func (d *Document) Text() string {
	var runes []rune

	for _, id := range d.ensureOrder() {
		n := d.nodes[id]
		if !n.Deleted {
			runes = append(runes, n.Value)
		}
	}

	return string(runes)
}

// Meta returns the current value of an LWW metadata field and whether it
// has ever been set.
func (d *Document) Meta(key string) (string, bool) {
	r, ok := d.meta[key]
	return r.Value, ok
}

// MetaAll returns a copy of every LWW metadata field currently set. Used
// by the folder-tree document, whose entire payload is one register per
// folder.
func (d *Document) MetaAll() map[string]string {
	out := make(map[string]string, len(d.meta))
	for k, r := range d.meta {
		out[k] = r.Value
	}

	return out
}

// StateVector returns, for each instance with at least one applied
// insert, delete, or metadata write, the highest seq observed from that
// instance. Deletes count under their own op id: an instance whose latest
// emitted op is a delete must not report a stale highest-seq. This is not
// necessarily contiguous — the highest *contiguous* prefix (what snapshot
// clocks record) is tracked by the update manager while composing files,
// not derivable from the op set alone.
func (d *Document) StateVector() map[string]uint64 {
	sv := make(map[string]uint64)

	bump := func(id OpID) {
		if id.Seq > sv[id.Instance] {
			sv[id.Instance] = id.Seq
		}
	}

	for id, n := range d.nodes {
		if !n.pending {
			bump(id)
		}
	}

	for did := range d.deletes {
		bump(did)
	}

	for _, r := range d.meta {
		bump(r.ID)
	}

	return sv
}

// Merge returns a new Document containing the union of d and other's
// operations. Merge is commutative, associative, and idempotent because it
// is defined purely as a union over op sets plus deterministic LWW
// tie-break — applying the same op via either input or twice over never
// changes the result.
func (d *Document) Merge(other *Document) *Document {
	out := d.Clone()

	for _, op := range other.allOps() {
		out.ApplyOp(op)
	}

	return out
}
