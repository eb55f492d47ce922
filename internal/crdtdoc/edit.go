package crdtdoc

// LocalInsert returns the ops needed to insert text at the given rune
// offset into d's current live text, chaining each new character after the
// previous one (or after the live character currently at pos-1). seq is
// the next per-(instance,document) sequence number to allocate; it is not
// mutated — the caller (UpdateManager) owns sequence allocation and must
// pass consecutive values if it wants the ops applied as the single
// updatemgr Manager.WriteUpdate contract expects one seq per op/update-file.
func (d *Document) LocalInsert(instance string, seq uint64, pos int, text string) []Op {
	if text == "" {
		return nil
	}

	after := d.liveIDAt(pos)

	ops := make([]Op, 0, len(text))

	for _, r := range text {
		id := OpID{Instance: instance, Seq: seq}
		ops = append(ops, Op{Kind: OpInsert, ID: id, After: after, Value: r})
		after = id
		seq++
	}

	return ops
}

// LocalDelete returns the ops needed to delete the [pos, pos+length) live
// rune range. The ops are returned without ids: the caller stamps each
// with its allocated (instance, seq) before applying or shipping it, so
// the delete occupies a real slot in the writer's update stream.
func (d *Document) LocalDelete(pos, length int) []Op {
	ids := d.liveIDRange(pos, length)

	ops := make([]Op, 0, len(ids))
	for _, id := range ids {
		ops = append(ops, Op{Kind: OpDelete, Target: id})
	}

	return ops
}

// SetMetaOp builds a single OpSetMeta for a local metadata write (e.g.
// soft-delete, folder placement) at the given seq.
func SetMetaOp(instance string, seq uint64, key, value string) Op {
	return Op{Kind: OpSetMeta, ID: OpID{Instance: instance, Seq: seq}, Key: key, Value2: value}
}

// liveIDAt returns the id of the live character currently at rune offset
// pos-1 (the node to insert after), or the zero OpID if pos is 0.
func (d *Document) liveIDAt(pos int) OpID {
	if pos <= 0 {
		return OpID{}
	}

	i := 0

	for _, id := range d.ensureOrder() {
		n := d.nodes[id]
		if n.Deleted {
			continue
		}

		i++
		if i == pos {
			return id
		}
	}

	return OpID{}
}

// liveIDRange returns the ids of the `length` live characters starting at
// rune offset pos.
func (d *Document) liveIDRange(pos, length int) []OpID {
	var ids []OpID

	i := 0

	for _, id := range d.ensureOrder() {
		n := d.nodes[id]
		if n.Deleted {
			continue
		}

		if i >= pos && i < pos+length {
			ids = append(ids, id)
		}

		i++
	}

	return ids
}
