package ol

// Conflicts reports whether two operations are concurrent edits of the same
// entity by different authors. Timestamps further apart than window (ms) are
// treated as sequential.
func Conflicts(local Operation, remote Operation, window int64) bool {
	sameEntity := (local.NodeID != "" && local.NodeID == remote.NodeID) ||
		(local.ConnectionID != "" && local.ConnectionID == remote.ConnectionID)
	if !sameEntity || local.UserID == remote.UserID {
		return false
	}

	delta := remote.Ts - local.Ts
	if delta < 0 {
		delta = -delta
	}
	return delta <= window
}

// Resolve decides what survives of a remote operation that conflicts with a
// local one. keep is false when the remote operation must be discarded.
func Resolve(local Operation, remote Operation) (op Operation, keep bool) {
	switch {
	case remote.Op.IsDelete():
		// tombstones always win
		return remote, true

	case local.Op.IsDelete():
		return Operation{}, false

	case local.Op == UpdateNode && remote.Op == UpdateNode:
		return mergeUpdates(local, remote), true

	case remote.Op.IsAdd():
		// adds carry freshly generated entity ids and never collide
		return remote, true
	}

	if laterWrite(local, remote) {
		return remote, true
	}
	return Operation{}, false
}

// mergeUpdates applies field-level last-writer-wins: remote fields replace
// local ones only when the remote write is strictly newer.
func mergeUpdates(local Operation, remote Operation) Operation {
	changes := Fields{}
	for k, v := range local.Changes {
		changes[k] = v
	}
	if local.Ts < remote.Ts {
		for k, v := range remote.Changes {
			changes[k] = v
		}
	}

	merged := remote
	merged.Changes = cloneFields(changes)
	return merged
}

// laterWrite orders two operations by timestamp, breaking ties on id so every
// peer picks the same winner.
func laterWrite(local Operation, remote Operation) bool {
	if local.Ts != remote.Ts {
		return local.Ts < remote.Ts
	}
	return local.ID < remote.ID
}
