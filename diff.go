package statesync

// Delta is the change between two snapshots of a tree.
//
// Updated holds added or changed values. Deleted is a marker tree: a true
// leaf means the path no longer exists, a nested tree means some descendants
// were removed.
type Delta struct {
	Updated Tree `json:"updated"`
	Deleted Tree `json:"deleted"`
}

// IsEmpty reports whether the delta carries no change.
func (d Delta) IsEmpty() bool {
	return len(d.Updated) == 0 && len(d.Deleted) == 0
}

// Project filters both halves of the delta through shape.
func (d Delta) Project(shape Shape) (Delta, error) {
	updated, err := ProjectTree(d.Updated, shape)
	if err != nil {
		return Delta{}, err
	}
	deleted, err := ProjectTree(d.Deleted, shape)
	if err != nil {
		return Delta{}, err
	}
	return Delta{Updated: updated, Deleted: deleted}, nil
}

// Diff computes the minimal delta turning oldTree into newTree.
//
// Equal values are skipped, time.Time values compare by instant, and values
// that are trees on both sides are diffed recursively. Anything else that
// differs (arrays, scalars, type changes, new keys) is recorded whole.
func Diff(oldTree, newTree Tree) Delta {
	updated := Tree{}
	deleted := Tree{}

	for key, nv := range newTree {
		ov, existed := oldTree[key]
		if existed && sameValue(ov, nv) {
			continue
		}
		ot, oldIsTree := asTree(ov)
		nt, newIsTree := asTree(nv)
		if existed && oldIsTree && newIsTree {
			deep := Diff(ot, nt)
			if len(deep.Updated) > 0 {
				updated[key] = deep.Updated
			}
			if len(deep.Deleted) > 0 {
				deleted[key] = deep.Deleted
			}
			continue
		}
		updated[key] = nv
	}

	for key := range oldTree {
		if _, ok := newTree[key]; !ok {
			deleted[key] = true
		}
	}

	return Delta{Updated: updated, Deleted: deleted}
}
