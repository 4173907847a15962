package statesync

// Merge folds incoming into base, incoming winning on every leaf conflict.
//
// An empty incoming returns base itself so reference-based change detection
// upstream sees no change. Trees present on both sides merge recursively.
// Merge never deletes; apply deletions with Subtract first.
func Merge(base, incoming Tree) Tree {
	if len(incoming) == 0 {
		return base
	}

	merged := make(Tree, len(base)+len(incoming))
	for key, a := range base {
		b, ok := incoming[key]
		if !ok {
			merged[key] = a
			continue
		}
		if sameValue(a, b) {
			merged[key] = a
			continue
		}
		at, aIsTree := asTree(a)
		bt, bIsTree := asTree(b)
		if aIsTree && bIsTree {
			merged[key] = Merge(at, bt)
			continue
		}
		merged[key] = b
	}
	for key, b := range incoming {
		if _, ok := base[key]; !ok {
			merged[key] = b
		}
	}
	return merged
}

// ApplyDelta removes delta.Deleted from base and merges delta.Updated over
// the remainder.
func ApplyDelta(base Tree, delta Delta) (Tree, error) {
	remainder, err := Subtract(base, delta.Deleted)
	if err != nil {
		return nil, err
	}
	return Merge(remainder, delta.Updated), nil
}
