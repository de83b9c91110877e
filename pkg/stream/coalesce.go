package stream

// Coalesce reduces the events of one batch to at most one event per
// (relation, id). The reduction is order-sensitive within one id:
//
//	Created + Updated  -> Created with the update's post-image
//	Created + Deleted  -> nothing
//	Updated + Updated  -> the later Updated
//	Updated + Deleted  -> Deleted
//	Deleted + Created  -> Updated with the create's post-image
//
// DELETE-then-INSERT pairs produced by table rewrites therefore surface
// as a single Updated. The relative order of distinct ids follows their
// first appearance in the batch.
func Coalesce(changes []Change) []Change {
	if len(changes) < 2 {
		return changes
	}

	type key struct {
		relation, id string
	}
	type slot struct {
		change  Change
		dropped bool
	}

	index := make(map[key]*slot)
	var order []key

	for _, next := range changes {
		k := key{next.Relation, next.ID}
		s, ok := index[k]
		if !ok {
			index[k] = &slot{change: next}
			order = append(order, k)
			continue
		}
		if s.dropped {
			// Created then Deleted cancelled out; a later Created for
			// the same id starts over as a plain create.
			s.dropped = false
			s.change = next
			continue
		}
		s.change, s.dropped = fold(s.change, next)
	}

	out := make([]Change, 0, len(order))
	for _, k := range order {
		s := index[k]
		if s.dropped {
			continue
		}
		out = append(out, s.change)
	}
	return out
}

// fold combines the accumulated event with the next event for the same
// id. The second return marks a cancelled Created+Deleted pair.
func fold(cur, next Change) (Change, bool) {
	switch cur.Kind {
	case Created:
		if next.Kind == Deleted {
			return cur, true
		}
		// Created + Updated (or a duplicate Created) keeps the create,
		// carrying the latest post-image and sequence.
		next.Kind = Created
		return next, false
	case Updated:
		if next.Kind == Deleted {
			return next, false
		}
		next.Kind = Updated
		return next, false
	case Deleted:
		if next.Kind == Deleted {
			return next, false
		}
		// A rewrite of the same id is an update.
		next.Kind = Updated
		return next, false
	}
	return next, false
}
