package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/nightscape/holon/pkg/operation"
	"github.com/nightscape/holon/pkg/stream"
	"github.com/nightscape/holon/pkg/utils"
	"github.com/nightscape/holon/pkg/value"
)

// OpMove re-parents and re-orders a block entity.
const OpMove = "move"

// AfterParam names the sibling a moved block lands behind; empty means
// first under the parent.
const AfterParam = "after"

// blockOrdered reports whether the relation carries block semantics:
// a parent link plus a fractional sort key.
func (q *QueryableCache[T]) blockOrdered() bool {
	_, hasParent := q.schema.Field(value.ParentIDField)
	_, hasKey := q.schema.Field(value.SortKeyField)
	return hasParent && hasKey
}

// ensureSortKey allocates a fractional key after the last sibling when
// the new row does not bring one. Sibling keys stay pairwise distinct
// because every allocation splits an existing gap.
func (q *QueryableCache[T]) ensureSortKey(ctx context.Context, row *value.Entity) error {
	if key := value.AsBlock(row).SortKey(); key != "" {
		return nil
	}
	siblings, err := q.siblings(ctx, value.AsBlock(row).ParentID(), "")
	if err != nil {
		return err
	}
	key := utils.FirstKey()
	if len(siblings) > 0 {
		key, err = utils.KeyBetween(siblings[len(siblings)-1].SortKey(), "")
		if err != nil {
			return err
		}
	}
	row.Set(value.SortKeyField, value.String(key))
	return nil
}

// siblings returns the blocks under parentID ordered by sort key,
// excluding excludeID.
func (q *QueryableCache[T]) siblings(ctx context.Context, parentID, excludeID string) ([]value.Block, error) {
	rows, err := q.cache.All(ctx, q.relation)
	if err != nil {
		return nil, err
	}
	var out []value.Block
	for _, row := range rows {
		b := value.AsBlock(row)
		id, err := row.ID()
		if err != nil {
			return nil, err
		}
		if id == excludeID || b.ParentID() != parentID {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortKey() < out[j].SortKey() })
	return out, nil
}

// Move places the block under parentID (empty for root), immediately
// after sibling afterID (empty for first position). The returned
// inverse moves it back to where it was.
func (q *QueryableCache[T]) Move(ctx context.Context, traceID, id, parentID, afterID string) (*operation.Operation, error) {
	if !q.blockOrdered() {
		return nil, operation.OperationError.New("relation %s has no block ordering", q.relation)
	}

	pre, err := q.cache.Get(ctx, q.relation, id)
	if err != nil {
		return nil, err
	}
	if err := q.checkNoCycle(ctx, id, parentID); err != nil {
		return nil, err
	}

	siblings, err := q.siblings(ctx, parentID, id)
	if err != nil {
		return nil, err
	}
	newKey, err := keyAfter(siblings, afterID)
	if err != nil {
		return nil, operation.OperationError.Wrap(err)
	}

	parentValue := value.Null()
	if parentID != "" {
		parentValue = value.String(parentID)
	}
	patch := value.NewEntity().
		Set(value.ParentIDField, parentValue).
		Set(value.SortKeyField, value.String(newKey))
	op := operation.Operation{
		Entity: q.relation,
		Name:   OpMove,
		Params: value.NewEntity().
			Set(value.IDField, value.String(id)).
			Set(value.ParentIDField, value.String(parentID)).
			Set(AfterParam, value.String(afterID)),
	}

	if q.src.Authoritative() {
		if err := q.pushOrQueueUpdate(ctx, pre, id, patch, op); err != nil {
			return nil, err
		}
	}

	origin := stream.LocalOrigin(traceID)
	if err := q.cache.Update(ctx, q.relation, id, patch, origin); err != nil {
		return nil, err
	}
	if !q.src.Authoritative() {
		q.writeOwned(ctx, id)
	}

	inverse, err := q.moveInverse(ctx, id, value.AsBlock(pre))
	if err != nil {
		return nil, err
	}
	return inverse, nil
}

// checkNoCycle rejects a destination inside the moved block's own
// subtree by walking the new parent's ancestor chain.
func (q *QueryableCache[T]) checkNoCycle(ctx context.Context, id, parentID string) error {
	if parentID == "" {
		return nil
	}
	if parentID == id {
		return operation.OperationError.New("cannot move %s/%s under itself", q.relation, id)
	}
	rows, err := q.cache.All(ctx, q.relation)
	if err != nil {
		return err
	}
	byID := make(map[string]value.Block, len(rows))
	for _, row := range rows {
		rid, err := row.ID()
		if err != nil {
			return err
		}
		byID[rid] = value.AsBlock(row)
	}
	if _, ok := byID[parentID]; !ok {
		return operation.OperationError.New("move target parent %s/%s not found", q.relation, parentID)
	}

	seen := map[string]struct{}{parentID: {}}
	for p := parentID; p != ""; {
		b, ok := byID[p]
		if !ok {
			break
		}
		p = b.ParentID()
		if p == id {
			return operation.OperationError.New("cannot move %s/%s under its own descendant", q.relation, id)
		}
		if _, cyclic := seen[p]; cyclic {
			break
		}
		seen[p] = struct{}{}
	}
	return nil
}

// keyAfter computes the fractional key for the slot behind afterID
// among the ordered siblings.
func keyAfter(siblings []value.Block, afterID string) (string, error) {
	if afterID == "" {
		if len(siblings) == 0 {
			return utils.FirstKey(), nil
		}
		return utils.KeyBetween("", siblings[0].SortKey())
	}
	for i, s := range siblings {
		id, err := s.ID()
		if err != nil {
			return "", err
		}
		if id != afterID {
			continue
		}
		next := ""
		if i+1 < len(siblings) {
			next = siblings[i+1].SortKey()
		}
		return utils.KeyBetween(s.SortKey(), next)
	}
	return "", fmt.Errorf("sibling %q not found", afterID)
}

// moveInverse reconstructs the pre-move slot: the old parent and the
// old predecessor sibling.
func (q *QueryableCache[T]) moveInverse(ctx context.Context, id string, pre value.Block) (*operation.Operation, error) {
	oldSiblings, err := q.siblings(ctx, pre.ParentID(), id)
	if err != nil {
		return nil, err
	}
	oldAfter := ""
	for _, s := range oldSiblings {
		if s.SortKey() >= pre.SortKey() {
			break
		}
		sid, err := s.ID()
		if err != nil {
			return nil, err
		}
		oldAfter = sid
	}
	return &operation.Operation{
		Entity: q.relation,
		Name:   OpMove,
		Params: value.NewEntity().
			Set(value.IDField, value.String(id)).
			Set(value.ParentIDField, value.String(pre.ParentID())).
			Set(AfterParam, value.String(oldAfter)),
	}, nil
}
