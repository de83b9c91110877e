package value

// Semantic field names shared by block and task entities. Block trees
// are stored flat: parent id plus a fractional sort key; the
// hierarchical view is reconstructed by query.
const (
	ParentIDField  = "parent_id"
	SortKeyField   = "sort_key"
	ContentField   = "content"
	CompletedField = "completed"
	PriorityField  = "priority"
	DueDateField   = "due_date"
)

// Block is a read-only view over an entity carrying block semantics.
type Block struct {
	*Entity
}

// AsBlock wraps e as a block view.
func AsBlock(e *Entity) Block { return Block{Entity: e} }

// ParentID returns the parent block id, or "" for a root block.
func (b Block) ParentID() string {
	v, ok := b.Get(ParentIDField)
	if !ok || v.IsNull() {
		return ""
	}
	s, err := v.AsString()
	if err != nil {
		return ""
	}
	return s
}

// SortKey returns the fractional sort key. Siblings order by plain
// lexicographic comparison of their keys.
func (b Block) SortKey() string {
	v, ok := b.Get(SortKeyField)
	if !ok {
		return ""
	}
	s, err := v.AsString()
	if err != nil {
		return ""
	}
	return s
}

// Content returns the block content text.
func (b Block) Content() string {
	v, ok := b.Get(ContentField)
	if !ok {
		return ""
	}
	s, err := v.AsString()
	if err != nil {
		return ""
	}
	return s
}

// Task is a read-only view over an entity carrying task semantics.
type Task struct {
	*Entity
}

// AsTask wraps e as a task view.
func AsTask(e *Entity) Task { return Task{Entity: e} }

// Completed reports whether the task is done.
func (t Task) Completed() bool {
	v, ok := t.Get(CompletedField)
	if !ok {
		return false
	}
	b, err := v.AsBool()
	if err != nil {
		return false
	}
	return b
}

// Priority returns the task priority, if set.
func (t Task) Priority() (int64, bool) {
	v, ok := t.Get(PriorityField)
	if !ok || v.IsNull() {
		return 0, false
	}
	i, err := v.AsInt()
	if err != nil {
		return 0, false
	}
	return i, true
}

// DueDate returns the due instant as epoch milliseconds, if set.
func (t Task) DueDate() (int64, bool) {
	v, ok := t.Get(DueDateField)
	if !ok || v.IsNull() {
		return 0, false
	}
	i, err := v.AsInt()
	if err != nil {
		return 0, false
	}
	return i, true
}
