package operation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightscape/holon/pkg/value"
)

// fakeProvider records executed operations and answers with a canned
// inverse.
type fakeProvider struct {
	entity   string
	executed []Operation
	inverse  *Operation
	err      error
	descs    []Descriptor
}

func (f *fakeProvider) Execute(_ context.Context, op Operation) (*Operation, error) {
	f.executed = append(f.executed, op)
	if f.err != nil {
		return nil, f.err
	}
	return f.inverse, nil
}

func (f *fakeProvider) Descriptors() []Descriptor { return f.descs }

func setCompletionDescriptor() Descriptor {
	return Descriptor{
		Entity: "tasks",
		Name:   "set_completion",
		Required: []ParamHint{
			{Name: "id", Type: value.TypeText},
			{Name: "completed", Type: value.TypeBoolean},
		},
		Affects: []string{"completed"},
	}
}

func newTasksProvider() *fakeProvider {
	return &fakeProvider{
		entity: "tasks",
		descs:  []Descriptor{setCompletionDescriptor()},
	}
}

func TestRegistryRegister(t *testing.T) {
	var r Registry

	err := r.Register("", nil)
	require.Error(t, err)

	err = r.Register("tasks", newTasksProvider())
	require.NoError(t, err)

	err = r.Register("tasks", newTasksProvider())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyRegistered))
}

func TestRegistryMustRegister(t *testing.T) {
	assert := assert.New(t)
	var r Registry

	assert.Panics(func() {
		r.MustRegister("", nil)
	})
	assert.NotPanics(func() {
		r.MustRegister("tasks", newTasksProvider())
	})
	assert.Panics(func() {
		r.MustRegister("tasks", newTasksProvider())
	})
}

func TestRegistryGet(t *testing.T) {
	assert := assert.New(t)
	var r Registry
	require.NoError(t, r.Register("tasks", newTasksProvider()))

	p, err := r.Get("tasks")
	require.NoError(t, err)
	assert.NotNil(p)

	p, err = r.Get("notes")
	require.Error(t, err)
	assert.True(errors.Is(err, ErrNotRegistered))
	assert.Nil(p)

	_, err = r.Get("")
	require.Error(t, err)
}

func TestRegistryExecute(t *testing.T) {
	var r Registry
	provider := newTasksProvider()
	provider.inverse = &Operation{
		Entity: "tasks",
		Name:   "set_completion",
		Params: value.NewEntity().
			Set("id", value.String("t1")).
			Set("completed", value.Boolean(false)),
	}
	require.NoError(t, r.Register("tasks", provider))

	op := Operation{
		Entity: "tasks",
		Name:   "set_completion",
		Params: value.NewEntity().
			Set("id", value.String("t1")).
			Set("completed", value.Boolean(true)),
	}
	inverse, err := r.Execute(context.Background(), op)
	require.NoError(t, err)
	require.NotNil(t, inverse)
	assert.Equal(t, "set_completion", inverse.Name)
	require.Len(t, provider.executed, 1)

	// missing params fail before reaching the provider
	_, err = r.Execute(context.Background(), Operation{
		Entity: "tasks",
		Name:   "set_completion",
		Params: value.NewEntity().Set("id", value.String("t1")),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingParam))
	assert.Len(t, provider.executed, 1)

	// unknown operation name
	_, err = r.Execute(context.Background(), Operation{Entity: "tasks", Name: "nope"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownOperation))

	// unregistered entity
	_, err = r.Execute(context.Background(), Operation{Entity: "notes", Name: "set_completion"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotRegistered))
}

func TestRegistryDescriptors(t *testing.T) {
	var r Registry
	require.NoError(t, r.Register("tasks", newTasksProvider()))
	notes := &fakeProvider{
		entity: "notes",
		descs: []Descriptor{{
			Entity:   "notes",
			Name:     "set_content",
			Required: []ParamHint{{Name: "id", Type: value.TypeText}, {Name: "content", Type: value.TypeText}},
		}},
	}
	require.NoError(t, r.Register("notes", notes))

	all := r.Descriptors()
	assert.Len(t, all, 2)
	assert.Len(t, r.EntityDescriptors("tasks"), 1)
	assert.Empty(t, r.EntityDescriptors("blocks"))
}

func TestFindApplicable(t *testing.T) {
	var r Registry
	provider := newTasksProvider()
	reopen := Descriptor{
		Entity:   "tasks",
		Name:     "reopen",
		Required: []ParamHint{{Name: "id", Type: value.TypeText}},
		Precondition: func(current, _ *value.Entity) bool {
			return value.AsTask(current).Completed()
		},
	}
	provider.descs = append(provider.descs, reopen)
	require.NoError(t, r.Register("tasks", provider))

	params := value.NewEntity().
		Set("id", value.String("t1")).
		Set("completed", value.Boolean(true))

	open := value.NewEntity().Set("id", value.String("t1")).Set("completed", value.Boolean(false))
	done := value.NewEntity().Set("id", value.String("t1")).Set("completed", value.Boolean(true))

	names := func(ds []Descriptor) []string {
		var out []string
		for _, d := range ds {
			out = append(out, d.Name)
		}
		return out
	}

	assert.ElementsMatch(t, []string{"set_completion"}, names(r.FindApplicable("tasks", open, params)))
	assert.ElementsMatch(t, []string{"set_completion", "reopen"}, names(r.FindApplicable("tasks", done, params)))

	// params missing a required field exclude the operation
	bare := value.NewEntity().Set("id", value.String("t1"))
	assert.ElementsMatch(t, []string{"reopen"}, names(r.FindApplicable("tasks", done, bare)))
}

func TestOperationJSONRoundTrip(t *testing.T) {
	op := Operation{
		Entity: "tasks",
		Name:   "set_completion",
		Params: value.NewEntity().
			Set("id", value.String("t1")).
			Set("completed", value.Boolean(true)),
		Inverse: &Operation{
			Entity: "tasks",
			Name:   "set_completion",
			Params: value.NewEntity().
				Set("id", value.String("t1")).
				Set("completed", value.Boolean(false)),
		},
	}
	data, err := json.Marshal(op)
	require.NoError(t, err)

	var back Operation
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, op.Entity, back.Entity)
	assert.Equal(t, op.Name, back.Name)
	assert.True(t, op.Params.Equal(back.Params))
	require.NotNil(t, back.Inverse)
	assert.True(t, op.Inverse.Params.Equal(back.Inverse.Params))
}
