// Package operation routes mutating operations to the provider
// registered for their entity and exposes operation descriptors for UI
// discovery.
package operation

import (
	"context"
	"fmt"

	"github.com/zeebo/errs"

	"github.com/nightscape/holon/pkg/value"
)

// DispatchError is the class of errors produced by operation routing.
var DispatchError = errs.Class("dispatch")

// OperationError is the class of errors produced by executing an
// operation against its provider.
var OperationError = errs.Class("operation")

// Sentinel errors surfaced through DispatchError / OperationError.
var (
	ErrAlreadyRegistered = fmt.Errorf("provider already registered")
	ErrNotRegistered     = fmt.Errorf("no provider registered")
	ErrUnknownOperation  = fmt.Errorf("unknown operation")
	ErrMissingParam      = fmt.Errorf("missing parameter")
	// ErrRejected marks a write refused by an authoritative source.
	ErrRejected = fmt.Errorf("rejected by source")
)

// Operation is a mutating command addressed at one entity type.
// Operations are values: they serialize to JSON, queue and replay.
type Operation struct {
	Entity  string        `json:"entity"`
	Name    string        `json:"name"`
	Params  *value.Entity `json:"params"`
	Inverse *Operation    `json:"inverse,omitempty"`
}

// String renders the operation for console output.
func (op Operation) String() string {
	return fmt.Sprintf("%s.%s%s", op.Entity, op.Name, op.Params)
}

// ParamHint names a required parameter and its expected type.
type ParamHint struct {
	Name string
	Type value.FieldType
}

// Predicate is a pure, cheap check evaluated against the current
// cached entity and candidate parameters.
type Predicate func(current, params *value.Entity) bool

// Descriptor is the discovery metadata of one operation.
type Descriptor struct {
	Entity   string
	Name     string
	Required []ParamHint
	// Affects names the fields the operation writes.
	Affects []string
	// Precondition, when set, gates applicability.
	Precondition Predicate
	// Trigger, when set, marks conditions under which a UI should fire
	// the operation automatically.
	Trigger Predicate
}

// MissingParams returns the required parameter names absent from
// params.
func (d Descriptor) MissingParams(params *value.Entity) []string {
	var missing []string
	for _, hint := range d.Required {
		if params == nil || !params.Has(hint.Name) {
			missing = append(missing, hint.Name)
		}
	}
	return missing
}

// Provider executes operations for one entity type. Implementations
// apply the effect to the local cache (or queue it for push) before
// returning; external acknowledgement is observed through the change
// stream, not the return value.
type Provider interface {
	Execute(ctx context.Context, op Operation) (*Operation, error)
	Descriptors() []Descriptor
}
