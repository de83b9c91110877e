package syncer

import (
	"fmt"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"sigs.k8s.io/yaml"

	"github.com/nightscape/holon/pkg/cprint"
	"github.com/nightscape/holon/pkg/source"
	"github.com/nightscape/holon/pkg/stream"
	"github.com/nightscape/holon/pkg/value"
)

// printDeltas writes one colored line per applied delta.
func printDeltas(deltas []source.Delta) {
	for _, d := range deltas {
		switch d.Kind {
		case stream.Created:
			cprint.CreatePrintln("creating", d.Relation, d.ID)
		case stream.Updated:
			cprint.UpdatePrintln("updating", d.Relation, d.ID)
		case stream.Deleted:
			cprint.DeletePrintln("deleting", d.Relation, d.ID)
		}
	}
}

// DiffString renders a unified diff between two row images, for
// console output of updates.
func DiffString(old, new *value.Entity) (string, error) {
	oldText, err := entityYAML(old)
	if err != nil {
		return "", err
	}
	newText, err := entityYAML(new)
	if err != nil {
		return "", err
	}
	edits := myers.ComputeEdits(span.URIFromPath("old"), oldText, newText)
	diff := fmt.Sprint(gotextdiff.ToUnified("old", "new", oldText, edits))
	return diff, nil
}

func entityYAML(e *value.Entity) (string, error) {
	if e == nil {
		return "", nil
	}
	jsonBytes, err := e.MarshalJSON()
	if err != nil {
		return "", err
	}
	yamlBytes, err := yaml.JSONToYAML(jsonBytes)
	if err != nil {
		return "", err
	}
	return string(yamlBytes), nil
}
