package reconcile

import (
	"encoding/json"
	"strings"

	"github.com/matthewmarion/workflow-service/internal/engine"
)

// EstimateProgress returns the share of the definition's top-level states
// that have exited, as a percentage. A running execution never reports 100;
// an unreadable definition reports 0.
func EstimateProgress(definition string, events []engine.HistoryEvent) int {
	var def struct {
		States map[string]json.RawMessage `json:"States"`
	}
	if err := json.Unmarshal([]byte(definition), &def); err != nil || len(def.States) == 0 {
		return 0
	}

	exited := make(map[string]struct{})
	for _, ev := range events {
		// Step Functions emits typed exits such as TaskStateExited.
		if !strings.HasSuffix(ev.Type, engine.EventStateExited) {
			continue
		}
		if _, ok := def.States[ev.StateName]; ok {
			exited[ev.StateName] = struct{}{}
		}
	}

	return min(100*len(exited)/len(def.States), 99)
}
