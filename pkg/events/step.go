package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ignatij/sagaflow/pkg/workflow"
)

// Logger receives the delivery failures of emit steps.
type Logger interface {
	Errorf(format string, args ...interface{})
}

type discard struct{}

func (discard) Errorf(string, ...interface{}) {}

// NewEmitStep returns an event step that emits eventName with the step input
// as payload. Events cannot be taken back, so the step has no compensation,
// and a delivery failure is reported to logger without failing the run. A nil
// logger drops the report.
func NewEmitStep[T any](emitter Emitter, eventName string, logger Logger) *workflow.Step[T, workflow.Void] {
	if logger == nil {
		logger = discard{}
	}
	return workflow.NewEventStep("emit-"+eventName, func(ctx context.Context, in T) error {
		payload, err := json.Marshal(in)
		if err != nil {
			logger.Errorf("Failed to encode %s event: %v", eventName, err)
			return nil
		}
		event := Event{
			Name:      eventName,
			RunID:     workflow.RunID(ctx),
			Payload:   payload,
			EmittedAt: time.Now().UTC(),
		}
		if err := emitter.Emit(ctx, event); err != nil {
			logger.Errorf("Failed to emit %s for run %s: %v", eventName, event.RunID, err)
		}
		return nil
	})
}
