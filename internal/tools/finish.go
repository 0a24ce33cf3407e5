package tools

import "context"

const (
	finishName        = "finish"
	finishDescription = "Signal that task management for this batch is complete. Takes no arguments and changes no state."

	finishSchema = `{
		"type": "object",
		"properties": {},
		"additionalProperties": false
	}`
)

func applyFinish(_ context.Context, _ *Invocation, _ map[string]any) (*Outcome, error) {
	return &Outcome{
		Summary: "finish",
		Finish:  true,
	}, nil
}
