package planner

import (
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/margo-ai/margo/pkg/document"
)

// TaskListSchemaJSON reflects the wire task-list type into the JSON schema
// embedded in the user prompt. Additional properties are forbidden so the
// model cannot smuggle fields past validation.
func TaskListSchemaJSON() (string, error) {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(&document.TaskList{})

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
