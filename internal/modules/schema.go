package modules

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor generates the JSON-schema parameter spec for a tool's typed
// argument struct. Field descriptions come from `jsonschema:"description=…"`
// tags. Additional properties are rejected, matching strict tool specs.
func SchemaFor[T any]() json.RawMessage {
	reflector := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	var zero T
	schema := reflector.Reflect(&zero)
	schema.Version = "" // the wire spec carries no $schema marker

	payload, err := json.Marshal(schema)
	if err != nil {
		// Reflection only fails on unsupported types, which is a programming
		// error caught by the schema tests.
		panic(fmt.Sprintf("reflect tool schema: %v", err))
	}
	return payload
}

// EmptySchema is the parameter spec for tools that take no arguments.
func EmptySchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`)
}

// DecodeArgs strictly decodes tool arguments into a typed struct, rejecting
// unknown fields.
func DecodeArgs(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}
