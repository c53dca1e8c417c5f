package analysis

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// replySchema is the JSON shape a model reply must have before it is
// decoded into result types.
type replySchema struct {
	name   string
	schema *jsonschema.Schema
}

func mustReplySchema(name, source string) *replySchema {
	return &replySchema{
		name:   name,
		schema: jsonschema.MustCompileString("omnimap://analysis/"+name+".json", source),
	}
}

var frameSchema = mustReplySchema("frames", `{
	"type": "object",
	"required": ["frames"],
	"properties": {
		"frames": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"timecode": {"type": "string"},
					"texts": {"type": "array", "items": {"type": "string"}},
					"placeMentions": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`)

var candidateSchema = mustReplySchema("candidates", `{
	"type": "object",
	"required": ["candidates"],
	"properties": {
		"candidates": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string"},
					"rationale": {"type": "string"}
				}
			}
		}
	}
}`)

// check reports whether content is JSON matching the schema.
func (s *replySchema) check(content []byte) error {
	var doc any
	if err := json.Unmarshal(content, &doc); err != nil {
		return fmt.Errorf("model reply for %s is not JSON: %w", s.name, err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return fmt.Errorf("model reply does not match %s schema: %w", s.name, err)
	}
	return nil
}
