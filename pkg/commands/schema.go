package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// sendOptionsSchema validates structured send payloads before decoding:
// content must be a string, files a sequence of references, embeds a
// sequence of objects, and at least one of content or files must be set.
const sendOptionsSchema = `{
	"type": "object",
	"properties": {
		"content": {"type": "string"},
		"files":   {"type": "array", "items": {"type": "string"}, "minItems": 1},
		"embeds":  {"type": "array", "items": {"type": "object"}}
	},
	"anyOf": [
		{"required": ["content"]},
		{"required": ["files"]}
	]
}`

var sendSchema = compileSendSchema()

func compileSendSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(sendOptionsSchema))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("send-options.json", doc); err != nil {
		panic(err)
	}
	return c.MustCompile("send-options.json")
}

type sendOptions struct {
	Content string           `json:"content"`
	Files   []string         `json:"files"`
	Embeds  []map[string]any `json:"embeds"`
}

// validateSendOptions parses and schema-checks a structured send value.
func validateSendOptions(raw string) (SendPayload, error) {
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return SendPayload{}, fmt.Errorf("invalid message options: %w", err)
	}
	if err := sendSchema.Validate(inst); err != nil {
		return SendPayload{}, fmt.Errorf("invalid message options: %w", err)
	}
	var opts sendOptions
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return SendPayload{}, fmt.Errorf("invalid message options: %w", err)
	}
	if opts.Content == "" && len(opts.Files) == 0 {
		return SendPayload{}, fmt.Errorf("message options need content or files")
	}
	return SendPayload{Content: opts.Content, Files: opts.Files, Embeds: opts.Embeds}, nil
}
