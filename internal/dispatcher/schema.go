package dispatcher

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// paramSchemas lists the commands whose params are validated. Unknown
// fields are always allowed; frontends send many we ignore.
var paramSchemas = map[Method]string{
	MethodEvaluate: `{
		"type": "object",
		"required": ["expression"],
		"properties": {
			"expression": {"type": "string"},
			"objectGroup": {"type": "string"},
			"throwOnSideEffect": {"type": "boolean"}
		}
	}`,
	MethodCallFunctionOn: `{
		"type": "object",
		"required": ["objectId", "functionDeclaration"],
		"properties": {
			"objectId": {"type": "string"},
			"functionDeclaration": {"type": "string"},
			"arguments": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"objectId": {"type": "string"},
						"unserializableValue": {"type": "string"}
					}
				}
			}
		}
	}`,
	MethodGetProperties: `{
		"type": "object",
		"required": ["objectId"],
		"properties": {"objectId": {"type": "string"}}
	}`,
	MethodGetExceptionDetails: `{
		"type": "object",
		"required": ["errorObjectId"],
		"properties": {"errorObjectId": {"type": "string"}}
	}`,
	MethodReleaseObjectGroup: `{
		"type": "object",
		"properties": {"objectGroup": {"type": "string"}}
	}`,
	MethodReleaseObject: `{
		"type": "object",
		"required": ["objectId"],
		"properties": {"objectId": {"type": "string"}}
	}`,
}

func compileSchemas() ([methodCount]*jsonschema.Schema, error) {
	var out [methodCount]*jsonschema.Schema
	c := jsonschema.NewCompiler()
	for m, src := range paramSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return out, fmt.Errorf("unmarshal %s schema: %w", m, err)
		}
		url := m.String() + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return out, fmt.Errorf("add %s schema: %w", m, err)
		}
		if out[m], err = c.Compile(url); err != nil {
			return out, fmt.Errorf("compile %s schema: %w", m, err)
		}
	}
	return out, nil
}

// validate checks raw params against the method's schema. Absent params
// validate as an empty object.
func validate(schema *jsonschema.Schema, raw []byte) error {
	if schema == nil {
		return nil
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return invalidParams("%v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return invalidParams("%s", firstLine(err.Error()))
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
