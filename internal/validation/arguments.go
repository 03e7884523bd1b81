// Package validation checks inbound payloads against declared JSON schemas:
// tool-call arguments before a handler runs and sampling replies before a
// callback consumes them.
package validation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ArgumentsError carries every offending path of a failed validation, not
// just the first, so the caller can fix the whole payload in one round.
type ArgumentsError struct {
	// Paths are dotted field paths relative to the argument object root,
	// sorted and de-duplicated. "(root)" marks document-level problems.
	Paths []string
	// Details maps each path to a human-readable description.
	Details map[string]string
}

func (e *ArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments at %s", strings.Join(e.Paths, ", "))
}

// Arguments validates a raw JSON document against a schema value (anything
// that marshals to a JSON Schema document). A nil document validates as {}.
func Arguments(schema any, doc json.RawMessage) error {
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	if len(doc) == 0 {
		doc = json.RawMessage(`{}`)
	}
	if !json.Valid(doc) {
		return &ArgumentsError{
			Paths:   []string{"(root)"},
			Details: map[string]string{"(root)": "arguments are not valid JSON"},
		}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaBytes),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if result.Valid() {
		return nil
	}

	details := make(map[string]string, len(result.Errors()))
	for _, re := range result.Errors() {
		path := re.Field()
		if path == "" {
			path = "(root)"
		}
		if prev, ok := details[path]; ok {
			details[path] = prev + "; " + re.Description()
			continue
		}
		details[path] = re.Description()
	}
	paths := make([]string, 0, len(details))
	for p := range details {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return &ArgumentsError{Paths: paths, Details: details}
}
