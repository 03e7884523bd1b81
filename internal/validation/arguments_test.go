package validation_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/systempromptio/systemprompt-mcp-server/internal/validation"
)

var postSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"subreddit": map[string]any{"type": "string"},
		"limit":     map[string]any{"type": "integer", "minimum": 1, "maximum": 100},
	},
	"required":             []string{"subreddit"},
	"additionalProperties": false,
}

func TestArgumentsValid(t *testing.T) {
	doc := json.RawMessage(`{"subreddit":"golang","limit":10}`)
	if err := validation.Arguments(postSchema, doc); err != nil {
		t.Fatalf("Arguments() = %v", err)
	}
}

func TestArgumentsNilDocumentChecksRequired(t *testing.T) {
	err := validation.Arguments(postSchema, nil)
	var argErr *validation.ArgumentsError
	if !errors.As(err, &argErr) {
		t.Fatalf("want ArgumentsError, got %v", err)
	}
	if want, got := 1, len(argErr.Paths); want != got {
		t.Fatalf("paths: want %d, got %v", want, argErr.Paths)
	}
}

func TestArgumentsNamesEveryOffendingPath(t *testing.T) {
	// Two fields are wrongly typed; both must be named.
	doc := json.RawMessage(`{"subreddit":42,"limit":"ten"}`)
	err := validation.Arguments(postSchema, doc)
	var argErr *validation.ArgumentsError
	if !errors.As(err, &argErr) {
		t.Fatalf("want ArgumentsError, got %v", err)
	}
	if len(argErr.Paths) < 2 {
		t.Fatalf("want both offending paths reported, got %v", argErr.Paths)
	}
	seen := map[string]bool{}
	for _, p := range argErr.Paths {
		seen[p] = true
	}
	if !seen["subreddit"] || !seen["limit"] {
		t.Fatalf("want subreddit and limit named, got %v", argErr.Paths)
	}
	for _, p := range argErr.Paths {
		if argErr.Details[p] == "" {
			t.Fatalf("path %q has no description", p)
		}
	}
}

func TestArgumentsMalformedJSON(t *testing.T) {
	err := validation.Arguments(postSchema, json.RawMessage(`{"subreddit":`))
	var argErr *validation.ArgumentsError
	if !errors.As(err, &argErr) {
		t.Fatalf("want ArgumentsError, got %v", err)
	}
	if want, got := "(root)", argErr.Paths[0]; want != got {
		t.Fatalf("path: want %q, got %q", want, got)
	}
}
