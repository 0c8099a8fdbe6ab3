package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/go-swarm/internal/persistence"
)

// Schemas validates task payloads per task type. Types without a schema are
// accepted as-is.
type Schemas struct {
	byType map[string]*jsonschema.Schema
}

// CompileSchemas compiles one JSON Schema document per task type.
func CompileSchemas(docs map[string][]byte) (*Schemas, error) {
	s := &Schemas{byType: make(map[string]*jsonschema.Schema, len(docs))}
	c := jsonschema.NewCompiler()
	types := make([]string, 0, len(docs))
	for taskType := range docs {
		types = append(types, taskType)
	}
	sort.Strings(types)

	for _, taskType := range types {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(docs[taskType]))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema for task type %q: %w", taskType, err)
		}
		loc := "mem://payload/" + url.PathEscape(taskType) + ".json"
		if err := c.AddResource(loc, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %q: %w", taskType, err)
		}
		compiled, err := c.Compile(loc)
		if err != nil {
			return nil, fmt.Errorf("compile schema for task type %q: %w", taskType, err)
		}
		s.byType[taskType] = compiled
	}
	return s, nil
}

// LoadSchemas reads schema files keyed by task type.
func LoadSchemas(paths map[string]string) (*Schemas, error) {
	docs := make(map[string][]byte, len(paths))
	for taskType, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema for task type %q: %w", taskType, err)
		}
		docs[taskType] = raw
	}
	return CompileSchemas(docs)
}

// Types lists the task types that carry a schema.
func (s *Schemas) Types() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.byType))
	for t := range s.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate checks data against the schema registered for taskType.
func (s *Schemas) Validate(taskType string, data map[string]any) error {
	if s == nil {
		return nil
	}
	schema, ok := s.byType[taskType]
	if !ok {
		return nil
	}
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("%w: encode payload: %v", persistence.ErrInvalidPayload, err)
	}
	// The validator wants json.Number rather than float64.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("%w: decode payload: %v", persistence.ErrInvalidPayload, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: task type %q: %v", persistence.ErrInvalidPayload, taskType, err)
	}
	return nil
}
