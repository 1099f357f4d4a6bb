package fanout

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dreamware/servelane/internal/region"
)

//go:embed request.schema.json
var requestSchemaJSON string

const requestSchemaURL = "https://servelane.dreamware.dev/schemas/fanout-request.json"

var (
	requestSchema     *jsonschema.Schema
	requestSchemaErr  error
	requestSchemaOnce sync.Once
)

func compiledRequestSchema() (*jsonschema.Schema, error) {
	requestSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(requestSchemaURL, bytes.NewReader([]byte(requestSchemaJSON))); err != nil {
			requestSchemaErr = err
			return
		}
		requestSchema, requestSchemaErr = c.Compile(requestSchemaURL)
	})
	return requestSchema, requestSchemaErr
}

// Request is the wire form of a fanout submission.
type Request struct {
	Payload       map[string]any `json:"payload"`
	Type          string         `json:"type"`
	SourceRegion  string         `json:"sourceRegion,omitempty"`
	Priority      string         `json:"priority,omitempty"`
	TargetRegions []string       `json:"targetRegions,omitempty"`
}

// Event converts r to an Event.
func (r Request) Event() Event {
	return Event{
		Type:          EventType(r.Type),
		Payload:       r.Payload,
		SourceRegion:  region.ID(r.SourceRegion),
		Priority:      Priority(r.Priority),
		TargetRegions: region.ParseIDs(r.TargetRegions),
	}
}

// DecodeRequest validates body against the fanout request schema and
// returns the event it describes. Every failure wraps ErrInvalidEvent.
func DecodeRequest(body []byte) (Event, error) {
	schema, err := compiledRequestSchema()
	if err != nil {
		return Event{}, fmt.Errorf("fanout request schema: %w", err)
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return Event{}, fmt.Errorf("%w: malformed JSON: %v", ErrInvalidEvent, err)
	}
	if err := schema.Validate(doc); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	ev := req.Event()
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}
