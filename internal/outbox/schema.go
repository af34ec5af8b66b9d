package outbox

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	operationSchemaURL      = "https://schemas.coesco.local/outbox/operation.schema.json"
	enqueueRequestSchemaURL = "https://schemas.coesco.local/outbox/enqueue_request.schema.json"
)

var (
	schemaOnce       sync.Once
	schemaErr        error
	operationSchema  *jsonschema.Schema
	enqueueReqSchema *jsonschema.Schema
)

func loadSchemas() error {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		for url, name := range map[string]string{
			operationSchemaURL:      "schemas/operation.schema.json",
			enqueueRequestSchemaURL: "schemas/enqueue_request.schema.json",
		} {
			raw, err := schemaFS.ReadFile(name)
			if err != nil {
				schemaErr = err
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
			if err != nil {
				schemaErr = fmt.Errorf("parse %s: %w", name, err)
				return
			}
			if err := c.AddResource(url, doc); err != nil {
				schemaErr = err
				return
			}
		}
		operationSchema, schemaErr = c.Compile(operationSchemaURL)
		if schemaErr != nil {
			return
		}
		enqueueReqSchema, schemaErr = c.Compile(enqueueRequestSchemaURL)
	})
	return schemaErr
}

func validateAgainst(sch func() *jsonschema.Schema, data []byte) error {
	if err := loadSchemas(); err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := sch().Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// DecodeOperation parses a persisted record and rejects anything that does not
// match the stored record shape.
func DecodeOperation(data []byte) (Operation, error) {
	if err := validateAgainst(func() *jsonschema.Schema { return operationSchema }, data); err != nil {
		return Operation{}, err
	}
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return Operation{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if op.Status == "" {
		op.Status = StatusPending
	}
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// EncodeOperation is the inverse of DecodeOperation.
func EncodeOperation(op Operation) ([]byte, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(op)
}

// EnqueueRequest is the wire form accepted by the daemon's enqueue endpoint.
type EnqueueRequest struct {
	Method         string          `json:"method"`
	URL            string          `json:"url"`
	Body           json.RawMessage `json:"body,omitempty"`
	RequestOptions map[string]any  `json:"requestOptions,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	MaxAttempts    int             `json:"maxAttempts,omitempty"`
}

// DecodeEnqueueRequest validates and parses an enqueue request body.
func DecodeEnqueueRequest(data []byte) (EnqueueRequest, error) {
	if err := validateAgainst(func() *jsonschema.Schema { return enqueueReqSchema }, data); err != nil {
		return EnqueueRequest{}, err
	}
	var req EnqueueRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return EnqueueRequest{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return req, nil
}
