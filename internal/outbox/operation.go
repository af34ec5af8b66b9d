package outbox

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultMaxAttempts = 5

	StatusPending = "pending"
	StatusFailed  = "failed"
)

// RequestOptions is the storable subset of a caller's request options.
type RequestOptions struct {
	Headers   map[string]string `json:"headers,omitempty"`
	Params    map[string]any    `json:"params,omitempty"`
	TimeoutMS int64             `json:"timeoutMs,omitempty"`
}

// Timeout returns the per-attempt timeout, or zero when none was captured.
func (o *RequestOptions) Timeout() time.Duration {
	if o == nil || o.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(o.TimeoutMS) * time.Millisecond
}

func (o *RequestOptions) clone() *RequestOptions {
	if o == nil {
		return nil
	}
	out := &RequestOptions{TimeoutMS: o.TimeoutMS}
	if o.Headers != nil {
		out.Headers = make(map[string]string, len(o.Headers))
		for k, v := range o.Headers {
			out.Headers[k] = v
		}
	}
	if o.Params != nil {
		out.Params = make(map[string]any, len(o.Params))
		for k, v := range o.Params {
			out.Params[k] = v
		}
	}
	return out
}

// Operation is one queued mutating request. It is the only durable state of the outbox.
type Operation struct {
	ID             string          `json:"id"`
	Method         string          `json:"method"`
	URL            string          `json:"url"`
	Body           json.RawMessage `json:"body,omitempty"`
	Options        *RequestOptions `json:"requestOptions,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"maxAttempts"`
	CreatedAt      time.Time       `json:"createdAt"`
	NextAttemptAt  time.Time       `json:"nextAttemptAt"`
	LastError      string          `json:"lastError,omitempty"`
	Status         string          `json:"status"`
	FailedAt       *time.Time      `json:"failedAt,omitempty"`
	ClaimedBy      string          `json:"claimedBy,omitempty"`
	ClaimExpiresAt *time.Time      `json:"claimExpiresAt,omitempty"`
}

// NewOperationRequest describes a mutating call to be persisted.
type NewOperationRequest struct {
	Method         string
	URL            string
	Body           json.RawMessage
	Options        *RequestOptions
	IdempotencyKey string
	MaxAttempts    int
}

// NewOperation builds a pending operation with a fresh id and, unless one is
// supplied, a fresh idempotency key.
func NewOperation(req NewOperationRequest, now time.Time) (Operation, error) {
	method, err := NormalizeMutatingMethod(req.Method)
	if err != nil {
		return Operation{}, err
	}
	url := strings.TrimSpace(req.URL)
	if url == "" {
		return Operation{}, fmt.Errorf("%w: url is required", ErrInvalidInput)
	}
	if len(req.Body) > 0 && !json.Valid(req.Body) {
		return Operation{}, fmt.Errorf("%w: body must be valid JSON", ErrInvalidInput)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = NewIdempotencyKey()
	}
	id, err := NewOperationID()
	if err != nil {
		return Operation{}, err
	}
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	return Operation{
		ID:             id,
		Method:         method,
		URL:            url,
		Body:           cloneRaw(req.Body),
		Options:        req.Options.clone(),
		IdempotencyKey: key,
		Attempts:       0,
		MaxAttempts:    maxAttempts,
		CreatedAt:      now,
		NextAttemptAt:  now,
		Status:         StatusPending,
	}, nil
}

// Validate checks the invariants every stored record must satisfy.
func (op Operation) Validate() error {
	if strings.TrimSpace(op.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	if _, err := NormalizeMutatingMethod(op.Method); err != nil {
		return err
	}
	if strings.TrimSpace(op.URL) == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidInput)
	}
	if strings.TrimSpace(op.IdempotencyKey) == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidInput)
	}
	if op.IdempotencyKey == op.ID {
		return fmt.Errorf("%w: idempotency key must differ from id", ErrInvalidInput)
	}
	if op.MaxAttempts <= 0 {
		return fmt.Errorf("%w: maxAttempts must be positive", ErrInvalidInput)
	}
	if op.Attempts < 0 || op.Attempts > op.MaxAttempts {
		return fmt.Errorf("%w: attempts %d outside [0,%d]", ErrInvalidInput, op.Attempts, op.MaxAttempts)
	}
	return nil
}

// Terminal reports whether the record is retained only for operator action.
func (op Operation) Terminal() bool {
	return op.Status == StatusFailed
}

// Due reports whether the replayer may attempt the record at now.
func (op Operation) Due(now time.Time) bool {
	if op.Terminal() {
		return false
	}
	return !op.NextAttemptAt.After(now)
}

// Clone returns a deep copy so callers never share maps with a store.
func (op Operation) Clone() Operation {
	out := op
	out.Body = cloneRaw(op.Body)
	out.Options = op.Options.clone()
	if op.FailedAt != nil {
		t := *op.FailedAt
		out.FailedAt = &t
	}
	if op.ClaimExpiresAt != nil {
		t := *op.ClaimExpiresAt
		out.ClaimExpiresAt = &t
	}
	return out
}

func (op Operation) withoutClaim() Operation {
	op.ClaimedBy = ""
	op.ClaimExpiresAt = nil
	return op
}

// claimable reports whether the record may be leased at now. An unexpired
// lease excludes every caller, its own owner included.
func (op Operation) claimable(now time.Time) bool {
	if op.ClaimedBy == "" {
		return true
	}
	return op.ClaimExpiresAt == nil || !op.ClaimExpiresAt.After(now)
}

// NormalizeMutatingMethod upper-cases method and rejects anything that is not
// POST, PATCH, PUT or DELETE.
func NormalizeMutatingMethod(method string) (string, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	switch method {
	case http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete:
		return method, nil
	case http.MethodGet, http.MethodHead, http.MethodOptions, "":
		return "", fmt.Errorf("%w: %q", ErrReadMethod, method)
	default:
		return "", fmt.Errorf("%w: unsupported method %q", ErrInvalidInput, method)
	}
}

// IsReadMethod reports whether method is a read that must never be queued.
func IsReadMethod(method string) bool {
	switch strings.ToUpper(strings.TrimSpace(method)) {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, "":
		return true
	}
	return false
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
