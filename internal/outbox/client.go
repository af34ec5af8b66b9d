package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// QueuePolicy decides whether a mutating call is stored instead of sent.
type QueuePolicy interface {
	ShouldQueue(method string) bool
}

// Request is a call made through the Client.
type Request struct {
	Method string
	URL    string
	Body   json.RawMessage
	// Options may carry "headers", "params" and "timeout"; only the storable
	// subset is kept.
	Options     map[string]any
	Header      http.Header
	MaxAttempts int
}

type ClientOptions struct {
	Store       Store
	Sender      Sender
	Policy      QueuePolicy
	Logger      *zap.Logger
	MaxAttempts int
	// QueueOnTransportError stores a mutating call whose live attempt got no
	// response, or was refused by an open circuit, reusing the key it was
	// sent with.
	QueueOnTransportError bool
	// OnQueued is called after a record is durably stored.
	OnQueued func(Operation)
	Now      func() time.Time
}

// Client sends reads live and routes mutating calls through the policy,
// storing them when the connection cannot be trusted.
type Client struct {
	store                 Store
	sender                Sender
	policy                QueuePolicy
	logger                *zap.Logger
	maxAttempts           int
	queueOnTransportError bool
	onQueued              func(Operation)
	now                   func() time.Time
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if opts.Sender == nil {
		return nil, fmt.Errorf("%w: sender is required", ErrInvalidInput)
	}
	if opts.Policy == nil {
		return nil, fmt.Errorf("%w: policy is required", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		store:                 opts.Store,
		sender:                opts.Sender,
		policy:                opts.Policy,
		logger:                logger,
		maxAttempts:           maxAttempts,
		queueOnTransportError: opts.QueueOnTransportError,
		onQueued:              opts.OnQueued,
		now:                   now,
	}, nil
}

// Do performs req. When the call is queued the returned Response has
// Queued set and StatusCode 202. If the store cannot persist a queued call
// the error wraps ErrEnqueue.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	options := Sanitize(req.Options)
	if len(req.Header) > 0 {
		if options == nil {
			options = &RequestOptions{}
		}
		if options.Headers == nil {
			options.Headers = map[string]string{}
		}
		for key, value := range SanitizeHeader(req.Header) {
			options.Headers[key] = value
		}
	}

	if IsReadMethod(req.Method) {
		return c.sender.Send(ctx, Call{Method: normalizeReadMethod(req.Method), URL: req.URL, Options: options})
	}
	method, err := NormalizeMutatingMethod(req.Method)
	if err != nil {
		return Response{}, err
	}
	key := NewIdempotencyKey()
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.maxAttempts
	}
	pending := NewOperationRequest{
		Method:         method,
		URL:            req.URL,
		Body:           req.Body,
		Options:        options,
		IdempotencyKey: key,
		MaxAttempts:    maxAttempts,
	}

	if c.policy.ShouldQueue(method) {
		return c.enqueue(ctx, pending)
	}

	resp, err := c.sender.Send(ctx, Call{
		Method:         method,
		URL:            req.URL,
		Body:           req.Body,
		Options:        options,
		IdempotencyKey: key,
	})
	if err != nil && c.queueOnTransportError && (IsTransport(err) || errors.Is(err, ErrCircuitOpen)) && ctx.Err() == nil {
		c.logger.Warn("live call failed before a response; queueing",
			zap.String("method", method),
			zap.String("url", req.URL),
			zap.Error(err),
		)
		return c.enqueue(ctx, pending)
	}
	return resp, err
}

func (c *Client) enqueue(ctx context.Context, pending NewOperationRequest) (Response, error) {
	op, err := NewOperation(pending, c.now())
	if err != nil {
		return Response{}, err
	}
	if err := c.store.Enqueue(ctx, op); err != nil {
		c.logger.Error("enqueue failed",
			zap.String("operation_id", op.ID),
			zap.String("method", op.Method),
			zap.String("url", op.URL),
			zap.Error(err),
		)
		return Response{}, fmt.Errorf("%w: %w", ErrEnqueue, err)
	}
	c.logger.Info("operation queued",
		zap.String("operation_id", op.ID),
		zap.String("method", op.Method),
		zap.String("url", op.URL),
	)
	if c.onQueued != nil {
		c.onQueued(op.Clone())
	}
	return Response{
		StatusCode:     http.StatusAccepted,
		Queued:         true,
		OperationID:    op.ID,
		IdempotencyKey: op.IdempotencyKey,
	}, nil
}

func normalizeReadMethod(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return http.MethodGet
	}
	return method
}
