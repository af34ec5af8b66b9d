package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"

	defaultSendTimeout  = 15 * time.Second
	maxErrorPayloadSize = 64 << 10
)

// Call is the shape of an outbound request, identical whether it is issued
// live or replayed from the store.
type Call struct {
	Method         string
	URL            string
	Body           json.RawMessage
	Options        *RequestOptions
	IdempotencyKey string
}

// Call returns the outbound request a stored record replays.
func (op Operation) Call() Call {
	return Call{
		Method:         op.Method,
		URL:            op.URL,
		Body:           op.Body,
		Options:        op.Options,
		IdempotencyKey: op.IdempotencyKey,
	}
}

// Response is either a delivered HTTP response or, when Queued is set, the
// acknowledgement that the call was stored for later delivery.
type Response struct {
	StatusCode int         `json:"statusCode,omitempty"`
	Header     http.Header `json:"-"`
	Body       []byte      `json:"-"`

	Queued         bool   `json:"queued"`
	OperationID    string `json:"operationId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Sender performs one outbound attempt. A non-2xx response is returned as an
// *HTTPError; a failure before any response as a *TransportError.
type Sender interface {
	Send(ctx context.Context, call Call) (Response, error)
}

// Breaker guards outbound calls. *gobreaker.CircuitBreaker satisfies it.
type Breaker interface {
	Execute(req func() (interface{}, error)) (interface{}, error)
}

// TransportError reports that no response was received.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err means the request never got a response.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// HTTPSender issues calls against a base URL. It makes exactly one attempt
// per call; retries belong to the replayer.
type HTTPSender struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    Breaker
}

type HTTPSenderOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Breaker    Breaker
}

func NewHTTPSender(opts HTTPSenderOptions) *HTTPSender {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultSendTimeout}
	}
	return &HTTPSender{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		breaker:    opts.Breaker,
	}
}

func (s *HTTPSender) BaseURL() string {
	return s.baseURL
}

func (s *HTTPSender) Send(ctx context.Context, call Call) (Response, error) {
	if s.breaker == nil {
		return s.send(ctx, call)
	}
	var resp Response
	_, err := s.breaker.Execute(func() (interface{}, error) {
		var sendErr error
		resp, sendErr = s.send(ctx, call)
		return nil, sendErr
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return resp, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	if err != nil {
		var httpErr *HTTPError
		if !errors.As(err, &httpErr) && !IsTransport(err) {
			err = &TransportError{Err: err}
		}
		return resp, err
	}
	return resp, nil
}

func (s *HTTPSender) send(ctx context.Context, call Call) (Response, error) {
	if timeout := call.Options.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	target, err := s.resolve(call)
	if err != nil {
		return Response{}, err
	}
	var bodyReader io.Reader
	if len(call.Body) > 0 {
		bodyReader = bytes.NewReader(call.Body)
	}
	req, err := http.NewRequestWithContext(ctx, call.Method, target, bodyReader)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	req.Header.Set("X-Correlation-Id", correlationID())
	if len(call.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if call.Options != nil {
		for key, value := range call.Options.Headers {
			req.Header.Set(key, value)
		}
	}
	if call.IdempotencyKey != "" {
		req.Header.Set(IdempotencyKeyHeader, call.IdempotencyKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Response{}, &TransportError{Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return Response{}, &TransportError{Err: readErr}
	}
	out := Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: payload}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return out, nil
	}
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if len(payload) <= maxErrorPayloadSize {
		_ = json.Unmarshal(payload, &errPayload)
	}
	return out, &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}

func (s *HTTPSender) resolve(call Call) (string, error) {
	raw := strings.TrimSpace(call.URL)
	if raw == "" {
		return "", fmt.Errorf("%w: url is required", ErrInvalidInput)
	}
	var target *url.URL
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		parsed, err := url.Parse(raw)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		target = parsed
	} else {
		if !strings.HasPrefix(raw, "/") {
			raw = "/" + raw
		}
		parsed, err := url.Parse(s.baseURL + raw)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		target = parsed
	}
	if call.Options != nil && len(call.Options.Params) > 0 {
		query := target.Query()
		keys := make([]string, 0, len(call.Options.Params))
		for key := range call.Options.Params {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			for _, v := range paramValues(call.Options.Params[key]) {
				query.Add(key, v)
			}
		}
		target.RawQuery = query.Encode()
	}
	return target.String(), nil
}

func paramValues(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, paramValues(item)...)
		}
		return out
	case fmt.Stringer:
		return []string{t.String()}
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		return []string{strings.Trim(string(raw), `"`)}
	}
}

func correlationID() string {
	return fmt.Sprintf("outbox_%d", time.Now().UnixNano())
}
