package outbox

import (
	"encoding/json"
	"math"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
)

var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
}

// Sanitize reduces caller-supplied request options to the storable subset:
// string header values, a shallow copy of params and the timeout. It returns
// nil when raw is nil.
func Sanitize(raw map[string]any) *RequestOptions {
	if raw == nil {
		return nil
	}
	out := &RequestOptions{}
	if headers, ok := raw["headers"]; ok {
		out.Headers = sanitizeHeaderValue(headers)
	}
	if params, ok := raw["params"]; ok {
		out.Params = sanitizeParams(params)
	}
	if timeout, ok := raw["timeout"]; ok {
		out.TimeoutMS = timeoutMillis(timeout)
	}
	return out
}

// SanitizeHeader copies the first value of each end-to-end header.
func SanitizeHeader(h http.Header) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for key, values := range h {
		canonical := http.CanonicalHeaderKey(key)
		if _, skip := hopByHopHeaders[canonical]; skip {
			continue
		}
		if len(values) == 0 {
			continue
		}
		out[canonical] = values[0]
	}
	return out
}

func sanitizeHeaderValue(v any) map[string]string {
	switch h := v.(type) {
	case nil:
		return nil
	case map[string]string:
		out := make(map[string]string, len(h))
		for k, val := range h {
			out[k] = val
		}
		return out
	case http.Header:
		return SanitizeHeader(h)
	case map[string]any:
		out := make(map[string]string, len(h))
		for k, val := range h {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out
	default:
		return nil
	}
}

func sanitizeParams(v any) map[string]any {
	switch p := v.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(p))
		for k, val := range p {
			if storable(val) {
				out[k] = val
			}
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(p))
		for k, val := range p {
			out[k] = val
		}
		return out
	case url.Values:
		out := make(map[string]any, len(p))
		for k, vals := range p {
			if len(vals) == 1 {
				out[k] = vals[0]
				continue
			}
			out[k] = append([]string(nil), vals...)
		}
		return out
	default:
		return nil
	}
}

// storable reports whether v survives a JSON round trip.
func storable(v any) bool {
	if v == nil {
		return true
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return false
	}
	_, err := json.Marshal(v)
	return err == nil
}

func timeoutMillis(v any) int64 {
	switch t := v.(type) {
	case time.Duration:
		return t.Milliseconds()
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0
		}
		return int64(t)
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0
		}
		return n
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(t))
		if err != nil {
			return 0
		}
		return d.Milliseconds()
	default:
		return 0
	}
}

// NewIdempotencyKey returns a random v4 UUID (122 bits of entropy).
func NewIdempotencyKey() string {
	return uuid.NewString()
}

// NewOperationID returns a time-ordered v7 UUID.
func NewOperationID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
