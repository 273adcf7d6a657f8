package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"strings"
)

// Fields is a webhook body flattened to string values.
type Fields map[string]string

// Get returns the first non-empty value among keys.
func (f Fields) Get(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(f[k]); v != "" {
			return v
		}
	}
	return ""
}

// Normalize flattens a JSON or form-urlencoded body. Nested JSON values are
// kept as their raw JSON text, which is how the gateway's Data field arrives
// in form bodies anyway.
func Normalize(contentType string, body []byte) (Fields, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	trimmed := bytes.TrimSpace(body)

	if mediaType == "application/json" || (mediaType == "" && len(trimmed) > 0 && trimmed[0] == '{') {
		return normalizeJSON(trimmed)
	}
	return normalizeForm(trimmed)
}

func normalizeJSON(body []byte) (Fields, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	fields := make(Fields, len(raw))
	for k, v := range raw {
		v = bytes.TrimSpace(v)
		switch {
		case len(v) == 0, bytes.Equal(v, []byte("null")):
			fields[k] = ""
		case v[0] == '"':
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return nil, fmt.Errorf("%w: field %s: %w", ErrMalformedPayload, k, err)
			}
			fields[k] = s
		default:
			fields[k] = string(v)
		}
	}
	return fields, nil
}

func normalizeForm(body []byte) (Fields, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	fields := make(Fields, len(values))
	for k, v := range values {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}
	return fields, nil
}
