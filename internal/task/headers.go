package task

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
)

// Headers maps a header name to one or more values. In JSON a single value is
// written as a string and several values as an array; both forms are accepted.
type Headers map[string][]string

func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Set replaces the values for name
func (h Headers) Set(name string, values ...string) {
	h[name] = values
}

// HTTP converts the headers into a net/http header set
func (h Headers) HTTP() http.Header {
	out := make(http.Header, len(h))
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			out.Add(k, v)
		}
	}
	return out
}

// FromHTTP copies a net/http header set
func FromHTTP(src http.Header) Headers {
	if src == nil {
		return nil
	}
	out := make(Headers, len(src))
	for k, v := range src {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func (h Headers) MarshalJSON() ([]byte, error) {
	if h == nil {
		return []byte("null"), nil
	}
	raw := make(map[string]any, len(h))
	for k, v := range h {
		if len(v) == 1 {
			raw[k] = v[0]
		} else {
			raw[k] = v
		}
	}
	return json.Marshal(raw)
}

func (h *Headers) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*h = nil
		return nil
	}
	out := make(Headers, len(raw))
	for k, v := range raw {
		var single string
		if err := json.Unmarshal(v, &single); err == nil {
			out[k] = []string{single}
			continue
		}
		var many []string
		if err := json.Unmarshal(v, &many); err != nil {
			return fmt.Errorf("header %q must be a string or an array of strings", k)
		}
		out[k] = many
	}
	*h = out
	return nil
}
