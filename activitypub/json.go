package activitypub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed marks a payload that is not a structurally valid activity.
var ErrMalformed = errors.New("malformed activity")

// JSON is a decoded JSON-LD document.
type JSON map[string]any

func ParseJSON(raw []byte) (JSON, error) {
	var j JSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if j == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}
	return j, nil
}

// ParseActivity decodes raw and checks the fields every activity must carry.
func ParseActivity(raw []byte) (JSON, error) {
	j, err := ParseJSON(raw)
	if err != nil {
		return nil, err
	}
	switch {
	case j.ID() == "":
		return nil, fmt.Errorf("%w: missing id", ErrMalformed)
	case j.Type() == "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	case j.Ref("actor") == "":
		return nil, fmt.Errorf("%w: missing actor", ErrMalformed)
	}
	return j, nil
}

func (j JSON) String(key string) string {
	s, _ := j[key].(string)
	return s
}

func (j JSON) ID() string {
	return j.String("id")
}

// Type returns the type, taking the first entry when several are listed.
func (j JSON) Type() string {
	switch v := j["type"].(type) {
	case string:
		return v
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				return s
			}
		}
	}
	return ""
}

// Ref returns the IRI under key, whether given bare or as an embedded object's id.
func (j JSON) Ref(key string) string {
	switch v := j[key].(type) {
	case string:
		return v
	case map[string]any:
		return JSON(v).ID()
	case JSON:
		return v.ID()
	case []any:
		if len(v) == 1 {
			return JSON{key: v[0]}.Ref(key)
		}
	}
	return ""
}

// Object returns the document embedded under key, or nil when it is absent or a bare IRI.
func (j JSON) Object(key string) JSON {
	switch m := j[key].(type) {
	case map[string]any:
		return JSON(m)
	case JSON:
		return m
	}
	return nil
}

// Refs returns every IRI under key, flattening arrays and embedded objects.
func (j JSON) Refs(key string) []string {
	var out []string
	switch v := j[key].(type) {
	case string:
		out = append(out, v)
	case map[string]any:
		if id := JSON(v).ID(); id != "" {
			out = append(out, id)
		}
	case JSON:
		if id := v.ID(); id != "" {
			out = append(out, id)
		}
	case []any:
		for _, e := range v {
			if r := (JSON{key: e}).Ref(key); r != "" {
				out = append(out, r)
			}
		}
	}
	return out
}

// Time parses an RFC 3339 timestamp under key.
func (j JSON) Time(key string) *time.Time {
	s := j.String(key)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func (j JSON) Bytes() []byte {
	b, _ := json.Marshal(j)
	return b
}

// WithoutContext returns a shallow copy fit for embedding in another document.
func (j JSON) WithoutContext() JSON {
	out := make(JSON, len(j))
	for k, v := range j {
		if k != "@context" {
			out[k] = v
		}
	}
	return out
}

// WithContext returns a shallow copy carrying the ActivityStreams context.
func (j JSON) WithContext() JSON {
	out := make(JSON, len(j)+1)
	for k, v := range j {
		out[k] = v
	}
	if _, ok := out["@context"]; !ok {
		out["@context"] = Context
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
