package xui

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// Inbound is one listening configuration row of the panel. The panel owns the
// row; we only read it and rewrite its settings JSON.
type Inbound struct {
	ID   int
	Port int
	Tag  string

	// settings is the decoded settings JSON. The clients array is kept as
	// raw maps so fields this tool does not know about survive a rewrite.
	settings map[string]any
	// stream is the decoded stream/transport settings JSON (may be empty).
	stream map[string]any
}

// Client is one provisioned identity inside an inbound's client list. This is
// a read/write view; entries in the stored JSON may carry additional fields
// that are preserved verbatim.
type Client struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Flow  string `json:"flow,omitempty"`
	SubID string `json:"subId,omitempty"`
}

// Selector picks an inbound by exactly one of id, port, or tag.
type Selector struct {
	ID   *int
	Port *int
	Tag  *string
}

// SelectByID returns a selector for a numeric inbound id.
func SelectByID(id int) Selector { return Selector{ID: &id} }

// SelectByPort returns a selector for an inbound's listen port.
func SelectByPort(port int) Selector { return Selector{Port: &port} }

// SelectByTag returns a selector for an inbound's tag.
func SelectByTag(tag string) Selector { return Selector{Tag: &tag} }

func (s Selector) valid() bool {
	return s.ID != nil || s.Port != nil || s.Tag != nil
}

// Stream returns the decoded stream settings JSON (never nil).
func (i *Inbound) Stream() map[string]any {
	if i.stream == nil {
		return map[string]any{}
	}
	return i.stream
}

// RealitySettings digs the REALITY block out of the stream settings,
// tolerating the nesting variants different forks use.
func (i *Inbound) RealitySettings() (map[string]any, bool) {
	st := i.Stream()
	for _, key := range []string{"realitySettings", "reality_settings"} {
		if r, ok := st[key].(map[string]any); ok {
			return r, true
		}
	}
	if sec, ok := st["securitySettings"].(map[string]any); ok {
		if r, ok := sec["realitySettings"].(map[string]any); ok {
			return r, true
		}
	}
	return nil, false
}

// clientFromEntry decodes one raw clients-array entry into a Client view.
func clientFromEntry(entry any) (Client, bool) {
	m, ok := entry.(map[string]any)
	if !ok {
		return Client{}, false
	}
	c := Client{
		ID:    stringField(m, "id"),
		Email: stringField(m, "email"),
		Flow:  stringField(m, "flow"),
		SubID: stringField(m, "subId"),
	}
	return c, true
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// NormalizeUUID canonicalizes a UUID to lowercase-hyphenated form, or returns
// "" if the input is not a UUID.
func NormalizeUUID(s string) string {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return u.String()
}

// compactJSON marshals settings the way they are stored: compact, no
// indentation, suitable for a single TEXT column.
func compactJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
