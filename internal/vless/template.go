// Package vless builds and clones VLESS+REALITY share links and renders the
// URL templates (subscription URLs, app deep-links) surrounding them. It never
// touches the REALITY private key: links are constructed from non-secret
// parameters of a reference link exported by an administrator.
package vless

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	apperrors "vpnonboard/internal/errors"
)

// Scheme is the only URI scheme accepted for templates.
const Scheme = "vless"

// DefaultLabel is used when a link label is empty.
const DefaultLabel = "x-ui"

// requiredFields is the minimal sufficient set for a REALITY share link.
var requiredFields = []string{"pbk", "sni", "sid"}

// Template is the non-secret parameter set extracted from a reference share
// link. Immutable once parsed; the raw query string is retained so cloning
// preserves optional parameters this code does not know about.
type Template struct {
	Server string
	Port   int
	Flow   string
	SNI    string
	SID    string
	PBK    string
	FP     string
	Type   string

	rawQuery string
}

// ParseTemplate parses a reference vless:// link into a Template. Only the
// scheme and authority are validated; absent optional query parameters are
// simply absent.
func ParseTemplate(link string) (*Template, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return nil, &apperrors.TemplateError{Reason: "template link is empty"}
	}
	u, err := url.Parse(link)
	if err != nil {
		return nil, &apperrors.TemplateError{Reason: fmt.Sprintf("unparsable link: %v", err)}
	}
	if !strings.EqualFold(u.Scheme, Scheme) {
		return nil, &apperrors.TemplateError{Reason: "template link must start with vless://"}
	}

	t := &Template{
		Server:   u.Hostname(),
		rawQuery: u.RawQuery,
	}
	if p := u.Port(); p != "" {
		t.Port, err = strconv.Atoi(p)
		if err != nil {
			return nil, &apperrors.TemplateError{Reason: fmt.Sprintf("invalid port %q", p)}
		}
	}

	q := u.Query()
	first := func(key string) string {
		return strings.TrimSpace(q.Get(key))
	}
	t.PBK = first("pbk")
	t.SNI = first("sni")
	t.SID = first("sid")
	t.FP = first("fp")
	t.Type = first("type")
	t.Flow = first("flow")
	return t, nil
}

// RawQuery returns the reference link's query string verbatim.
func (t *Template) RawQuery() string { return t.rawQuery }

// MissingRequiredFields returns which of the REALITY-required fields
// {pbk, sni, sid} the template lacks, in that order.
func (t *Template) MissingRequiredFields() []string {
	var missing []string
	values := map[string]string{"pbk": t.PBK, "sni": t.SNI, "sid": t.SID}
	for _, f := range requiredFields {
		if strings.TrimSpace(values[f]) == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

// RequireComplete fails with a TemplateError naming the missing fields, so
// link construction can be refused early with an actionable message.
func (t *Template) RequireComplete() error {
	if missing := t.MissingRequiredFields(); len(missing) > 0 {
		return &apperrors.TemplateError{Missing: missing}
	}
	return nil
}

// Clone rebuilds the share link for a new identity, preserving the template's
// query string byte-for-byte. Only the authority's identity and the display
// fragment change; optional exported parameters (spx and friends) survive.
// Empty server or zero port fall back to the template's own values.
func (t *Template) Clone(clientID, server string, port int, label string) (string, error) {
	if server == "" {
		server = t.Server
	}
	if port == 0 {
		port = t.Port
	}
	host := strings.TrimSpace(server)
	if host == "" {
		return "", &apperrors.TemplateError{Reason: "server host is empty"}
	}
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s://%s@%s:%d", Scheme, clientID, host, port)
	if t.rawQuery != "" {
		b.WriteString("?")
		b.WriteString(t.rawQuery)
	}
	b.WriteString("#")
	b.WriteString(encodeLabel(label))
	return b.String(), nil
}

// BuildParams are the explicit parameters for constructing a link without a
// reference template.
type BuildParams struct {
	Server   string
	Port     int
	ClientID string
	Label    string
	Flow     string
	SNI      string
	SID      string
	PBK      string
	FP       string
	Type     string
}

// Build constructs a share link from explicit parameters. The query order is
// fixed (encryption, flow, security, sni, fp, pbk, sid, type) and matches
// what Clone emits for a template carrying the same parameter set, so
// consumers cannot tell the construction paths apart.
func Build(p BuildParams) string {
	host := strings.TrimSpace(p.Server)
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s://%s@%s:%d?encryption=none&flow=%s&security=reality&sni=%s&fp=%s&pbk=%s&sid=%s&type=%s#%s",
		Scheme, p.ClientID, host, p.Port, p.Flow, p.SNI, p.FP, p.PBK, p.SID, p.Type, encodeLabel(p.Label))
}

// encodeLabel percent-encodes a display label for the URL fragment, exactly
// once. Empty labels fall back to DefaultLabel.
func encodeLabel(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		label = DefaultLabel
	}
	return PercentEncode(label)
}

// PercentEncode encodes every byte outside the RFC 3986 unreserved set,
// spaces included (%20, never "+").
func PercentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// LoadTemplateLink returns the reference link from a file path or a literal
// value, the file taking precedence. This mirrors how administrators export a
// link from the panel's Share dialog into a one-line file.
func LoadTemplateLink(filePath, direct string) (string, error) {
	filePath = strings.TrimSpace(filePath)
	direct = strings.TrimSpace(direct)
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("template link file: %w", err)
		}
		direct = strings.TrimSpace(string(data))
	}
	if direct == "" {
		return "", &apperrors.TemplateError{Reason: "template link is not configured (export a vless:// link from the panel's Share dialog)"}
	}
	return direct, nil
}
