package vless

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Bindings maps placeholder names to their substitution values for
// RenderURLTemplate.
type Bindings map[string]string

// StandardBindings returns the placeholders every URL template can use:
// {email}, {uuid} (alias {client_id}), {sub_id} (alias {subid}), {server},
// {port}.
func StandardBindings(email, clientID, subID, server string, port int) Bindings {
	return Bindings{
		"email":     email,
		"uuid":      clientID,
		"client_id": clientID,
		"sub_id":    subID,
		"subid":     subID,
		"server":    server,
		"port":      strconv.Itoa(port),
	}
}

// WithSubURL adds the {sub_url} / {sub_url_enc} pair used by bridge-page
// templates.
func (b Bindings) WithSubURL(subURL string) Bindings {
	b["sub_url"] = subURL
	b["sub_url_enc"] = PercentEncode(subURL)
	return b
}

// With adds one placeholder plus its percent-encoded "<name>_enc" variant.
func (b Bindings) With(name, value string) Bindings {
	b[name] = value
	b[name+"_enc"] = PercentEncode(value)
	return b
}

// RenderURLTemplate substitutes {placeholder} tokens in pattern. An empty
// pattern renders to "" (the feature is disabled). Unknown placeholders left
// in the pattern are an error: a URL with unresolved tokens must never be
// handed to a user.
func RenderURLTemplate(pattern string, bindings Bindings) (string, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return "", nil
	}

	unknown := map[string]bool{}
	out := placeholderRe.ReplaceAllStringFunc(pattern, func(tok string) string {
		name := tok[1 : len(tok)-1]
		v, ok := bindings[name]
		if !ok {
			unknown[name] = true
			return tok
		}
		return v
	})
	if len(unknown) > 0 {
		names := make([]string, 0, len(unknown))
		for n := range unknown {
			names = append(names, n)
		}
		sort.Strings(names)
		return "", fmt.Errorf("url template has unresolved placeholders: %s", strings.Join(names, ", "))
	}
	return strings.TrimSpace(out), nil
}
