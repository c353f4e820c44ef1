package fhir

import (
	"net/url"
	"strings"
)

// Reference is a parsed FHIR literal reference. Base holds everything in
// front of the resource type for absolute references, including the
// trailing slash.
type Reference struct {
	Base string
	Type string
	ID   string
}

// ParseReference parses relative ("Patient/123") and absolute
// ("https://fhir.example.org/fhir/Patient/123") literal references.
// Version ("/_history/2") and query suffixes are dropped. Contained
// ("#id"), logical and malformed references report false.
func ParseReference(ref string) (Reference, bool) {
	if ref == "" || strings.HasPrefix(ref, "#") {
		return Reference{}, false
	}
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	ref = strings.TrimSuffix(ref, "/")

	slash := strings.LastIndex(ref, "/")
	if slash <= 0 || slash == len(ref)-1 {
		return Reference{}, false
	}
	id := ref[slash+1:]
	rest := ref[:slash]
	typeStart := strings.LastIndex(rest, "/") + 1
	typ := rest[typeStart:]
	if !isResourceTypeName(typ) {
		return Reference{}, false
	}
	return Reference{Base: rest[:typeStart], Type: typ, ID: id}, true
}

func isResourceTypeName(s string) bool {
	if s == "" || s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// Key returns the "Type/id" identity of the referenced resource.
func (r Reference) Key() string {
	return FormatReference(r.Type, r.ID)
}

func (r Reference) String() string {
	return r.Base + r.Key()
}

// Points reports whether the reference targets resourceType/id.
func (r Reference) Points(resourceType, id string) bool {
	return r.Type == resourceType && r.ID == id
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}

// References returns every parseable literal reference in the resource in
// document order. Duplicates are kept.
func References(r Resource) []Reference {
	var refs []Reference
	walkReferences(map[string]any(r), func(m map[string]any) {
		if s, ok := m["reference"].(string); ok {
			if ref, ok := ParseReference(s); ok {
				refs = append(refs, ref)
			}
		}
	})
	return refs
}

// RewriteReferences replaces each literal reference value with the result
// of fn. Returning the input leaves the reference untouched.
func RewriteReferences(r Resource, fn func(ref string) string) {
	walkReferences(map[string]any(r), func(m map[string]any) {
		if s, ok := m["reference"].(string); ok {
			m["reference"] = fn(s)
		}
	})
}

// ReferenceValues returns every reference string in the resource,
// including those of contained resources and conditional references.
func ReferenceValues(r Resource) []string {
	var out []string
	walkReferences(map[string]any(r), func(m map[string]any) {
		if s, ok := m["reference"].(string); ok && s != "" {
			out = append(out, s)
		}
	})
	return out
}

// ReferenceIdentifiers returns the Identifier elements held in single-valued
// identifier members, which is how Reference.identifier carries a logical
// reference. Resource-level identifier arrays are not included.
func ReferenceIdentifiers(r Resource) []map[string]any {
	var out []map[string]any
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			for k, e := range t {
				if ident, ok := e.(map[string]any); ok && k == "identifier" {
					out = append(out, ident)
				}
				walk(e)
			}
		case []any:
			for _, e := range t {
				walk(e)
			}
		}
	}
	walk(map[string]any(r))
	return out
}

// MapConditionalIdentifiers rewrites the identifier search values of a
// conditional reference ("Patient?identifier=system|value"). fn receives
// the decoded system and value of every token and returns the replacement
// value. Other parameters and the system part are kept byte for byte. ok
// is false when ref is not a conditional reference.
func MapConditionalIdentifiers(ref string, fn func(system, value string) string) (string, bool) {
	q := strings.IndexByte(ref, '?')
	if q <= 0 {
		return ref, false
	}
	target := ref[:q]
	if !isResourceTypeName(target[strings.LastIndex(target, "/")+1:]) {
		return ref, false
	}

	params := strings.Split(ref[q+1:], "&")
	for i, param := range params {
		name, raw, found := strings.Cut(param, "=")
		if !found || strings.TrimSuffix(name, ":exact") != "identifier" {
			continue
		}
		tokens := strings.Split(raw, ",")
		for j, token := range tokens {
			rawSystem, rawValue, hasSystem := strings.Cut(token, "|")
			if !hasSystem {
				rawSystem, rawValue = "", token
			}
			system, err1 := url.QueryUnescape(rawSystem)
			value, err2 := url.QueryUnescape(rawValue)
			if err1 != nil || err2 != nil || value == "" {
				continue
			}
			replaced := url.QueryEscape(fn(system, value))
			if hasSystem {
				tokens[j] = rawSystem + "|" + replaced
			} else {
				tokens[j] = replaced
			}
		}
		params[i] = name + "=" + strings.Join(tokens, ",")
	}
	return ref[:q+1] + strings.Join(params, "&"), true
}

// walkReferences visits every object that carries a "reference" member.
// Contained resources are walked too.
func walkReferences(v any, visit func(map[string]any)) {
	switch t := v.(type) {
	case map[string]any:
		if _, ok := t["reference"]; ok {
			visit(t)
		}
		for _, e := range t {
			walkReferences(e, visit)
		}
	case Resource:
		walkReferences(map[string]any(t), visit)
	case []any:
		for _, e := range t {
			walkReferences(e, visit)
		}
	}
}

// ValuesAt evaluates a simple dotted element path ("Observation.subject",
// "Encounter.participant.individual") against the resource. Arrays are
// flattened at every step. A path whose first segment names another
// resource type yields nothing.
func ValuesAt(r Resource, path string) []any {
	segments := strings.Split(path, ".")
	if len(segments) < 2 || segments[0] != r.Type() {
		return nil
	}
	current := []any{map[string]any(r)}
	for _, seg := range segments[1:] {
		var next []any
		for _, v := range current {
			m, ok := v.(map[string]any)
			if !ok {
				continue
			}
			switch e := m[seg].(type) {
			case nil:
			case []any:
				next = append(next, e...)
			default:
				next = append(next, e)
			}
		}
		if len(next) == 0 {
			return nil
		}
		current = next
	}
	return current
}
