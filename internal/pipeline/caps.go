package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Caps describes a media format: a media type such as "video/x-raw" plus
// structure fields. A field may hold alternatives, written {a,b}, which
// narrow to one value on intersection. A nil *Caps means any format.
//
// Caps are immutable once built; With returns a modified copy.
type Caps struct {
	mediaType string
	fields    map[string][]string
}

// NewCaps builds caps from a media type and key/value pairs
func NewCaps(mediaType string, kv ...string) *Caps {
	c := &Caps{mediaType: mediaType, fields: make(map[string][]string)}
	for i := 0; i+1 < len(kv); i += 2 {
		c.fields[kv[i]] = []string{kv[i+1]}
	}
	return c
}

// ParseCaps parses "video/x-raw, format=I420, width=(int)640". Type
// annotations in parentheses are accepted and ignored.
func ParseCaps(s string) (*Caps, error) {
	parts := splitTopLevel(s)
	if len(parts) == 0 || strings.TrimSpace(parts[0]) == "" {
		return nil, fmt.Errorf("empty caps")
	}

	mediaType := strings.TrimSpace(parts[0])
	if mediaType != "ANY" && !strings.Contains(mediaType, "/") {
		return nil, fmt.Errorf("invalid media type %q", mediaType)
	}

	c := &Caps{mediaType: mediaType, fields: make(map[string][]string)}
	for _, part := range parts[1:] {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid caps field %q", part)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if strings.HasPrefix(value, "(") {
			if end := strings.Index(value, ")"); end > 0 {
				value = strings.TrimSpace(value[end+1:])
			}
		}
		if strings.HasPrefix(value, "{") && strings.HasSuffix(value, "}") {
			var alts []string
			for _, v := range strings.Split(value[1:len(value)-1], ",") {
				if v = strings.TrimSpace(v); v != "" {
					alts = append(alts, v)
				}
			}
			if len(alts) == 0 {
				return nil, fmt.Errorf("empty value list for %q", key)
			}
			c.fields[key] = alts
			continue
		}
		c.fields[key] = []string{strings.Trim(value, `"`)}
	}
	return c, nil
}

// MustParseCaps is ParseCaps for static strings; it panics on error
func MustParseCaps(s string) *Caps {
	c, err := ParseCaps(s)
	if err != nil {
		panic(err)
	}
	return c
}

func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// MediaType returns the media type, "" for nil caps
func (c *Caps) MediaType() string {
	if c == nil {
		return ""
	}
	return c.mediaType
}

// IsAny reports whether c accepts every format
func (c *Caps) IsAny() bool {
	return c == nil || c.mediaType == "ANY"
}

// HasPrefix reports whether the media type starts with prefix
func (c *Caps) HasPrefix(prefix string) bool {
	return c != nil && strings.HasPrefix(c.mediaType, prefix)
}

// Get returns a field's value. Fields with alternatives return the first.
func (c *Caps) Get(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	v, ok := c.fields[key]
	if !ok || len(v) == 0 {
		return "", false
	}
	return v[0], true
}

// Values returns every alternative of a field
func (c *Caps) Values(key string) []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.fields[key]...)
}

// Int returns a field parsed as an integer
func (c *Caps) Int(key string) (int, bool) {
	v, ok := c.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Fixed reports whether every field holds one value
func (c *Caps) Fixed() bool {
	if c.IsAny() {
		return false
	}
	for _, v := range c.fields {
		if len(v) != 1 {
			return false
		}
	}
	return true
}

// With returns a copy of c with key set to value
func (c *Caps) With(key, value string) *Caps {
	out := c.clone()
	out.fields[key] = []string{value}
	return out
}

// Without returns a copy of c with key removed
func (c *Caps) Without(key string) *Caps {
	out := c.clone()
	delete(out.fields, key)
	return out
}

func (c *Caps) clone() *Caps {
	out := &Caps{fields: make(map[string][]string)}
	if c == nil {
		out.mediaType = "ANY"
		return out
	}
	out.mediaType = c.mediaType
	for k, v := range c.fields {
		out.fields[k] = append([]string(nil), v...)
	}
	return out
}

// Intersect returns the caps satisfying both c and o. Media types must be
// equal; fields present in both must share a value; other fields carry
// over.
func (c *Caps) Intersect(o *Caps) (*Caps, bool) {
	if c.IsAny() {
		if o == nil {
			return nil, true
		}
		return o.clone(), true
	}
	if o.IsAny() {
		return c.clone(), true
	}
	if c.mediaType != o.mediaType {
		return nil, false
	}

	out := &Caps{mediaType: c.mediaType, fields: make(map[string][]string)}
	for k, v := range c.fields {
		out.fields[k] = append([]string(nil), v...)
	}
	for k, ov := range o.fields {
		cv, ok := out.fields[k]
		if !ok {
			out.fields[k] = append([]string(nil), ov...)
			continue
		}
		common := intersectValues(cv, ov)
		if len(common) == 0 {
			return nil, false
		}
		out.fields[k] = common
	}
	return out, true
}

// CanIntersect reports whether Intersect would succeed
func (c *Caps) CanIntersect(o *Caps) bool {
	_, ok := c.Intersect(o)
	return ok
}

// Equal reports whether both caps describe the same format
func (c *Caps) Equal(o *Caps) bool {
	if c.IsAny() || o.IsAny() {
		return c.IsAny() == o.IsAny()
	}
	return c.String() == o.String()
}

func intersectValues(a, b []string) []string {
	var out []string
	for _, x := range a {
		for _, y := range b {
			if x == y {
				out = append(out, x)
				break
			}
		}
	}
	return out
}

// String renders caps in the form accepted by ParseCaps
func (c *Caps) String() string {
	if c.IsAny() {
		return "ANY"
	}
	keys := make([]string, 0, len(c.fields))
	for k := range c.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(c.mediaType)
	for _, k := range keys {
		v := c.fields[k]
		sb.WriteString(", ")
		sb.WriteString(k)
		sb.WriteByte('=')
		if len(v) == 1 {
			sb.WriteString(v[0])
		} else {
			sb.WriteString("{" + strings.Join(v, ",") + "}")
		}
	}
	return sb.String()
}
