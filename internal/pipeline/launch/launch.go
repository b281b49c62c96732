// Package launch parses textual pipeline descriptions such as
//
//	camerasrc ! tee name=t ! queue ! displaysink  t. ! queue ! intersink channel=live
//
// into pipelines. Elements take key=value properties, "!" links, "name."
// refers back to a named element, and bare caps strings insert a
// capsfilter. A description wrapped in one pair of parentheses is accepted.
package launch

import (
	"fmt"
	"strings"

	apperrors "github.com/mantonx/syncstream/internal/errors"
	"github.com/mantonx/syncstream/internal/pipeline"
)

type tokenKind int

const (
	tokLink tokenKind = iota
	tokElement
	tokProperty
	tokCaps
	tokRef
)

type token struct {
	kind  tokenKind
	text  string
	value string // property value
}

// Parse builds a pipeline from desc
func Parse(f *pipeline.Factories, desc string, opts pipeline.Options) (*pipeline.Pipeline, error) {
	tokens, err := tokenize(desc)
	if err != nil {
		return nil, err
	}
	if err := check(tokens); err != nil {
		return nil, err
	}
	b := pipeline.NewBuilder(f, opts)
	if err := apply(b, tokens); err != nil {
		b.Build()
		return nil, err
	}
	return b.Build()
}

// Template is a parsed description that builds a fresh pipeline per call
type Template struct {
	factories *pipeline.Factories
	desc      string
	tokens    []token
}

// NewTemplate checks desc syntax and returns a reusable template. Unknown
// factories are only reported when instantiating.
func NewTemplate(f *pipeline.Factories, desc string) (*Template, error) {
	tokens, err := tokenize(desc)
	if err != nil {
		return nil, err
	}
	if err := check(tokens); err != nil {
		return nil, err
	}
	return &Template{factories: f, desc: desc, tokens: tokens}, nil
}

// Instantiate implements pipeline.Template
func (t *Template) Instantiate(opts pipeline.Options) (*pipeline.Pipeline, error) {
	b := pipeline.NewBuilder(t.factories, opts)
	if err := apply(b, t.tokens); err != nil {
		b.Build()
		return nil, err
	}
	return b.Build()
}

// String returns the source description
func (t *Template) String() string {
	return t.desc
}

func syntaxError(format string, args ...interface{}) error {
	return apperrors.Newf(apperrors.KindValidation, "parse_launch", format, args...)
}

func tokenize(desc string) ([]token, error) {
	desc = strings.TrimSpace(desc)
	if strings.HasPrefix(desc, "(") {
		if !strings.HasSuffix(desc, ")") {
			return nil, syntaxError("unbalanced parentheses")
		}
		desc = strings.TrimSpace(desc[1 : len(desc)-1])
	}
	if desc == "" {
		return nil, syntaxError("empty pipeline description")
	}

	words, err := splitWords(desc)
	if err != nil {
		return nil, err
	}

	tokens := make([]token, 0, len(words))
	for _, w := range words {
		tokens = append(tokens, classify(w))
	}
	return tokens, nil
}

// splitWords splits on whitespace and "!", keeping quoted runs intact
func splitWords(desc string) ([]string, error) {
	var (
		words []string
		cur   strings.Builder
		quote rune
	)
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range desc {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			cur.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
		case r == '!':
			flush()
			words = append(words, "!")
		case r == '(' || r == ')':
			return nil, syntaxError("nested bins are not supported")
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, syntaxError("unterminated quote")
	}
	flush()
	return words, nil
}

func classify(w string) token {
	if w == "!" {
		return token{kind: tokLink, text: w}
	}
	if key, value, ok := strings.Cut(w, "="); ok && !strings.ContainsAny(key, "/,") {
		return token{kind: tokProperty, text: key, value: value}
	}
	if strings.Contains(w, "/") {
		return token{kind: tokCaps, text: w}
	}
	if strings.HasSuffix(w, ".") && len(w) > 1 {
		return token{kind: tokRef, text: strings.TrimSuffix(w, ".")}
	}
	return token{kind: tokElement, text: w}
}

// check validates token order without building anything
func check(tokens []token) error {
	have := false
	pendingLink := false
	for i, t := range tokens {
		switch t.kind {
		case tokLink:
			if !have {
				return syntaxError("link without a source element")
			}
			if pendingLink {
				return syntaxError("empty link")
			}
			pendingLink = true
		case tokProperty:
			if i == 0 || (tokens[i-1].kind != tokElement && tokens[i-1].kind != tokProperty) {
				return syntaxError("property %s=%s does not follow an element", t.text, t.value)
			}
		default:
			have = true
			pendingLink = false
		}
	}
	if pendingLink {
		return syntaxError("link without a target element")
	}
	return nil
}

func apply(b *pipeline.Builder, tokens []token) error {
	pendingLink := false
	for i := 0; i < len(tokens); i++ {
		t := tokens[i]
		switch t.kind {
		case tokLink:
			pendingLink = true
			continue
		case tokRef:
			if pendingLink {
				b.To(t.text)
			} else {
				b.From(t.text)
			}
		case tokCaps:
			if !pendingLink {
				b.Break()
			}
			b.Caps(t.text)
		case tokElement:
			var props []string
			for i+1 < len(tokens) && tokens[i+1].kind == tokProperty {
				i++
				props = append(props, fmt.Sprintf("%s=%s", tokens[i].text, tokens[i].value))
			}
			if !pendingLink {
				b.Break()
			}
			b.Add(t.text, "", props...)
		}
		pendingLink = false
		if err := b.Err(); err != nil {
			return err
		}
	}
	return nil
}
