package expressions

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMarker opens a column reference inside a template, e.g. "/Company Name".
const DefaultMarker = '/'

// referenceOpeners are the characters after which a marker starts a
// reference. A marker after ':' or '/' (URL schemes and paths) or after a
// letter or digit is literal text.
const referenceOpeners = "([{=,;\"'`+|<>&"

// TokenKind distinguishes literal text from column references.
type TokenKind int

const (
	TokenLiteral TokenKind = iota
	TokenReference
)

// Token is one piece of a tokenized template.
type Token struct {
	Kind TokenKind
	// Text is the exact source text of the token, marker included.
	Text string
	// Column is the canonical column name for mapped references, or the word
	// after the marker for unmapped ones.
	Column string
	// Mapped is true when Column names a known column.
	Mapped bool
}

// TemplateResolver substitutes column references with a row's values.
// Column names are matched longest-first and case-insensitively so that
// "Company Name" wins over "Company" when both are prefixes of a reference.
// Safe for concurrent use after construction.
type TemplateResolver struct {
	marker rune
	names  []string // longest first
}

// NewTemplateResolver creates a resolver over the given column names using
// the default marker.
func NewTemplateResolver(columnNames []string) *TemplateResolver {
	return NewTemplateResolverWithMarker(DefaultMarker, columnNames)
}

// NewTemplateResolverWithMarker creates a resolver with a custom marker rune.
func NewTemplateResolverWithMarker(marker rune, columnNames []string) *TemplateResolver {
	names := make([]string, 0, len(columnNames))
	for _, n := range columnNames {
		if strings.TrimSpace(n) != "" {
			names = append(names, n)
		}
	}
	sort.SliceStable(names, func(i, j int) bool {
		return len(names[i]) > len(names[j])
	})
	return &TemplateResolver{marker: marker, names: names}
}

// Tokenize splits a template into literal and reference tokens.
func (r *TemplateResolver) Tokenize(tmpl string) []Token {
	var tokens []Token
	var lit strings.Builder

	flush := func() {
		if lit.Len() > 0 {
			tokens = append(tokens, Token{Kind: TokenLiteral, Text: lit.String()})
			lit.Reset()
		}
	}

	markerLen := utf8.RuneLen(r.marker)
	i := 0
	for i < len(tmpl) {
		ch, size := utf8.DecodeRuneInString(tmpl[i:])
		if ch == r.marker && r.opensReference(tmpl, i) {
			rest := tmpl[i+markerLen:]
			if name, n := r.matchColumn(rest); name != "" {
				flush()
				tokens = append(tokens, Token{Kind: TokenReference, Text: tmpl[i : i+markerLen+n], Column: name, Mapped: true})
				i += markerLen + n
				continue
			}
			if n := wordLen(rest); n > 0 {
				flush()
				tokens = append(tokens, Token{Kind: TokenReference, Text: tmpl[i : i+markerLen+n], Column: rest[:n]})
				i += markerLen + n
				continue
			}
		}
		lit.WriteString(tmpl[i : i+size])
		i += size
	}
	flush()
	return tokens
}

// Resolve replaces every reference in tmpl with lookup(name). Unmapped
// references pass the word after the marker, so lookup may fall back to
// source data; a nil lookup resolves everything to "". It never fails.
func (r *TemplateResolver) Resolve(tmpl string, lookup func(column string) string) string {
	if !strings.ContainsRune(tmpl, r.marker) {
		return tmpl
	}
	var out strings.Builder
	out.Grow(len(tmpl))
	for _, tok := range r.Tokenize(tmpl) {
		switch {
		case tok.Kind == TokenLiteral:
			out.WriteString(tok.Text)
		case lookup != nil:
			out.WriteString(lookup(tok.Column))
		}
	}
	return out.String()
}

// References returns the distinct column names referenced by tmpl, in order
// of first appearance.
func (r *TemplateResolver) References(tmpl string) []string {
	seen := make(map[string]struct{})
	var refs []string
	for _, tok := range r.Tokenize(tmpl) {
		if tok.Kind != TokenReference || !tok.Mapped {
			continue
		}
		if _, ok := seen[tok.Column]; ok {
			continue
		}
		seen[tok.Column] = struct{}{}
		refs = append(refs, tok.Column)
	}
	return refs
}

// opensReference reports whether the marker at byte offset i starts a reference.
func (r *TemplateResolver) opensReference(s string, i int) bool {
	if i == 0 {
		return true
	}
	prev, _ := utf8.DecodeLastRuneInString(s[:i])
	return unicode.IsSpace(prev) || strings.ContainsRune(referenceOpeners, prev)
}

// matchColumn returns the longest column name that prefixes rest and ends on
// a boundary, and its byte length within rest.
func (r *TemplateResolver) matchColumn(rest string) (string, int) {
	for _, name := range r.names {
		n := len(name)
		if len(rest) < n || !strings.EqualFold(rest[:n], name) {
			continue
		}
		if endsOnBoundary(rest, n) {
			return name, n
		}
	}
	return "", 0
}

func endsOnBoundary(s string, n int) bool {
	if n >= len(s) {
		return true
	}
	next, _ := utf8.DecodeRuneInString(s[n:])
	return unicode.IsSpace(next) || unicode.IsPunct(next) || unicode.IsSymbol(next)
}

// wordLen is the byte length of the identifier-like word at the start of s.
func wordLen(s string) int {
	n := 0
	for n < len(s) {
		ch, size := utf8.DecodeRuneInString(s[n:])
		if !unicode.IsLetter(ch) && !unicode.IsDigit(ch) && ch != '_' && ch != '-' {
			break
		}
		n += size
	}
	return n
}
