// Package csp parses Content-Security-Policy header values and answers the
// questions a response rewriter needs to ask before inlining or moving
// resources: is inline script allowed, is eval allowed, may this URL be
// loaded for this kind of resource.
//
// Only source-list directives that affect rewriting are recognized; every
// other directive is ignored.
package csp

import (
	"net/url"
	"strings"
)

// DirectiveKind identifies a recognized source-list directive.
type DirectiveKind int

const (
	DefaultSrc DirectiveKind = iota
	ScriptSrc
	StyleSrc
	ImgSrc
	ConnectSrc
	ChildSrc
	FrameSrc
	BaseURI

	numDirectives
)

var directiveNames = [numDirectives]string{
	DefaultSrc: "default-src",
	ScriptSrc:  "script-src",
	StyleSrc:   "style-src",
	ImgSrc:     "img-src",
	ConnectSrc: "connect-src",
	ChildSrc:   "child-src",
	FrameSrc:   "frame-src",
	BaseURI:    "base-uri",
}

func (k DirectiveKind) String() string {
	if k < 0 || k >= numDirectives {
		return "unknown-directive"
	}
	return directiveNames[k]
}

// LookupDirective returns the directive with the given name. Names are
// case-insensitive.
func LookupDirective(name string) (DirectiveKind, bool) {
	name = strings.ToLower(name)
	for k, n := range directiveNames {
		if n == name {
			return DirectiveKind(k), true
		}
	}
	return 0, false
}

// SourceKind classifies a single source expression.
type SourceKind int

const (
	// Unknown covers 'none', nonces, hashes and anything malformed.
	Unknown SourceKind = iota
	Self
	UnsafeInline
	UnsafeEval
	StrictDynamic
	UnsafeHashedAttributes
	SchemeSource
	HostSource
)

var keywords = map[string]SourceKind{
	"'self'":                     Self,
	"'unsafe-inline'":            UnsafeInline,
	"'unsafe-eval'":              UnsafeEval,
	"'strict-dynamic'":           StrictDynamic,
	"'unsafe-hashed-attributes'": UnsafeHashedAttributes,
}

func (k SourceKind) String() string {
	switch k {
	case Self:
		return "self"
	case UnsafeInline:
		return "unsafe-inline"
	case UnsafeEval:
		return "unsafe-eval"
	case StrictDynamic:
		return "strict-dynamic"
	case UnsafeHashedAttributes:
		return "unsafe-hashed-attributes"
	case SchemeSource:
		return "scheme-source"
	case HostSource:
		return "host-source"
	default:
		return "unknown"
	}
}

// Source is one parsed source expression. Value holds the expression text
// for scheme, host and unknown sources and is empty for keywords.
type Source struct {
	Kind  SourceKind
	Value string
}

func (s Source) String() string {
	switch s.Kind {
	case SchemeSource, HostSource, Unknown:
		return s.Value
	default:
		return "'" + s.Kind.String() + "'"
	}
}

// isRWS reports whether ch is "required whitespace" in the HTTP sense. CSP
// headers are split on SP and HTAB only.
func isRWS(ch rune) bool {
	return ch == ' ' || ch == '\t'
}

func trimRWS(s string) string {
	return strings.Trim(s, " \t")
}

func isAlpha(ch byte) bool {
	return ('a' <= ch && ch <= 'z') || ('A' <= ch && ch <= 'Z')
}

func isDigit(ch byte) bool {
	return '0' <= ch && ch <= '9'
}

// isScheme matches ALPHA *( ALPHA / DIGIT / "+" / "-" / "." ).
func isScheme(s string) bool {
	if s == "" || !isAlpha(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		ch := s[i]
		if !isAlpha(ch) && !isDigit(ch) && ch != '+' && ch != '-' && ch != '.' {
			return false
		}
	}
	return true
}

// ParseSource classifies a single source expression.
func ParseSource(input string) Source {
	input = trimRWS(input)
	if input == "" {
		return Source{Kind: Unknown}
	}
	if kind, ok := keywords[strings.ToLower(input)]; ok {
		return Source{Kind: kind}
	}
	if input[0] == '\'' {
		// Nonces, hashes and 'none'.
		return Source{Kind: Unknown, Value: input}
	}
	if strings.HasSuffix(input, ":") && isScheme(input[:len(input)-1]) {
		return Source{Kind: SchemeSource, Value: input}
	}
	return Source{Kind: HostSource, Value: input}
}

// SourceList is the value of one directive.
type SourceList struct {
	Sources []Source
}

// ParseSourceList parses an RWS separated list of source expressions.
func ParseSourceList(input string) *SourceList {
	l := &SourceList{}
	for _, token := range strings.FieldsFunc(input, isRWS) {
		l.Sources = append(l.Sources, ParseSource(token))
	}
	return l
}

// Has reports whether the list contains a source of the given kind.
func (l *SourceList) Has(kind SourceKind) bool {
	for _, s := range l.Sources {
		if s.Kind == kind {
			return true
		}
	}
	return false
}

func (l *SourceList) hasNonceOrHash() bool {
	for _, s := range l.Sources {
		if s.Kind != Unknown {
			continue
		}
		v := strings.ToLower(s.Value)
		for _, prefix := range []string{"'nonce-", "'sha256-", "'sha384-", "'sha512-"} {
			if strings.HasPrefix(v, prefix) {
				return true
			}
		}
	}
	return false
}

func (l *SourceList) String() string {
	parts := make([]string, 0, len(l.Sources))
	for _, s := range l.Sources {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, " ")
}

// Policy is one parsed serialized policy.
type Policy struct {
	directives [numDirectives]*SourceList
}

// ParsePolicy parses a single serialized policy: directives separated by
// ';'. Unrecognized directives are ignored and only the first occurrence
// of a repeated directive is kept.
func ParsePolicy(input string) *Policy {
	p := &Policy{}
	for _, token := range strings.Split(input, ";") {
		token = trimRWS(token)
		if token == "" {
			continue
		}
		name, value := token, ""
		if i := strings.IndexFunc(token, isRWS); i >= 0 {
			name, value = token[:i], token[i+1:]
		}
		kind, ok := LookupDirective(name)
		if !ok || p.directives[kind] != nil {
			continue
		}
		p.directives[kind] = ParseSourceList(value)
	}
	return p
}

// ParseHeader parses a header value that may carry several comma separated
// policies. Policies without any recognized directive are dropped.
func ParseHeader(input string) []*Policy {
	var policies []*Policy
	for _, text := range strings.Split(input, ",") {
		if p := ParsePolicy(text); !p.Empty() {
			policies = append(policies, p)
		}
	}
	return policies
}

// Empty reports whether the policy has no recognized directives.
func (p *Policy) Empty() bool {
	for _, l := range p.directives {
		if l != nil {
			return false
		}
	}
	return true
}

// Directive returns the directive's source list exactly as written, or nil
// if the policy does not contain it.
func (p *Policy) Directive(kind DirectiveKind) *SourceList {
	if kind < 0 || kind >= numDirectives {
		return nil
	}
	return p.directives[kind]
}

// SourceListFor returns the list that governs the given directive, falling
// back to default-src. base-uri has no fallback.
func (p *Policy) SourceListFor(kind DirectiveKind) *SourceList {
	if l := p.Directive(kind); l != nil {
		return l
	}
	if kind == BaseURI {
		return nil
	}
	if kind == FrameSrc {
		if l := p.directives[ChildSrc]; l != nil {
			return l
		}
	}
	return p.directives[DefaultSrc]
}

func (p *Policy) String() string {
	var parts []string
	for k, l := range p.directives {
		if l == nil {
			continue
		}
		part := DirectiveKind(k).String()
		if len(l.Sources) > 0 {
			part += " " + l.String()
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "; ")
}

// UnsafeInlineAllowed reports whether the policy allows inline content for
// the given directive. A nonce or hash disables 'unsafe-inline', and so
// does 'strict-dynamic' for scripts.
func (p *Policy) UnsafeInlineAllowed(kind DirectiveKind) bool {
	l := p.SourceListFor(kind)
	if l == nil {
		return true
	}
	if !l.Has(UnsafeInline) || l.hasNonceOrHash() {
		return false
	}
	return kind != ScriptSrc || !l.Has(StrictDynamic)
}

// UnsafeEvalAllowed reports whether eval-like constructs are allowed.
func (p *Policy) UnsafeEvalAllowed(kind DirectiveKind) bool {
	l := p.SourceListFor(kind)
	return l == nil || l.Has(UnsafeEval)
}

// Permits reports whether target may be loaded for the given directive by
// a document served from self. self may be nil, in which case 'self' never
// matches.
func (p *Policy) Permits(kind DirectiveKind, self, target *url.URL) bool {
	l := p.SourceListFor(kind)
	if l == nil {
		return true
	}
	for _, s := range l.Sources {
		if s.matches(self, target) {
			return true
		}
	}
	return false
}

// PolicySet is every policy that applies to a response. A load is allowed
// only if all of them allow it; an empty set allows everything.
type PolicySet struct {
	policies []*Policy
}

// NewPolicySet parses every header value given.
func NewPolicySet(headers ...string) *PolicySet {
	s := &PolicySet{}
	for _, h := range headers {
		s.policies = append(s.policies, ParseHeader(h)...)
	}
	return s
}

func (s *PolicySet) Add(p *Policy) {
	s.policies = append(s.policies, p)
}

func (s *PolicySet) Clear() {
	s.policies = nil
}

func (s *PolicySet) Empty() bool {
	return len(s.policies) == 0
}

func (s *PolicySet) Len() int {
	return len(s.policies)
}

func (s *PolicySet) Policies() []*Policy {
	return s.policies
}

func (s *PolicySet) UnsafeInlineAllowed(kind DirectiveKind) bool {
	for _, p := range s.policies {
		if !p.UnsafeInlineAllowed(kind) {
			return false
		}
	}
	return true
}

func (s *PolicySet) UnsafeEvalAllowed(kind DirectiveKind) bool {
	for _, p := range s.policies {
		if !p.UnsafeEvalAllowed(kind) {
			return false
		}
	}
	return true
}

func (s *PolicySet) Permits(kind DirectiveKind, self, target *url.URL) bool {
	for _, p := range s.policies {
		if !p.Permits(kind, self, target) {
			return false
		}
	}
	return true
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
	"ftp":   "21",
}

func portOf(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	return defaultPorts[strings.ToLower(u.Scheme)]
}

// schemeMatches allows the secure upgrade of http to https and ws to wss.
func schemeMatches(want, got string) bool {
	want, got = strings.ToLower(want), strings.ToLower(got)
	switch {
	case want == got:
		return true
	case want == "http" && got == "https":
		return true
	case want == "ws" && (got == "wss" || got == "http" || got == "https"):
		return true
	case want == "wss" && got == "https":
		return true
	}
	return false
}

func (s Source) matches(self, target *url.URL) bool {
	if target == nil {
		return false
	}
	switch s.Kind {
	case Self:
		if self == nil {
			return false
		}
		if !schemeMatches(self.Scheme, target.Scheme) || !strings.EqualFold(self.Hostname(), target.Hostname()) {
			return false
		}
		want, got := portOf(self), portOf(target)
		return want == got || (want == "80" && got == "443")
	case SchemeSource:
		return schemeMatches(strings.TrimSuffix(s.Value, ":"), target.Scheme)
	case HostSource:
		hs, ok := parseHostSource(s.Value)
		return ok && hs.matches(self, target)
	default:
		return false
	}
}

type hostSource struct {
	scheme string
	host   string
	port   string
	path   string
}

// parseHostSource splits [scheme "://"] host [":" port] [path].
func parseHostSource(value string) (hostSource, bool) {
	var hs hostSource
	rest := value
	if i := strings.Index(rest, "://"); i >= 0 {
		if !isScheme(rest[:i]) {
			return hs, false
		}
		hs.scheme, rest = rest[:i], rest[i+3:]
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		hs.path, rest = rest[i:], rest[:i]
	}
	if i := strings.LastIndexByte(rest, ':'); i >= 0 {
		hs.port, rest = rest[i+1:], rest[:i]
		if hs.port != "*" {
			if hs.port == "" {
				return hs, false
			}
			for j := 0; j < len(hs.port); j++ {
				if !isDigit(hs.port[j]) {
					return hs, false
				}
			}
		}
	}
	hs.host = strings.ToLower(rest)
	if hs.host == "" || strings.Contains(hs.host[1:], "*") || (hs.host[0] == '*' && hs.host != "*" && !strings.HasPrefix(hs.host, "*.")) {
		return hs, false
	}
	return hs, true
}

func (hs hostSource) matches(self, target *url.URL) bool {
	if hs.scheme != "" {
		if !schemeMatches(hs.scheme, target.Scheme) {
			return false
		}
	} else if self != nil && self.Scheme != "" {
		if !schemeMatches(self.Scheme, target.Scheme) {
			return false
		}
	} else if s := strings.ToLower(target.Scheme); s != "http" && s != "https" {
		return false
	}

	host := strings.ToLower(target.Hostname())
	switch {
	case hs.host == "*":
	case strings.HasPrefix(hs.host, "*."):
		if !strings.HasSuffix(host, hs.host[1:]) {
			return false
		}
	default:
		if host != hs.host {
			return false
		}
	}

	switch hs.port {
	case "*":
	case "":
		want := defaultPorts[strings.ToLower(hs.scheme)]
		if hs.scheme == "" {
			want = defaultPorts[strings.ToLower(target.Scheme)]
		}
		got := portOf(target)
		if got != want && !(want == "80" && got == "443") {
			return false
		}
	default:
		got := portOf(target)
		if got != hs.port && !(hs.port == "80" && got == "443") {
			return false
		}
	}

	if hs.path == "" || hs.path == "/" {
		return true
	}
	path := target.EscapedPath()
	if strings.HasSuffix(hs.path, "/") {
		return strings.HasPrefix(path, hs.path)
	}
	return path == hs.path
}
