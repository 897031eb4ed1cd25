package csp_test

import (
	"net/url"
	"testing"

	"github.com/buildbuddy-io/contentcache/server/util/csp"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParseURL(t *testing.T, s string) *url.URL {
	u, err := url.Parse(s)
	require.NoError(t, err)
	return u
}

func TestParseSource(t *testing.T) {
	for _, tc := range []struct {
		input string
		want  csp.Source
	}{
		{"'self' ", csp.Source{Kind: csp.Self}},
		{"'sElf' ", csp.Source{Kind: csp.Self}},
		{"\t'unsafe-inline'", csp.Source{Kind: csp.UnsafeInline}},
		{"'UNSAFE-EVAL'", csp.Source{Kind: csp.UnsafeEval}},
		{"'strict-dynamic'", csp.Source{Kind: csp.StrictDynamic}},
		{"'unsafe-hashed-attributes'", csp.Source{Kind: csp.UnsafeHashedAttributes}},
		{"https:", csp.Source{Kind: csp.SchemeSource, Value: "https:"}},
		{"weird-schema+-1.0:", csp.Source{Kind: csp.SchemeSource, Value: "weird-schema+-1.0:"}},
		{"*.example.com", csp.Source{Kind: csp.HostSource, Value: "*.example.com"}},
		{"https://cdn.example.com:8443/js/", csp.Source{Kind: csp.HostSource, Value: "https://cdn.example.com:8443/js/"}},
		{"1http:", csp.Source{Kind: csp.HostSource, Value: "1http:"}},
		{"'nonce-abc123'", csp.Source{Kind: csp.Unknown, Value: "'nonce-abc123'"}},
		{"'sha256-deadbeef'", csp.Source{Kind: csp.Unknown, Value: "'sha256-deadbeef'"}},
		{"'none'", csp.Source{Kind: csp.Unknown, Value: "'none'"}},
		{"", csp.Source{Kind: csp.Unknown}},
	} {
		assert.Equal(t, tc.want, csp.ParseSource(tc.input), "input %q", tc.input)
	}
}

func TestSourceDoesNotTrimNonRWSWhitespace(t *testing.T) {
	// Only SP and HTAB are trimmed; a trailing newline is part of the token.
	s := csp.ParseSource("'self'\n")
	assert.Equal(t, csp.Unknown, s.Kind)
}

func TestParsePolicy(t *testing.T) {
	p := csp.ParsePolicy("default-src *; script-src 'unsafe-inline' 'unsafe-eval'")

	want := &csp.SourceList{Sources: []csp.Source{{Kind: csp.HostSource, Value: "*"}}}
	assert.Empty(t, cmp.Diff(want, p.Directive(csp.DefaultSrc)))

	want = &csp.SourceList{Sources: []csp.Source{{Kind: csp.UnsafeInline}, {Kind: csp.UnsafeEval}}}
	assert.Empty(t, cmp.Diff(want, p.Directive(csp.ScriptSrc)))

	assert.Nil(t, p.Directive(csp.StyleSrc))
	assert.Nil(t, p.Directive(csp.BaseURI))
}

func TestRepeatedDirectiveKeepsFirst(t *testing.T) {
	p := csp.ParsePolicy("script-src 'unsafe-inline' 'unsafe-eval'; script-src 'strict-dynamic'")

	want := &csp.SourceList{Sources: []csp.Source{{Kind: csp.UnsafeInline}, {Kind: csp.UnsafeEval}}}
	assert.Empty(t, cmp.Diff(want, p.Directive(csp.ScriptSrc)))
}

func TestParsePolicyAllDirectives(t *testing.T) {
	p := csp.ParsePolicy(" DEFAULT-SRC 'self' ;script-src a.com;style-src\tb.com ; img-src data: ;" +
		"connect-src wss:; child-src c.com; frame-src d.com; base-uri 'none';;")

	self := []csp.Source{{Kind: csp.Self}}
	for kind, want := range map[csp.DirectiveKind][]csp.Source{
		csp.DefaultSrc: self,
		csp.ScriptSrc:  {{Kind: csp.HostSource, Value: "a.com"}},
		csp.StyleSrc:   {{Kind: csp.HostSource, Value: "b.com"}},
		csp.ImgSrc:     {{Kind: csp.SchemeSource, Value: "data:"}},
		csp.ConnectSrc: {{Kind: csp.SchemeSource, Value: "wss:"}},
		csp.ChildSrc:   {{Kind: csp.HostSource, Value: "c.com"}},
		csp.FrameSrc:   {{Kind: csp.HostSource, Value: "d.com"}},
		csp.BaseURI:    {{Kind: csp.Unknown, Value: "'none'"}},
	} {
		got := p.Directive(kind)
		require.NotNil(t, got, "directive %s", kind)
		assert.Empty(t, cmp.Diff(want, got.Sources), "directive %s", kind)
	}
}

func TestUnknownDirectivesAreIgnored(t *testing.T) {
	p := csp.ParsePolicy("unknown-directive: *; upgrade-insecure-requests; img-src https:")
	assert.False(t, p.Empty())
	assert.Nil(t, p.Directive(csp.DefaultSrc))
	assert.Equal(t, "img-src https:", p.String())

	assert.True(t, csp.ParsePolicy("report-uri /csp; sandbox").Empty())
	assert.True(t, csp.ParsePolicy("").Empty())
}

func TestEmptyDirectiveValue(t *testing.T) {
	p := csp.ParsePolicy("script-src; script-src *")
	got := p.Directive(csp.ScriptSrc)
	require.NotNil(t, got)
	assert.Empty(t, cmp.Diff(&csp.SourceList{}, got, cmpopts.EquateEmpty()))
	assert.False(t, p.Permits(csp.ScriptSrc, nil, mustParseURL(t, "https://a.com/x.js")))
}

func TestPolicyString(t *testing.T) {
	p := csp.ParsePolicy("script-src 'SELF'  https: 'nonce-x'; default-src *")
	assert.Equal(t, "default-src *; script-src 'self' https: 'nonce-x'", p.String())
}

func TestParseHeader(t *testing.T) {
	policies := csp.ParseHeader("script-src 'self', img-src *, report-uri /r")
	require.Len(t, policies, 2)
	assert.NotNil(t, policies[0].Directive(csp.ScriptSrc))
	assert.NotNil(t, policies[1].Directive(csp.ImgSrc))
}

func TestUnsafeInline(t *testing.T) {
	for _, tc := range []struct {
		policy string
		kind   csp.DirectiveKind
		want   bool
	}{
		{"img-src *", csp.ScriptSrc, true},
		{"default-src 'self'", csp.ScriptSrc, false},
		{"default-src 'unsafe-inline'", csp.ScriptSrc, true},
		{"default-src 'unsafe-inline'; script-src 'self'", csp.ScriptSrc, false},
		{"default-src 'unsafe-inline'; script-src 'self'", csp.StyleSrc, true},
		{"script-src 'unsafe-inline' 'nonce-abc'", csp.ScriptSrc, false},
		{"script-src 'unsafe-inline' 'sha256-abc'", csp.ScriptSrc, false},
		{"script-src 'unsafe-inline' 'strict-dynamic'", csp.ScriptSrc, false},
		{"style-src 'unsafe-inline' 'strict-dynamic'", csp.StyleSrc, true},
	} {
		p := csp.ParsePolicy(tc.policy)
		assert.Equal(t, tc.want, p.UnsafeInlineAllowed(tc.kind), "policy %q, %s", tc.policy, tc.kind)
	}
}

func TestUnsafeEval(t *testing.T) {
	assert.True(t, csp.ParsePolicy("img-src *").UnsafeEvalAllowed(csp.ScriptSrc))
	assert.False(t, csp.ParsePolicy("script-src *").UnsafeEvalAllowed(csp.ScriptSrc))
	assert.True(t, csp.ParsePolicy("default-src 'unsafe-eval'").UnsafeEvalAllowed(csp.ScriptSrc))
}

func TestPermits(t *testing.T) {
	self := mustParseURL(t, "http://www.example.com/index.html")
	for _, tc := range []struct {
		policy string
		target string
		want   bool
	}{
		{"img-src 'none'", "http://www.example.com/a.png", false},
		{"img-src 'self'", "http://www.example.com/a.png", true},
		{"img-src 'self'", "https://www.example.com/a.png", true},
		{"img-src 'self'", "http://www.example.com:8080/a.png", false},
		{"img-src 'self'", "http://other.example.com/a.png", false},
		{"img-src *", "https://anything.org/a.png", true},
		{"img-src *", "data:image/png;base64,AAAA", false},
		{"img-src data:", "data:image/png;base64,AAAA", true},
		{"img-src http:", "https://a.org/a.png", true},
		{"img-src https:", "http://a.org/a.png", false},
		{"img-src *.example.com", "http://cdn.example.com/a.png", true},
		{"img-src *.example.com", "http://a.b.example.com/a.png", true},
		{"img-src *.example.com", "http://example.com/a.png", false},
		{"img-src *.example.com", "http://badexample.com/a.png", false},
		{"img-src CDN.example.com", "http://cdn.example.com/a.png", true},
		{"img-src cdn.example.com:8080", "http://cdn.example.com:8080/a.png", true},
		{"img-src cdn.example.com:8080", "http://cdn.example.com/a.png", false},
		{"img-src cdn.example.com:*", "http://cdn.example.com:1234/a.png", true},
		{"img-src https://cdn.example.com", "http://cdn.example.com/a.png", false},
		{"img-src http://cdn.example.com", "https://cdn.example.com/a.png", true},
		{"img-src cdn.example.com/img/", "http://cdn.example.com/img/a.png", true},
		{"img-src cdn.example.com/img/", "http://cdn.example.com/js/a.js", false},
		{"img-src cdn.example.com/img/a.png", "http://cdn.example.com/img/a.png", true},
		{"img-src cdn.example.com/img/a.png", "http://cdn.example.com/img/b.png", false},
		{"default-src cdn.example.com", "http://cdn.example.com/a.png", true},
		{"default-src cdn.example.com; img-src 'self'", "http://cdn.example.com/a.png", false},
		{"script-src 'self'", "http://cdn.example.com/a.png", true},
		{"img-src 'unsafe-inline' 'nonce-x'", "http://www.example.com/a.png", false},
	} {
		p := csp.ParsePolicy(tc.policy)
		got := p.Permits(csp.ImgSrc, self, mustParseURL(t, tc.target))
		assert.Equal(t, tc.want, got, "policy %q, target %q", tc.policy, tc.target)
	}
}

func TestPermitsWithoutSelf(t *testing.T) {
	p := csp.ParsePolicy("script-src 'self' cdn.example.com")
	assert.False(t, p.Permits(csp.ScriptSrc, nil, mustParseURL(t, "http://www.example.com/a.js")))
	assert.True(t, p.Permits(csp.ScriptSrc, nil, mustParseURL(t, "https://cdn.example.com/a.js")))
	assert.False(t, p.Permits(csp.ScriptSrc, nil, mustParseURL(t, "ftp://cdn.example.com/a.js")))
}

func TestFrameSrcFallsBackToChildSrc(t *testing.T) {
	p := csp.ParsePolicy("default-src 'none'; child-src frames.example.com")
	target := mustParseURL(t, "https://frames.example.com/f.html")
	assert.True(t, p.Permits(csp.FrameSrc, nil, target))
	assert.False(t, p.Permits(csp.ImgSrc, nil, target))
}

func TestBaseURIHasNoFallback(t *testing.T) {
	p := csp.ParsePolicy("default-src 'none'")
	assert.True(t, p.Permits(csp.BaseURI, nil, mustParseURL(t, "https://a.org/")))
}

func TestPolicySet(t *testing.T) {
	target := mustParseURL(t, "https://cdn.example.com/a.js")

	empty := csp.NewPolicySet()
	assert.True(t, empty.Empty())
	assert.True(t, empty.UnsafeInlineAllowed(csp.ScriptSrc))
	assert.True(t, empty.UnsafeEvalAllowed(csp.ScriptSrc))
	assert.True(t, empty.Permits(csp.ScriptSrc, nil, target))

	set := csp.NewPolicySet("script-src 'unsafe-inline' 'unsafe-eval' *.example.com")
	assert.Equal(t, 1, set.Len())
	assert.True(t, set.UnsafeInlineAllowed(csp.ScriptSrc))
	assert.True(t, set.UnsafeEvalAllowed(csp.ScriptSrc))
	assert.True(t, set.Permits(csp.ScriptSrc, nil, target))

	// Every policy must agree.
	set.Add(csp.ParsePolicy("script-src 'unsafe-inline' https:"))
	assert.True(t, set.UnsafeInlineAllowed(csp.ScriptSrc))
	assert.False(t, set.UnsafeEvalAllowed(csp.ScriptSrc))
	assert.True(t, set.Permits(csp.ScriptSrc, nil, target))

	set.Add(csp.ParsePolicy("default-src other.example.com"))
	assert.False(t, set.UnsafeInlineAllowed(csp.ScriptSrc))
	assert.False(t, set.Permits(csp.ScriptSrc, nil, target))

	set.Clear()
	assert.True(t, set.Empty())
	assert.True(t, set.Permits(csp.ScriptSrc, nil, target))
}
