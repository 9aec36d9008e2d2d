package rewrite

import (
	"io"
	"log/slog"
	"testing"
)

func newTestRewriter() *Rewriter {
	return New("t.example.com", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLocationRewrite(t *testing.T) {
	t.Parallel()

	rw := newTestRewriter()
	cases := []struct {
		in, want string
	}{
		{"http://localhost:4000/x", "https://abc.t.example.com/x"},
		{"http://127.0.0.1:3000/a?b=c", "https://abc.t.example.com/a?b=c"},
		{"http://[::1]:8080/", "https://abc.t.example.com/"},
		{"http://localhost/login#top", "https://abc.t.example.com/login#top"},
		{"/relative/path", "/relative/path"},
		{"https://example.org/elsewhere", "https://example.org/elsewhere"},
		{"http://localhost.evil.com/", "http://localhost.evil.com/"},
	}
	for _, tc := range cases {
		h, _ := rw.Response("abc", map[string][]string{"location": {tc.in}}, nil)
		if got := h.Get("Location"); got != tc.want {
			t.Fatalf("Location %q: got %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLocationUnparseablePassesThrough(t *testing.T) {
	t.Parallel()

	const bad = "http://[::1:80/%zz"
	h, _ := newTestRewriter().Response("abc", map[string][]string{"Location": {bad}}, nil)
	if got := h.Get("Location"); got != bad {
		t.Fatalf("expected pass-through, got %q", got)
	}
}

func TestSetCookieDomainRewrite(t *testing.T) {
	t.Parallel()

	h, _ := newTestRewriter().Response("abc", map[string][]string{
		"Set-Cookie": {
			"session=1; Domain=localhost",
			"pref=dark; domain=LOCALHOST; Path=/",
			"other=2; Domain=example.org",
			"plain=3",
		},
	}, nil)

	got := h.Values("Set-Cookie")
	want := []string{
		"session=1; Domain=abc.t.example.com",
		"pref=dark; Domain=abc.t.example.com; Path=/",
		"other=2; Domain=example.org",
		"plain=3",
	}
	if len(got) != len(want) {
		t.Fatalf("got %d cookies, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("cookie %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSetCookieDomainOnlyMatchesExactLocalhost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "a=1; Domain=.localhost; Path=/", want: "a=1; Domain=abc.t.example.com; Path=/"},
		{in: "a=1; Domain=localhost.localdomain", want: "a=1; Domain=localhost.localdomain"},
		{in: "a=1; Domain=localhost.example.org; Path=/", want: "a=1; Domain=localhost.example.org; Path=/"},
		{in: "a=1; Domain=mylocalhost", want: "a=1; Domain=mylocalhost"},
	}
	for _, tc := range tests {
		h, _ := newTestRewriter().Response("abc", map[string][]string{"Set-Cookie": {tc.in}}, nil)
		if got := h.Get("Set-Cookie"); got != tc.want {
			t.Fatalf("%q: got %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSetCookieLowerCaseKeyMerged(t *testing.T) {
	t.Parallel()

	h, _ := newTestRewriter().Response("abc", map[string][]string{
		"set-cookie": {"a=1; Domain=localhost"},
		"Set-Cookie": {"b=2"},
	}, nil)
	if n := len(h.Values("Set-Cookie")); n != 2 {
		t.Fatalf("expected both cookies under one key, got %d", n)
	}
}

func TestHTMLBodyRewrite(t *testing.T) {
	t.Parallel()

	body := []byte(`<img src="http://localhost:4000/img.png"><a href="http://localhost:80/">home</a>`)
	h, out := newTestRewriter().Response("abc", map[string][]string{
		"Content-Type":   {"text/html; charset=utf-8"},
		"Content-Length": {"80"},
	}, body)

	want := `<img src="https://abc.t.example.com/img.png"><a href="https://abc.t.example.com/">home</a>`
	if string(out) != want {
		t.Fatalf("got %q, want %q", out, want)
	}
	if got := h.Get("Content-Length"); got != "90" {
		t.Fatalf("expected updated content length, got %q", got)
	}
}

func TestJSONBodyUntouched(t *testing.T) {
	t.Parallel()

	body := []byte(`{"next":"http://localhost:4000/img.png"}`)
	_, out := newTestRewriter().Response("abc", map[string][]string{
		"Content-Type": {"application/json"},
	}, body)
	if string(out) != string(body) {
		t.Fatalf("expected byte-for-byte pass-through, got %q", out)
	}
}

func TestFramingHeadersDropped(t *testing.T) {
	t.Parallel()

	h, _ := newTestRewriter().Response("abc", map[string][]string{
		"transfer-encoding": {"chunked"},
		"connection":        {"keep-alive"},
		"x-powered-by":      {"express"},
		"Cache-Control":     {"no-store"},
	}, nil)

	if h.Get("Transfer-Encoding") != "" || h.Get("Connection") != "" {
		t.Fatalf("framing headers must be dropped: %v", h)
	}
	if h.Get("X-Powered-By") != "express" || h.Get("Cache-Control") != "no-store" {
		t.Fatalf("other headers must pass through: %v", h)
	}
}

func TestResponseDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	in := map[string][]string{"Location": {"http://localhost:4000/x"}}
	_, _ = newTestRewriter().Response("abc", in, nil)
	if in["Location"][0] != "http://localhost:4000/x" {
		t.Fatalf("input headers were modified: %v", in)
	}
}

func TestIsHTML(t *testing.T) {
	t.Parallel()

	for ct, want := range map[string]bool{
		"text/html":                true,
		"TEXT/HTML; charset=utf-8": true,
		"application/json":         false,
		"text/plain":               false,
		"":                         false,
		"text/html;;broken=":       true,
		"application/xhtml+xml":    false,
	} {
		if got := isHTML(ct); got != want {
			t.Fatalf("isHTML(%q): got %v, want %v", ct, got, want)
		}
	}
}
