// Package rewrite adapts an agent's response so that links a local server
// emits for itself (localhost redirects, cookie domains, absolute URLs in
// HTML) point at the tunnel's public hostname instead.
package rewrite

import (
	"bytes"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/hcodes/tunnel/internal/netutil"
	"github.com/hcodes/tunnel/internal/tunnelproto"
)

var (
	cookieDomain = regexp.MustCompile(`(?i)\bdomain=\.?localhost(\s*;|\s*$)`)
	localOrigin  = regexp.MustCompile(`http://localhost:\d+`)
)

// Rewriter rewrites responses for tunnels under one root domain.
type Rewriter struct {
	rootDomain string
	log        *slog.Logger
}

func New(rootDomain string, logger *slog.Logger) *Rewriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rewriter{rootDomain: rootDomain, log: logger}
}

// PublicHost returns "<name>.<root>".
func (rw *Rewriter) PublicHost(name string) string {
	return name + "." + rw.rootDomain
}

// Response applies, in order, the Location, Set-Cookie and HTML body rewrites
// and then drops framing headers. The input header map is not modified.
func (rw *Rewriter) Response(name string, headers map[string][]string, body []byte) (http.Header, []byte) {
	host := rw.PublicHost(name)
	h := tunnelproto.CanonicalHeaders(headers)

	if loc := h.Get("Location"); loc != "" {
		h.Set("Location", rw.location(host, loc))
	}

	if cookies := h.Values("Set-Cookie"); len(cookies) > 0 {
		out := make([]string, len(cookies))
		for i, c := range cookies {
			out[i] = cookieDomain.ReplaceAllString(c, "Domain="+host+"${1}")
		}
		h["Set-Cookie"] = out
	}

	if len(body) > 0 && isHTML(h.Get("Content-Type")) {
		rewritten := localOrigin.ReplaceAll(body, []byte("https://"+host))
		if !bytes.Equal(rewritten, body) {
			body = rewritten
			if h.Get("Content-Length") != "" {
				h.Set("Content-Length", strconv.Itoa(len(body)))
			}
		}
	}

	netutil.RemoveFramingHeaders(h)
	return h, body
}

// location resolves loc against the tunnel's origin and swaps a loopback host
// for the public one. Anything else is returned untouched.
func (rw *Rewriter) location(host, loc string) string {
	base := &url.URL{Scheme: "http", Host: host, Path: "/"}
	u, err := base.Parse(loc)
	if err != nil {
		rw.log.Warn("unparseable location header", "location", loc, "err", err)
		return loc
	}
	if !netutil.IsLoopbackHost(u.Hostname()) {
		return loc
	}
	u.Scheme = "https"
	u.Host = host
	return u.String()
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return false
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		return mt == "text/html"
	}
	return strings.Contains(strings.ToLower(contentType), "text/html")
}
