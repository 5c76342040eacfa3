package relay

import (
	"net/url"
	"strings"
)

// Target builds the upstream URL for a client request.
//
// The relay prefix is stripped from the path (an empty remainder becomes "/"),
// scheme and host are taken from upstream, every client-supplied "key" query
// value is removed and "key" is set to the server credential. When websocket
// is true the scheme is switched to ws/wss.
func Target(req *url.URL, prefix string, upstream *url.URL, key string, websocket bool) *url.URL {
	out := *upstream
	out.User = nil
	out.Fragment = ""
	out.RawFragment = ""

	path := req.Path
	if prefix != "" && strings.HasPrefix(path, prefix) {
		path = path[len(prefix):]
	}
	if path == "" {
		path = "/"
	}
	out.Path = strings.TrimRight(upstream.Path, "/") + path
	out.RawPath = ""

	q := req.Query()
	q.Del("key")
	q.Set("key", key)
	out.RawQuery = q.Encode()

	if websocket {
		switch out.Scheme {
		case "https":
			out.Scheme = "wss"
		case "http":
			out.Scheme = "ws"
		}
	}
	return &out
}

// Redact replaces the credential in s so URLs can be logged.
func Redact(s, key string) string {
	if key == "" {
		return s
	}
	s = strings.ReplaceAll(s, url.QueryEscape(key), "REDACTED")
	return strings.ReplaceAll(s, key, "REDACTED")
}
