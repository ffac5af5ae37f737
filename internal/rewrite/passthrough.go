package rewrite

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/html"
)

// PassthroughEngine is the bundled Engine: it decodes the proxied target
// from the request path and reverse-proxies to it, honoring the session's
// upstream proxy and binding the session id into HTML responses. It performs
// no content rewriting beyond that; a real rewriting engine replaces it
// behind the same interface.
type PassthroughEngine struct {
	logger zerolog.Logger
	// rewriteHeaders overrides response headers; an empty value deletes.
	rewriteHeaders map[string]string
}

func NewPassthrough(logger zerolog.Logger, rewriteHeaders map[string]string) *PassthroughEngine {
	return &PassthroughEngine{
		logger:         logger.With().Str("component", "rewrite").Logger(),
		rewriteHeaders: rewriteHeaders,
	}
}

func (e *PassthroughEngine) Rewrite(w http.ResponseWriter, r *http.Request, rc Context) {
	target, err := targetFromPath(r.URL.RequestURI(), rc)
	if err != nil {
		e.logger.Debug().Err(err).Str("url", r.URL.String()).Msg("bad proxied URL")
		http.Error(w, "Invalid proxied URL", http.StatusBadRequest)
		return
	}

	proxy := &httputil.ReverseProxy{
		Director:       e.director(target),
		ModifyResponse: e.modifyResponse(rc),
		Transport:      transportFor(rc),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			e.logger.Warn().Err(err).Str("target", target.Host).Msg("upstream request failed")
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
		},
	}
	proxy.ServeHTTP(w, r)
}

// targetFromPath recovers the destination URL from "/<id>/<target>",
// unshuffling <target> when the session obfuscates paths.
func targetFromPath(requestURI string, rc Context) (*url.URL, error) {
	prefix := "/" + rc.SessionID + "/"
	if !strings.HasPrefix(requestURI, prefix) {
		return nil, fmt.Errorf("request %q does not carry session prefix", requestURI)
	}
	raw := requestURI[len(prefix):]
	if rc.Shuffler != nil {
		raw = rc.Shuffler.Unshuffle(raw)
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse proxied target: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" || target.Host == "" {
		return nil, fmt.Errorf("proxied target %q is not an absolute http(s) URL", raw)
	}
	return target, nil
}

func (e *PassthroughEngine) director(target *url.URL) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set("X-Forwarded-Host", req.Host)
		req.Host = target.Host
		req.URL = target

		// The destination must not learn where the request came through.
		req.Header.Del("Origin")
		req.Header.Del("Referer")
	}
}

func (e *PassthroughEngine) modifyResponse(rc Context) func(*http.Response) error {
	return func(resp *http.Response) error {
		for k, v := range e.rewriteHeaders {
			if v == "" {
				resp.Header.Del(k)
			} else {
				resp.Header.Set(k, v)
			}
		}

		if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
			return nil
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		resp.Body.Close()

		body = bindSession(body, rc.SessionID)
		resp.Body = io.NopCloser(bytes.NewReader(body))
		resp.ContentLength = int64(len(body))
		resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
		return nil
	}
}

func transportFor(rc Context) *http.Transport {
	tr := &http.Transport{
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
		DisableCompression:  true,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if rc.ExternalProxy != nil {
		tr.Proxy = http.ProxyURL(rc.ExternalProxy.URL())
	}
	return tr
}

// bindSession injects a script into the document head that exposes the
// session id to proxied pages. Unparseable bodies pass through unchanged.
func bindSession(body []byte, sessionID string) []byte {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return body
	}

	script := &html.Node{
		Type: html.ElementNode,
		Data: "script",
	}
	script.AppendChild(&html.Node{
		Type: html.TextNode,
		Data: fmt.Sprintf("sessionStorage.setItem('veilproxy_session',%q);", sessionID),
	})

	var inject func(*html.Node) bool
	inject = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "head" {
			n.AppendChild(script)
			return true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if inject(c) {
				return true
			}
		}
		return false
	}
	if !inject(doc) {
		return body
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return body
	}
	return buf.Bytes()
}
