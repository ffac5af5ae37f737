package session

import (
	"encoding/hex"
	"net/url"
	"regexp"

	"github.com/google/uuid"
)

var (
	idPattern     = regexp.MustCompile(`^[a-z0-9]{32}$`)
	pathIDPattern = regexp.MustCompile(`^/([a-z0-9]{32})(?:/|$)`)
)

// GenerateID returns a fresh 32-character lowercase alphanumeric session id.
func GenerateID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// ValidID reports whether s matches the session-id grammar.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}

// IDFromURL returns the leading session-id path segment of rawurl, or ""
// when the path does not start with one. rawurl may be a bare request URI or
// an absolute URL (as found in a referer header).
func IDFromURL(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return ""
	}
	m := pathIDPattern.FindStringSubmatch(u.EscapedPath())
	if m == nil {
		return ""
	}
	return m[1]
}

// Resolve extracts the session id a request belongs to. First match wins:
// the leading path segment, then the id or sessionId query parameter (used
// by the session-management endpoints), then the same two rules applied to
// the referer URL — sub-resource requests for images and scripts carry the
// id only in their referer. An empty result means the request is
// session-less (typically a static asset) and is not an error.
func Resolve(rawurl, referer string) string {
	if id := resolveOne(rawurl); id != "" {
		return id
	}
	if referer != "" {
		return resolveOne(referer)
	}
	return ""
}

func resolveOne(rawurl string) string {
	if id := IDFromURL(rawurl); id != "" {
		return id
	}
	u, err := url.Parse(rawurl)
	if err != nil {
		return ""
	}
	q := u.Query()
	if id := q.Get("id"); id != "" {
		return id
	}
	return q.Get("sessionId")
}
