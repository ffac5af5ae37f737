// Package session holds the durable per-client session record, its id
// grammar, and the store backends that persist it.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"veilproxy/internal/shuffle"
)

// recordVersion is the wire version of durable session records. Older
// versions remain readable; records from a newer version are rejected.
const recordVersion = 1

// ErrNotFound is returned by store lookups for unknown session ids.
var ErrNotFound = errors.New("session not found")

// ProxySettings is an optional upstream HTTP proxy a session forwards its
// traffic through.
type ProxySettings struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ParseProxySettings parses "host:port" or "user:pass@host:port", with an
// optional http:// prefix.
func ParseProxySettings(raw string) (*ProxySettings, error) {
	raw = strings.TrimPrefix(raw, "http://")
	settings := &ProxySettings{}
	if at := strings.LastIndexByte(raw, '@'); at != -1 {
		creds := raw[:at]
		raw = raw[at+1:]
		user, pass, ok := strings.Cut(creds, ":")
		if !ok {
			return nil, fmt.Errorf("proxy credentials must be user:pass, got %q", creds)
		}
		settings.Username = user
		settings.Password = pass
	}
	host, port, ok := strings.Cut(raw, ":")
	if !ok || host == "" || port == "" {
		return nil, fmt.Errorf("proxy address must be host:port, got %q", raw)
	}
	settings.Host = host
	settings.Port = port
	return settings, nil
}

// URL renders the settings in the form http.Transport.Proxy expects.
func (p *ProxySettings) URL() *url.URL {
	u := &url.URL{Scheme: "http", Host: p.Host + ":" + p.Port}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// Session is one client's proxied browsing context.
type Session struct {
	ID            string         `json:"id"`
	CreatedAt     time.Time      `json:"createdAt"`
	LastUsedAt    time.Time      `json:"lastUsedAt"`
	RestrictIP    string         `json:"restrictIP,omitempty"`
	NeverExpire   bool           `json:"neverExpire,omitempty"`
	ExternalProxy *ProxySettings `json:"externalProxy,omitempty"`
	ShuffleDict   string         `json:"shuffleDict,omitempty"`
}

// New returns a session with default fields: no IP pin, expiring, shuffling
// off.
func New(id string) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		CreatedAt:  now,
		LastUsedAt: now,
	}
}

// Clone returns an independent copy. Stores hand out clones so that callers
// can never mutate cached state outside an Update.
func (s *Session) Clone() *Session {
	c := *s
	if s.ExternalProxy != nil {
		p := *s.ExternalProxy
		c.ExternalProxy = &p
	}
	return &c
}

// IPAllowed reports whether a request from ip may use this session.
// Never-expiring sessions bypass the restriction unconditionally, even if an
// IP pin was set at creation.
func (s *Session) IPAllowed(ip string) bool {
	if s.NeverExpire || s.RestrictIP == "" {
		return true
	}
	return s.RestrictIP == ip
}

// EnableShuffling generates a shuffle dictionary if the session has none.
// An existing dictionary is kept so outstanding shuffled links stay valid.
func (s *Session) EnableShuffling() {
	if s.ShuffleDict == "" {
		s.ShuffleDict = shuffle.GenerateDictionary()
	}
}

// DisableShuffling clears the dictionary; subsequent outbound paths pass
// through unmodified. Toggling shuffling back on generates a fresh
// dictionary, invalidating old shuffled links.
func (s *Session) DisableShuffling() {
	s.ShuffleDict = ""
}

// Shuffler returns the session's path transform, or nil when shuffling is
// disabled.
func (s *Session) Shuffler() *shuffle.Shuffler {
	if s.ShuffleDict == "" {
		return nil
	}
	return shuffle.New(s.ShuffleDict)
}

type record struct {
	Version int `json:"v"`
	*Session
}

// MarshalRecord encodes the session in the versioned durable format.
func (s *Session) MarshalRecord() ([]byte, error) {
	data, err := json.Marshal(record{Version: recordVersion, Session: s})
	if err != nil {
		return nil, fmt.Errorf("failed to encode session %s: %w", s.ID, err)
	}
	return data, nil
}

// UnmarshalRecord decodes a durable record written by this or an older
// store version.
func UnmarshalRecord(data []byte) (*Session, error) {
	var rec record
	rec.Session = &Session{}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode session record: %w", err)
	}
	if rec.Version > recordVersion {
		return nil, fmt.Errorf("session record version %d is newer than supported version %d", rec.Version, recordVersion)
	}
	return rec.Session, nil
}
