package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veilproxy/internal/config"
	"veilproxy/internal/rewrite"
	"veilproxy/internal/session"
)

// recordingEngine stands in for the external rewriting engine and records
// the session context it was handed.
type recordingEngine struct {
	calls []rewrite.Context
}

func (e *recordingEngine) Rewrite(w http.ResponseWriter, _ *http.Request, rc rewrite.Context) {
	e.calls = append(e.calls, rc)
	w.WriteHeader(http.StatusOK)
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *recordingEngine) {
	t.Helper()
	cfg := &config.Config{
		Port:               8080,
		StripClientHeaders: []string{"cf-ray"},
	}
	cfg.Session.RestrictIP = true
	if mutate != nil {
		mutate(cfg)
	}

	store, err := session.OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := &recordingEngine{}
	return New(cfg, zerolog.Nop(), store, engine), engine
}

func doGET(s *Server, target, clientIP string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	if clientIP != "" {
		r.Header.Set("X-Real-IP", clientIP)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	return w
}

func TestSessionLifecycle(t *testing.T) {
	s, _ := newTestServer(t, nil)

	// Create: the new session is pinned to the caller's IP.
	w := doGET(s, "/newsession", "1.2.3.4")
	require.Equal(t, http.StatusOK, w.Code)
	id := w.Body.String()
	require.True(t, session.ValidID(id), "newsession returned %q", id)

	sess, err := s.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", sess.RestrictIP)

	// Edit: set an upstream proxy.
	w = doGET(s, "/editsession?id="+id+"&httpProxy=proxy.example:8080", "1.2.3.4")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Success", w.Body.String())

	sess, err = s.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sess.ExternalProxy)
	assert.Equal(t, "proxy.example", sess.ExternalProxy.Host)
	assert.Equal(t, "8080", sess.ExternalProxy.Port)

	// Delete, then existence reports not found.
	w = doGET(s, "/deletesession?id="+id, "1.2.3.4")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Success", w.Body.String())

	w = doGET(s, "/sessionexists?id="+id, "1.2.3.4")
	assert.Equal(t, "not found", w.Body.String())

	// Deleting again stays harmless.
	w = doGET(s, "/deletesession?id="+id, "1.2.3.4")
	assert.Equal(t, "not found", w.Body.String())
}

func TestEditSessionShufflingToggle(t *testing.T) {
	s, _ := newTestServer(t, nil)
	id := doGET(s, "/newsession", "1.2.3.4").Body.String()

	doGET(s, "/editsession?id="+id+"&enableShuffling=1", "1.2.3.4")
	sess, err := s.store.Get(context.Background(), id)
	require.NoError(t, err)
	first := sess.ShuffleDict
	assert.NotEmpty(t, first)

	// Enabling again keeps the dictionary.
	doGET(s, "/editsession?id="+id+"&enableShuffling=1", "1.2.3.4")
	sess, _ = s.store.Get(context.Background(), id)
	assert.Equal(t, first, sess.ShuffleDict)

	// Disabling clears it.
	doGET(s, "/editsession?id="+id+"&enableShuffling=0", "1.2.3.4")
	sess, _ = s.store.Get(context.Background(), id)
	assert.Empty(t, sess.ShuffleDict)
}

func TestEditSessionUnknownID(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := doGET(s, "/editsession?id="+session.GenerateID(), "1.2.3.4")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "not found", w.Body.String())
}

func TestSessionExistsRequiresID(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := doGET(s, "/sessionexists", "1.2.3.4")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Must specify id parameter", w.Body.String())
}

func TestNeedPassword(t *testing.T) {
	s, _ := newTestServer(t, nil)
	assert.Equal(t, "false", doGET(s, "/needpassword", "").Body.String())

	s, _ = newTestServer(t, func(c *config.Config) { c.Password = "hunter2" })
	assert.Equal(t, "true", doGET(s, "/needpassword", "").Body.String())
}

func TestPasswordGate(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) { c.Password = "hunter2" })

	w := doGET(s, "/newsession", "1.2.3.4")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doGET(s, "/newsession?pwd=wrong", "1.2.3.4")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doGET(s, "/newsession?pwd=hunter2", "1.2.3.4")
	assert.Equal(t, http.StatusOK, w.Code)

	// Existence checks are not gated.
	w = doGET(s, "/sessionexists?id=whatever", "1.2.3.4")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMainPort(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) { c.Port = 9001 })
	assert.Equal(t, "9001", doGET(s, "/mainport", "").Body.String())
}

func TestIPRestrictionOnPassThrough(t *testing.T) {
	s, engine := newTestServer(t, nil)
	id := doGET(s, "/newsession", "1.2.3.4").Body.String()

	target := "/" + id + "/https://example.com/"

	w := doGET(s, target, "5.6.7.8")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Sessions must come from the same IP", w.Body.String())
	assert.Empty(t, engine.calls)

	w = doGET(s, target, "1.2.3.4")
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, engine.calls, 1)
	assert.Equal(t, id, engine.calls[0].SessionID)
}

func TestNeverExpireSessionBypassesIPRestriction(t *testing.T) {
	s, engine := newTestServer(t, nil)

	w := doGET(s, "/generatelink?url=https://example.com/", "1.2.3.4")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		URL       string `json:"url"`
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.SessionID)
	assert.Contains(t, resp.URL, "/"+resp.SessionID+"/")

	sess, err := s.store.Get(context.Background(), resp.SessionID)
	require.NoError(t, err)
	assert.True(t, sess.NeverExpire)
	assert.NotEmpty(t, sess.ShuffleDict)

	// A totally different caller can use the link.
	w = doGET(s, "/"+resp.SessionID+"/https://example.com/", "9.9.9.9")
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, engine.calls, 1)
	assert.NotNil(t, engine.calls[0].Shuffler)
}

func TestPassThroughWithoutSessionIs404(t *testing.T) {
	s, engine := newTestServer(t, nil)
	w := doGET(s, "/"+session.GenerateID()+"/https://example.com/", "1.2.3.4")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, engine.calls)
}

func TestEnsureSessionIsIdempotent(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := doGET(s, "/ensuresession?id=device-42", "")
	require.Equal(t, http.StatusOK, w.Code)
	sess, err := s.store.Get(context.Background(), "device-42")
	require.NoError(t, err)
	dict := sess.ShuffleDict
	require.NotEmpty(t, dict)
	assert.Empty(t, sess.RestrictIP)

	// Re-ensuring keeps the existing record.
	w = doGET(s, "/ensuresession?id=device-42", "")
	require.Equal(t, http.StatusOK, w.Code)
	sess, _ = s.store.Get(context.Background(), "device-42")
	assert.Equal(t, dict, sess.ShuffleDict)
}

func TestGetProxiedURL(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := doGET(s, "/getproxiedurl?id=device-42&url=https://example.com/page", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		ProxiedURL string `json:"proxiedUrl"`
		SessionID  string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "device-42", resp.SessionID)
	require.Contains(t, resp.ProxiedURL, "/device-42/")

	// The embedded target is shuffled, not plain.
	suffix := resp.ProxiedURL[strings.Index(resp.ProxiedURL, "/device-42/")+len("/device-42/"):]
	sess, err := s.store.Get(context.Background(), "device-42")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/page", sess.Shuffler().Unshuffle(suffix))
}

func TestGetProxiedURLRequiresParams(t *testing.T) {
	s, _ := newTestServer(t, nil)
	assert.Equal(t, http.StatusBadRequest, doGET(s, "/getproxiedurl?id=x", "").Code)
	assert.Equal(t, http.StatusBadRequest, doGET(s, "/getproxiedurl?url=https://example.com", "").Code)
}

func TestRouteOverridesStaticFile(t *testing.T) {
	s, _ := newTestServer(t, nil)
	s.GET("/custom", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("first"))
	})
	s.GET("/custom", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("second"))
	})
	assert.Equal(t, "second", doGET(s, "/custom", "").Body.String())
}
