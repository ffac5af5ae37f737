package server

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStaticFile(t *testing.T, dir, name, content string) {
	t.Helper()
	full := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestRoutesKeepPrecedenceOverStaticFiles(t *testing.T) {
	s, _ := newTestServer(t, nil)

	pub := t.TempDir()
	writeStaticFile(t, pub, "needpassword", "static impostor")
	writeStaticFile(t, pub, "newsession", "static impostor")
	writeStaticFile(t, pub, "style.css", "body {}")
	require.NoError(t, s.RegisterStaticDir(pub))

	// A public file named after an admin endpoint must not replace it.
	w := doGET(s, "/needpassword", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "false", w.Body.String())

	w = doGET(s, "/newsession", "1.2.3.4")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, "static impostor", w.Body.String())

	// Files that collide with nothing are served as-is.
	w = doGET(s, "/style.css", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "body {}", w.Body.String())
}

func TestStaticIndexServesDirectoryPaths(t *testing.T) {
	s, _ := newTestServer(t, nil)

	pub := t.TempDir()
	writeStaticFile(t, pub, "index.html", "<html>root</html>")
	writeStaticFile(t, pub, filepath.Join("docs", "index.html"), "<html>docs</html>")
	require.NoError(t, s.RegisterStaticDir(pub))

	w := doGET(s, "/", "")
	assert.Equal(t, "<html>root</html>", w.Body.String())

	w = doGET(s, "/docs/", "")
	assert.Equal(t, "<html>docs</html>", w.Body.String())

	w = doGET(s, "/docs", "")
	assert.Equal(t, "<html>docs</html>", w.Body.String())
}

func TestStaticFilesDisableClientCaching(t *testing.T) {
	s, _ := newTestServer(t, nil)

	pub := t.TempDir()
	writeStaticFile(t, pub, "style.css", "body {}")
	require.NoError(t, s.RegisterStaticDir(pub))

	w := doGET(s, "/style.css", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/css; charset=utf-8", w.Header().Get("Content-Type"))
	// Handlers re-read the file per request; the client must not cache away
	// edits either.
	assert.Equal(t, "no-cache, no-store, must-revalidate, max-age=0", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", w.Header().Get("Pragma"))
	assert.Equal(t, "0", w.Header().Get("Expires"))
}
