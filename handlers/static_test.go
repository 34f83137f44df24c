package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStatic(t *testing.T, files map[string]string, cache *AssetCache) (*Static, string) {
	t.Helper()

	root := writeTree(t, files)
	static, err := NewStatic(StaticOptions{
		Root:         root,
		Index:        DefaultIndex,
		DenyPatterns: []string{"**/.*"},
		Cache:        cache,
		Logger:       testLogger(),
	})
	require.NoError(t, err)
	return static, root
}

// serve issues a request. Its path reaches the handler uncleaned, as it
// does from the HTTP server.
func serve(handler http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for key, values := range header {
		req.Header[key] = values
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return response
}

var siteFiles = map[string]string{
	"index.html":      "<h1>home</h1>",
	"css/site.css":    "body { color: red; }",
	"js/app.js":       "console.log('app')",
	"docs/index.html": "<h1>docs</h1>",
	"data/blob":       "\x00\x01\x02",
	"empty/.keep":     "",
	".env":            "SECRET=1",
	"web-app.foldr":   "PK\x03\x04",
}

func TestStatic_ServesFiles(t *testing.T) {
	static, _ := newTestStatic(t, siteFiles, nil)

	for name, content := range map[string]string{
		"/css/site.css":  siteFiles["css/site.css"],
		"/js/app.js":     siteFiles["js/app.js"],
		"/data/blob":     siteFiles["data/blob"],
		"/web-app.foldr": siteFiles["web-app.foldr"],
	} {
		w := serve(static, http.MethodGet, name, nil)
		assert.Equal(t, http.StatusOK, w.Code, name)
		assert.Equal(t, content, w.Body.String(), name)
		assert.Equal(t, ContentType(name), w.Header().Get("Content-Type"), name)
		assert.NotEmpty(t, w.Header().Get("Last-Modified"), name)
		assert.NotEmpty(t, w.Header().Get("ETag"), name)
	}
}

func TestStatic_RootIndex(t *testing.T) {
	static, _ := newTestStatic(t, siteFiles, nil)

	w := serve(static, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<h1>home</h1>", w.Body.String())
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))

	w = serve(static, http.MethodGet, "/docs/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<h1>docs</h1>", w.Body.String())
}

func TestStatic_DirectoryRedirect(t *testing.T) {
	static, _ := newTestStatic(t, siteFiles, nil)

	w := serve(static, http.MethodGet, "/docs", nil)
	assert.Equal(t, http.StatusMovedPermanently, w.Code)
	assert.Equal(t, "/docs/", w.Header().Get("Location"))

	w = serve(static, http.MethodGet, "/docs?lang=en", nil)
	assert.Equal(t, http.StatusMovedPermanently, w.Code)
	assert.Equal(t, "/docs/?lang=en", w.Header().Get("Location"))

	// Leading slashes collapse so the location cannot name another host.
	w = serve(static, http.MethodGet, "//docs", nil)
	assert.Equal(t, http.StatusMovedPermanently, w.Code)
	assert.Equal(t, "/docs/", w.Header().Get("Location"))
}

func TestStatic_NotFound(t *testing.T) {
	static, _ := newTestStatic(t, siteFiles, nil)

	for _, name := range []string{"/nonexistent.file", "/empty/", "/empty", "/css/site.css/more", "/css/site.css/", "/.env"} {
		w := serve(static, http.MethodGet, name, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, name)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"), name)
		assert.Equal(t, "not_found", decodeError(t, w).Error, name)
	}
}

func TestStatic_Traversal(t *testing.T) {
	parent := writeTree(t, map[string]string{"secret.txt": "top secret"})
	root := filepath.Join(parent, "public")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("home"), 0o644))

	static, err := NewStatic(StaticOptions{Root: root, Index: DefaultIndex})
	require.NoError(t, err)

	for _, target := range []string{
		"/../secret.txt",
		"/../../etc/passwd",
		"/%2e%2e/secret.txt",
		"/..%2fsecret.txt",
		"/css/../../secret.txt",
	} {
		w := serve(static, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusForbidden, w.Code, target)
		assert.NotContains(t, w.Body.String(), "top secret", target)
		assert.Equal(t, "forbidden", decodeError(t, w).Error, target)
	}

	// Dot segments that stay within the root are collapsed.
	w := serve(static, http.MethodGet, "/docs/../index.html", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "home", w.Body.String())
}

func TestStatic_BadRequest(t *testing.T) {
	static, _ := newTestStatic(t, siteFiles, nil)

	for _, target := range []string{"/index.html%00", "/css%00/site.css"} {
		w := serve(static, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
		assert.Equal(t, "bad_request", decodeError(t, w).Error, target)
	}
}

func TestStatic_MethodNotAllowed(t *testing.T) {
	static, _ := newTestStatic(t, siteFiles, nil)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodOptions} {
		w := serve(static, method, "/index.html", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, method)
		assert.Equal(t, "GET, HEAD", w.Header().Get("Allow"), method)
		assert.Equal(t, "method_not_allowed", decodeError(t, w).Error, method)
	}
}

func TestStatic_Head(t *testing.T) {
	static, _ := newTestStatic(t, siteFiles, nil)

	w := serve(static, http.MethodHead, "/css/site.css", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Equal(t, "text/css; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestStatic_ConditionalGet(t *testing.T) {
	static, _ := newTestStatic(t, siteFiles, nil)

	first := serve(static, http.MethodGet, "/js/app.js", nil)
	require.Equal(t, http.StatusOK, first.Code)
	etag := first.Header().Get("ETag")
	lastModified := first.Header().Get("Last-Modified")

	w := serve(static, http.MethodGet, "/js/app.js", http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusNotModified, w.Code)
	assert.Empty(t, w.Body.String())

	w = serve(static, http.MethodGet, "/js/app.js", http.Header{"If-Modified-Since": {lastModified}})
	assert.Equal(t, http.StatusNotModified, w.Code)

	w = serve(static, http.MethodGet, "/js/app.js", http.Header{"If-None-Match": {`W/"stale"`}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, siteFiles["js/app.js"], w.Body.String())
}

func TestStatic_Range(t *testing.T) {
	static, _ := newTestStatic(t, siteFiles, nil)

	w := serve(static, http.MethodGet, "/css/site.css", http.Header{"Range": {"bytes=0-3"}})
	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "body", w.Body.String())
}

func TestStatic_Cached(t *testing.T) {
	cache := NewAssetCache(10, time.Minute, 1024)
	static, root := newTestStatic(t, siteFiles, cache)

	w := serve(static, http.MethodGet, "/css/site.css", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, siteFiles["css/site.css"], w.Body.String())
	assert.Equal(t, 1, cache.Size())

	w = serve(static, http.MethodGet, "/css/site.css", nil)
	assert.Equal(t, siteFiles["css/site.css"], w.Body.String())
	assert.Equal(t, uint64(1), cache.Stats().Hits)

	// A modified file replaces the cached body.
	path := filepath.Join(root, "css", "site.css")
	require.NoError(t, os.WriteFile(path, []byte("body { color: blue; }"), 0o644))
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))

	w = serve(static, http.MethodGet, "/css/site.css", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "body { color: blue; }", w.Body.String())
}

func TestStatic_LargeFileBypassesCache(t *testing.T) {
	cache := NewAssetCache(10, time.Minute, 4)
	static, _ := newTestStatic(t, siteFiles, cache)

	w := serve(static, http.MethodGet, "/js/app.js", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, siteFiles["js/app.js"], w.Body.String())
	assert.Equal(t, 0, cache.Size())
}

func TestStatic_LogsInternalErrors(t *testing.T) {
	logs := captureLogs(t)
	static, root := newTestStatic(t, siteFiles, nil)

	// Resolution succeeds but the file vanishes before it is opened.
	asset, err := static.resolver.Resolve("/js/app.js")
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(root, "js", "app.js")))

	w := httptest.NewRecorder()
	static.serveAsset(w, httptest.NewRequest(http.MethodGet, "/js/app.js", nil), asset)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, w.Header().Get("ETag"))

	static.fail(w, httptest.NewRequest(http.MethodGet, "/x", nil), os.ErrPermission)
	assert.Contains(t, logs.String(), "Error: unable to serve /x")
}

func TestStatic_InternalErrorBody(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusInternalServerError, "open /secret/path: input/output error")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, bytes.Contains(w.Body.Bytes(), []byte("/secret/path")))
	assert.Equal(t, "internal_server_error", decodeError(t, w).Error)
}
