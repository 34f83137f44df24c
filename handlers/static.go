package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/pkg/errors"

	"template-server/logging"
)

// StaticOptions configures a Static handler.
type StaticOptions struct {
	// Root is the directory whose files are served.
	Root string
	// Index is the file served for directory requests. Empty disables
	// directory requests entirely.
	Index string
	// DenyPatterns are doublestar patterns of root-relative paths that are
	// reported as missing.
	DenyPatterns []string
	// Cache holds small file bodies in memory. Nil disables caching.
	Cache *AssetCache
	// Logger receives resolution failures. Nil disables logging.
	Logger *logging.Logger
}

// Static serves files beneath a root directory. Directory listings are never
// produced and paths escaping the root are forbidden.
type Static struct {
	resolver *Resolver
	cache    *AssetCache
	logger   *logging.Logger
}

// NewStatic creates a static file handler.
func NewStatic(options StaticOptions) (*Static, error) {
	resolver, err := NewResolver(options.Root, options.Index, options.DenyPatterns)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create resolver")
	}

	if _, err := os.Stat(resolver.Root()); err != nil {
		options.Logger.Warnf("Root directory %s is not accessible: %v", resolver.Root(), err)
	}

	return &Static{
		resolver: resolver,
		cache:    options.Cache,
		logger:   options.Logger,
	}, nil
}

// Root returns the absolute root directory.
func (s *Static) Root() string {
	return s.resolver.Root()
}

// ServeHTTP implements http.Handler.
func (s *Static) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		s.fail(w, r, errors.Wrap(ErrMethodNotAllowed, r.Method))
		return
	}

	asset, err := s.resolver.Resolve(r.URL.EscapedPath())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if asset.Directory && !strings.HasSuffix(r.URL.Path, "/") {
		s.redirectToDirectory(w, r, asset)
		return
	}

	s.serveAsset(w, r, asset)
}

// redirectToDirectory redirects to the trailing slash form of a directory
// request so that relative references in the index resolve correctly. The
// location is rebuilt from the normalized path, which collapses leading
// slashes that would otherwise form a scheme-relative URL.
func (s *Static) redirectToDirectory(w http.ResponseWriter, r *http.Request, asset *Asset) {
	directory := strings.TrimSuffix(strings.TrimSuffix(asset.Name, s.resolver.index), "/")
	location := (&url.URL{Path: "/" + directory + "/"}).EscapedPath()
	if directory == "" {
		location = "/"
	}
	if r.URL.RawQuery != "" {
		location += "?" + r.URL.RawQuery
	}
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusMovedPermanently)
}

// serveAsset writes the asset body. Conditional and range requests are
// answered by http.ServeContent using the Last-Modified and ETag validators.
func (s *Static) serveAsset(w http.ResponseWriter, r *http.Request, asset *Asset) {
	header := w.Header()
	header.Set("Content-Type", asset.ContentType)
	header.Set("ETag", etag(asset))
	header.Set("X-Content-Type-Options", "nosniff")

	body, cached, err := s.cache.Load(asset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if cached {
		http.ServeContent(w, r, asset.Name, asset.ModTime, bytes.NewReader(body))
		return
	}

	file, err := os.Open(asset.Path)
	if err != nil {
		s.fail(w, r, classifyFileError(err, asset.Name))
		return
	}
	defer file.Close()

	s.logger.Tracef("Streaming %s (%d bytes)", asset.Path, asset.Size)
	http.ServeContent(w, r, asset.Name, asset.ModTime, file)
}

// fail converts a request error into a response. Internal errors are logged
// since their details are withheld from the client.
func (s *Static) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(errors.Wrapf(err, "unable to serve %s", r.URL.Path))
	} else {
		s.logger.Debugf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeError(w, status, errors.Cause(err).Error())
}

// etag computes a weak validator from the size and modification time.
func etag(asset *Asset) string {
	return fmt.Sprintf(`W/"%x-%x"`, asset.Size, asset.ModTime.UnixNano())
}
