package handlers

import (
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
)

// DefaultIndex is the file served for directory requests.
const DefaultIndex = "index.html"

// Asset is a request path resolved against the root directory.
type Asset struct {
	// Path is the absolute file system path of the file to serve.
	Path string
	// Name is the slash-separated path of the file relative to the root.
	Name string
	// ContentType is derived from the extension of Name.
	ContentType string
	// Exists is true when the asset refers to a readable regular file.
	Exists bool
	// Directory is true when the request named a directory and Path refers to
	// its index file.
	Directory bool
	// Size is the file size in bytes.
	Size int64
	// ModTime is the file modification time.
	ModTime time.Time
}

// NormalizePath percent-decodes an escaped request path and collapses its
// "." and ".." segments. The result is slash-separated, relative to the root
// and has no leading or trailing slash. A path that cannot be decoded yields
// ErrBadRequest, and one whose ".." segments climb above the root yields
// ErrForbidden.
func NormalizePath(escaped string) (string, error) {
	decoded, err := url.PathUnescape(escaped)
	if err != nil {
		return "", errors.Wrap(ErrBadRequest, err.Error())
	}
	if strings.IndexByte(decoded, 0) >= 0 {
		return "", errors.Wrap(ErrBadRequest, "path contains NUL byte")
	}

	var segments []string
	for _, segment := range strings.Split(decoded, "/") {
		switch segment {
		case "", ".":
		case "..":
			if len(segments) == 0 {
				return "", ErrForbidden
			}
			segments = segments[:len(segments)-1]
		default:
			if filepath.Separator != '/' && strings.ContainsRune(segment, filepath.Separator) {
				return "", ErrForbidden
			}
			segments = append(segments, segment)
		}
	}

	return strings.Join(segments, "/"), nil
}

// Resolver maps request paths onto files beneath a root directory. It holds
// no mutable state and is safe for concurrent use.
type Resolver struct {
	// root is the absolute root directory.
	root string
	// evaluated indicates that symbolic links in root were already resolved.
	evaluated bool
	// index is the file name tried for directories. Empty disables indexes.
	index string
	// deny are validated doublestar patterns of hidden paths.
	deny []string
}

// NewResolver creates a resolver for the specified root directory. The root
// need not exist yet; requests simply fail with ErrNotFound until it does.
func NewResolver(root, index string, denyPatterns []string) (*Resolver, error) {
	if root == "" {
		return nil, errors.New("empty root directory")
	}
	if strings.ContainsAny(index, `/\`) {
		return nil, errors.Errorf("index must be a file name: %s", index)
	}

	absolute, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "unable to compute absolute root path")
	}
	resolver := &Resolver{root: absolute, index: index}
	if real, err := filepath.EvalSymlinks(absolute); err == nil {
		resolver.root = real
		resolver.evaluated = true
	}

	for _, pattern := range denyPatterns {
		if pattern == "" {
			return nil, errors.New("empty deny pattern")
		}
		// Matching against a non-empty path surfaces bad pattern errors.
		if _, err := doublestar.Match(pattern, "a"); err != nil {
			return nil, errors.Wrapf(err, "invalid deny pattern %q", pattern)
		}
		resolver.deny = append(resolver.deny, pattern)
	}

	return resolver, nil
}

// Root returns the absolute root directory.
func (r *Resolver) Root() string {
	return r.root
}

// Denied reports whether a root-relative slash path, or any directory above
// it, matches a deny pattern.
func (r *Resolver) Denied(name string) bool {
	if name == "" || len(r.deny) == 0 {
		return false
	}
	for end := 0; end <= len(name); end++ {
		if end < len(name) && name[end] != '/' {
			continue
		}
		for _, pattern := range r.deny {
			if match, _ := doublestar.Match(pattern, name[:end]); match {
				return true
			}
		}
	}
	return false
}

// Resolve maps an escaped request path to an asset. Failures carry
// ErrBadRequest, ErrForbidden or ErrNotFound as their cause; anything else is
// an internal error.
func (r *Resolver) Resolve(escaped string) (*Asset, error) {
	name, err := NormalizePath(escaped)
	if err != nil {
		return nil, err
	}
	if r.Denied(name) {
		return nil, errors.Wrapf(ErrNotFound, "denied path %s", name)
	}

	root, err := r.realRoot()
	if err != nil {
		return nil, err
	}

	full := filepath.Join(root, filepath.FromSlash(name))
	info, err := r.stat(root, full)
	if err != nil {
		return nil, err
	}

	asset := &Asset{Path: full, Name: name}
	if !info.IsDir() && strings.HasSuffix(escaped, "/") {
		return nil, errors.Wrapf(ErrNotFound, "not a directory: %s", name)
	}
	if info.IsDir() {
		if r.index == "" {
			return nil, errors.Wrapf(ErrNotFound, "directory %s", name)
		}
		asset.Directory = true
		asset.Name = path.Join(name, r.index)
		asset.Path = filepath.Join(full, r.index)
		if r.Denied(asset.Name) {
			return nil, errors.Wrapf(ErrNotFound, "denied path %s", asset.Name)
		}
		if info, err = r.stat(root, asset.Path); err != nil {
			return nil, err
		}
	}
	if !info.Mode().IsRegular() {
		return nil, errors.Wrapf(ErrNotFound, "not a regular file: %s", asset.Name)
	}

	asset.ContentType = ContentType(asset.Name)
	asset.Exists = true
	asset.Size = info.Size()
	asset.ModTime = info.ModTime()
	return asset, nil
}

// realRoot returns the symlink-free root directory.
func (r *Resolver) realRoot() (string, error) {
	if r.evaluated {
		return r.root, nil
	}
	real, err := filepath.EvalSymlinks(r.root)
	if err != nil {
		return "", classifyFileError(err, "root directory")
	}
	return real, nil
}

// stat follows symbolic links for the specified path and verifies that the
// target still lies within root and is not hidden by a deny pattern.
func (r *Resolver) stat(root, full string) (os.FileInfo, error) {
	info, err := os.Stat(full)
	if err != nil {
		return nil, classifyFileError(err, full)
	}
	real, err := filepath.EvalSymlinks(full)
	if err != nil {
		return nil, classifyFileError(err, full)
	}
	if !within(root, real) {
		return nil, errors.Wrapf(ErrForbidden, "%s resolves outside root", full)
	}
	if relative, err := filepath.Rel(root, real); err == nil && relative != "." {
		if target := filepath.ToSlash(relative); r.Denied(target) {
			return nil, errors.Wrapf(ErrNotFound, "%s resolves to denied path %s", full, target)
		}
	}
	return info, nil
}

// within reports whether target is root or lies beneath it.
func within(root, target string) bool {
	relative, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return relative != ".." && !strings.HasPrefix(relative, ".."+string(filepath.Separator)) &&
		!filepath.IsAbs(relative)
}

// classifyFileError maps file system errors onto the request taxonomy.
// Missing files (including paths that run through a regular file) are not
// found. Permission and other I/O errors stay internal.
func classifyFileError(err error, name string) error {
	if os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR) {
		return errors.Wrapf(ErrNotFound, "%s: %v", name, err)
	}
	return errors.Wrapf(err, "unable to access %s", name)
}
