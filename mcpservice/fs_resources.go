package mcpservice

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"

	"github.com/relaywire/mcpserve/mcp"
)

// FSResources exposes a directory tree as a resource set backed by a
// ResourcesContainer. File writes, creates and removals observed through
// fsnotify flow into the container, whose notifiers drive updated and
// listChanged notifications.
//
// Reads are constrained to the symlink-resolved root; paths and symlink
// targets escaping it are skipped.
type FSResources struct {
	root     string // absolute, symlink-evaluated
	baseURI  string // e.g. "fs://workspace"
	log      *slog.Logger
	registry *ResourcesContainer
}

// FSOption configures FSResources.
type FSOption func(*FSResources)

// WithFSBaseURI sets the URI prefix used in Resource.URI. Defaults to "fs://".
func WithFSBaseURI(base string) FSOption {
	return func(r *FSResources) { r.baseURI = strings.TrimSuffix(base, "/") }
}

// WithFSLogger sets the logger used by the watcher loop.
func WithFSLogger(l *slog.Logger) FSOption {
	return func(r *FSResources) {
		if l != nil {
			r.log = l
		}
	}
}

// NewFSResources constructs an FSResources over the given directory and
// performs the initial scan. Call Watch to keep the container in sync with
// the filesystem.
func NewFSResources(root string, opts ...FSOption) (*FSResources, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}

	r := &FSResources{
		root:     real,
		baseURI:  "fs:/",
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		registry: NewResourcesContainer(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.scan(); err != nil {
		return nil, err
	}
	return r, nil
}

// Container returns the backing resource registry to hand to a Server.
func (r *FSResources) Container() *ResourcesContainer { return r.registry }

// Watch blocks, mirroring filesystem changes into the container until ctx is
// canceled.
func (r *FSResources) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify watcher: %w", err)
	}
	defer w.Close()

	if err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("watch tree: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			r.handleEvent(w, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.log.Error("fswatch.err", slog.String("err", err.Error()))
		}
	}
}

func (r *FSResources) handleEvent(w *fsnotify.Watcher, ev fsnotify.Event) {
	switch {
	case ev.Op.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.Add(ev.Name)
			return
		}
		r.putFile(ev.Name)
	case ev.Op.Has(fsnotify.Write):
		r.putFile(ev.Name)
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		r.registry.Remove(r.uriFor(ev.Name))
	}
}

func (r *FSResources) scan() error {
	return filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		r.putFile(path)
		return nil
	})
}

func (r *FSResources) putFile(path string) {
	rel, err := filepath.Rel(r.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		// outside the root: never expose
		return
	}
	// Symlinks inside the root may still point outside it; resolve the file
	// itself before reading.
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		r.log.Warn("fswatch.resolve.fail", slog.String("path", path), slog.String("err", err.Error()))
		return
	}
	if realRel, err := filepath.Rel(r.root, real); err != nil || strings.HasPrefix(realRel, "..") {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		r.log.Warn("fswatch.read.fail", slog.String("path", path), slog.String("err", err.Error()))
		return
	}

	uri := r.uriFor(path)
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	res := mcp.Resource{URI: uri, Name: rel, MimeType: mimeType}

	if utf8.Valid(data) {
		r.registry.Put(res, TextContents(uri, mimeType, string(data)))
	} else {
		r.registry.Put(res, BlobContents(uri, mimeType, data))
	}
}

func (r *FSResources) uriFor(path string) string {
	rel, err := filepath.Rel(r.root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	return r.baseURI + "/" + filepath.ToSlash(rel)
}
