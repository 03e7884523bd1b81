package registry

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/systempromptio/systemprompt-mcp-server/internal/mcp"
)

const dirNotifyDebounce = 100 * time.Millisecond

// DirResources serves every regular file under a directory as a resource and
// signals list_changed when the tree changes. Watches are recursive: new
// subdirectories are added as they appear.
type DirResources struct {
	root    string
	watcher *fsnotify.Watcher
	log     *slog.Logger

	notifier ChangeNotifier

	mu      sync.Mutex
	pending *time.Timer

	closeOnce sync.Once
	done      chan struct{}
}

// NewDirResources starts watching dir. Close releases the watcher.
func NewDirResources(dir string, log *slog.Logger) (*DirResources, error) {
	if log == nil {
		log = slog.Default()
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve resource dir: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat resource dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("resource dir %s is not a directory", root)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("start watcher: %w", err)
	}

	dr := &DirResources{
		root:    root,
		watcher: watcher,
		log:     log,
		done:    make(chan struct{}),
	}
	if err := dr.watchTree(root); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	go dr.watchLoop()
	return dr, nil
}

func (dr *DirResources) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := dr.watcher.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
		}
		return nil
	})
}

func (dr *DirResources) watchLoop() {
	for {
		select {
		case <-dr.done:
			return
		case ev, ok := <-dr.watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := dr.watchTree(ev.Name); err != nil {
						dr.log.Warn("failed to watch new directory", slog.String("path", ev.Name), slog.String("err", err.Error()))
					}
				}
			}
			dr.scheduleNotify()
		case err, ok := <-dr.watcher.Errors:
			if !ok {
				return
			}
			dr.log.Warn("resource watcher error", slog.String("err", err.Error()))
		}
	}
}

// scheduleNotify coalesces event bursts into one list_changed signal.
func (dr *DirResources) scheduleNotify() {
	dr.mu.Lock()
	defer dr.mu.Unlock()
	if dr.pending != nil {
		dr.pending.Reset(dirNotifyDebounce)
		return
	}
	dr.pending = time.AfterFunc(dirNotifyDebounce, func() {
		dr.mu.Lock()
		dr.pending = nil
		dr.mu.Unlock()
		dr.notifier.Notify()
	})
}

// URI mapping is file://<absolute path>.
func (dr *DirResources) uriFor(path string) string {
	return "file://" + filepath.ToSlash(path)
}

func (dr *DirResources) pathFor(uri string) (string, bool) {
	raw, ok := strings.CutPrefix(uri, "file://")
	if !ok {
		return "", false
	}
	path := filepath.Clean(filepath.FromSlash(raw))
	if path != dr.root && !strings.HasPrefix(path, dr.root+string(filepath.Separator)) {
		return "", false
	}
	return path, true
}

func (dr *DirResources) ListResources(ctx context.Context) []mcp.Resource {
	var out []mcp.Resource
	_ = filepath.WalkDir(dr.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(dr.root, path)
		if relErr != nil {
			rel = d.Name()
		}
		out = append(out, mcp.Resource{
			URI:      dr.uriFor(path),
			Name:     filepath.ToSlash(rel),
			MimeType: mimeForPath(path),
		})
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

func (dr *DirResources) ReadResource(ctx context.Context, hc *HandlerContext, uri string) ([]mcp.ResourceContents, error) {
	path, ok := dr.pathFor(uri)
	if !ok {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}
	mt := mimeForPath(path)
	rc := mcp.ResourceContents{URI: uri, MimeType: mt}
	if isTextMime(mt) {
		rc.Text = string(data)
	} else {
		rc.Blob = base64.StdEncoding.EncodeToString(data)
	}
	return []mcp.ResourceContents{rc}, nil
}

// Subscriber implements ChangeSubscriber.
func (dr *DirResources) Subscriber() <-chan struct{} {
	return dr.notifier.Subscriber()
}

// Close stops the watcher and the change notifier.
func (dr *DirResources) Close() error {
	var err error
	dr.closeOnce.Do(func() {
		close(dr.done)
		err = dr.watcher.Close()
		dr.mu.Lock()
		if dr.pending != nil {
			dr.pending.Stop()
			dr.pending = nil
		}
		dr.mu.Unlock()
		dr.notifier.Close()
	})
	return err
}

var extraMimeTypes = map[string]string{
	".md":   "text/markdown",
	".json": "application/json",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".txt":  "text/plain",
}

func mimeForPath(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if mt, ok := extraMimeTypes[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

func isTextMime(mt string) bool {
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	switch {
	case strings.Contains(mt, "json"), strings.Contains(mt, "yaml"),
		strings.Contains(mt, "xml"), strings.Contains(mt, "javascript"):
		return true
	}
	return false
}
