package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"AgentEngine/pkg/logger"
)

// toolPolicyFile is the on-disk shape of tool-policy.json: an explicit
// hard-denylist an operator can edit without restarting the engine.
type toolPolicyFile struct {
	DeniedTools []string `json:"denied_tools"`
}

// FileWatcher keeps a DefaultPolicy's DeniedTools in sync with
// tool-policy.json, reloading it whenever the file changes. Grounded on
// the config/provider.FileProvider watch-directory/debounce pattern: most
// filesystems don't deliver reliable events for a watch on a single file,
// so the parent directory is watched and events are filtered by basename.
type FileWatcher struct {
	policy *DefaultPolicy
	path   string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	closed  bool
}

// WatchDeniedTools loads path once synchronously (a missing file leaves
// policy.DeniedTools untouched) and starts watching it for edits until ctx
// is done. Call the returned stop func to tear down the watcher early.
func WatchDeniedTools(ctx context.Context, policy *DefaultPolicy, path string) (stop func(), err error) {
	w := &FileWatcher{policy: policy, path: path}
	w.reload()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tool-policy watcher: %w", err)
	}
	w.watcher = watcher

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("tool-policy watcher: watch %s: %w", dir, err)
	}

	go w.loop(ctx)
	return w.Close, nil
}

func (w *FileWatcher) loop(ctx context.Context) {
	defer w.Close()

	base := filepath.Base(w.path)
	var debounce *time.Timer
	const delay = 150 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(delay, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Policy", "tool-policy watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (w *FileWatcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("Policy", "tool-policy reload failed", map[string]interface{}{"path": w.path, "error": err.Error()})
		}
		return
	}

	var file toolPolicyFile
	if err := json.Unmarshal(data, &file); err != nil {
		logger.Warn("Policy", "tool-policy parse failed", map[string]interface{}{"path": w.path, "error": err.Error()})
		return
	}

	denied := make(map[string]bool, len(file.DeniedTools))
	for _, name := range file.DeniedTools {
		denied[name] = true
	}

	w.mu.Lock()
	w.policy.DeniedTools = denied
	w.mu.Unlock()

	logger.Info("Policy", "tool-policy reloaded", map[string]interface{}{"path": w.path, "denied_count": len(denied)})
}

// Close stops the watcher. Safe to call more than once.
func (w *FileWatcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	if w.watcher != nil {
		w.watcher.Close()
	}
}
