package policy

import (
	"context"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// OverrideWatcher watches a local YAML override file and installs its patch
// on the provider whenever the file changes. An unparseable file leaves the
// previous override in place.
type OverrideWatcher struct {
	path     string
	provider *Provider
	logger   *slog.Logger
}

func NewOverrideWatcher(path string, provider *Provider, logger *slog.Logger) *OverrideWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &OverrideWatcher{path: path, provider: provider, logger: logger}
}

// Start loads the current override (when present) and watches for changes
// until ctx is done.
func (w *OverrideWatcher) Start(ctx context.Context) error {
	w.reload()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	_ = fsw.Add(w.path)

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				w.logger.Info("policy override changed", "path", ev.Name, "op", ev.Op.String())
				w.reload()
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("policy override watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *OverrideWatcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			w.provider.SetOverride(nil)
			return
		}
		w.logger.Warn("read policy override", "path", w.path, "error", err)
		return
	}
	if len(data) == 0 {
		w.provider.SetOverride(nil)
		return
	}
	var patch Patch
	if err := yaml.Unmarshal(data, &patch); err != nil {
		w.logger.Warn("policy override unparseable, keeping previous", "path", w.path, "error", err)
		return
	}
	w.provider.SetOverride(&patch)
}
