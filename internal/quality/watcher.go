package quality

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

// ConfigWatcher hot-reloads per-team gate configuration from a yaml file.
// Operators tune thresholds without restarting the daemon; a malformed
// file is rejected and the previous configuration stays in effect.
type ConfigWatcher struct {
	path        string
	coordinator *Coordinator
	watcher     *fsnotify.Watcher
	logger      *zap.Logger
	stop        chan struct{}
	done        chan struct{}
}

// NewConfigWatcher creates a watcher over the given gates file.
func NewConfigWatcher(path string, coordinator *Coordinator, logger *zap.Logger) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating gate config watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigWatcher{
		path:        path,
		coordinator: coordinator,
		watcher:     watcher,
		logger:      logger,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// Start loads the file once, then watches its directory for changes.
// Watching the directory rather than the file survives the
// rename-and-replace dance editors and config tools perform.
func (w *ConfigWatcher) Start(ctx context.Context) error {
	if err := w.reload(); err != nil {
		return err
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching gate config directory: %w", err)
	}
	go w.run(ctx)
	return nil
}

// Stop halts the watcher and releases its resources.
func (w *ConfigWatcher) Stop() {
	close(w.stop)
	<-w.done
	_ = w.watcher.Close()
}

func (w *ConfigWatcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := w.reload(); err != nil {
				w.logger.Warn("gate config reload failed, keeping previous configuration",
					zap.String("path", w.path), zap.Error(err))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("gate config watcher error", zap.Error(err))
		}
	}
}

// LoadGateFile parses a per-team gates yaml file. The file carries a
// top-level "teams" mapping of team name to GateConfig.
func LoadGateFile(path string) (map[string]GateConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading gate config: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parsing gate config: %w", err)
	}

	teams := make(map[string]GateConfig)
	if err := k.Unmarshal("teams", &teams); err != nil {
		return nil, fmt.Errorf("unmarshaling gate config: %w", err)
	}
	return teams, nil
}

// reload parses the gates file and swaps the coordinator's team mapping.
func (w *ConfigWatcher) reload() error {
	teams, err := LoadGateFile(w.path)
	if err != nil {
		return err
	}

	w.coordinator.ReplaceAll(teams)
	w.logger.Info("gate configuration loaded",
		zap.String("path", w.path), zap.Int("teams", len(teams)))
	return nil
}
