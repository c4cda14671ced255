package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/idfed/idfed/pkg/observability"
	"github.com/idfed/idfed/pkg/sso"
)

// ProviderManifest is the on-disk providers.yaml document.
type ProviderManifest struct {
	Providers []sso.ProviderConfig `yaml:"providers"`
}

// LoadProviderManifest reads and validates a providers.yaml file.
func LoadProviderManifest(path string) (*ProviderManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading provider manifest: %w", err)
	}

	var manifest ProviderManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing provider manifest: %w", err)
	}

	seen := make(map[string]bool, len(manifest.Providers))
	for i, p := range manifest.Providers {
		if p.ID == "" {
			return nil, fmt.Errorf("provider %d: id is required", i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("provider %q: duplicate id", p.ID)
		}
		seen[p.ID] = true
		switch p.Type {
		case sso.ProviderTypeSAML:
			if p.SAML == nil {
				return nil, fmt.Errorf("provider %q: saml settings are required", p.ID)
			}
		case sso.ProviderTypeOIDC:
			if p.OIDC == nil {
				return nil, fmt.Errorf("provider %q: oidc settings are required", p.ID)
			}
		default:
			return nil, fmt.Errorf("provider %q: unknown type %q", p.ID, p.Type)
		}
	}
	return &manifest, nil
}

// ManifestWatcher reloads the provider manifest when the file changes and
// hands each valid new version to the callback. Invalid edits are logged
// and skipped; the previous configuration stays active.
type ManifestWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *observability.Logger
	onLoad  func(*ProviderManifest)
	done    chan struct{}
}

// WatchProviderManifest starts watching path. The callback runs once per
// valid reload, never concurrently with itself. Call Close to stop.
func WatchProviderManifest(path string, logger *observability.Logger, onLoad func(*ProviderManifest)) (*ManifestWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating manifest watcher: %w", err)
	}
	// Watch the directory: editors replace the file, which drops a watch
	// placed on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching manifest directory: %w", err)
	}

	w := &ManifestWatcher{
		path:    path,
		watcher: watcher,
		logger:  logger,
		onLoad:  onLoad,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *ManifestWatcher) run() {
	// Editors fire several events per save; debounce before reloading.
	var pending <-chan time.Time
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case <-pending:
			pending = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("manifest watcher error")
		case <-w.done:
			return
		}
	}
}

func (w *ManifestWatcher) reload() {
	manifest, err := LoadProviderManifest(w.path)
	if err != nil {
		w.logger.WithError(err).Error("manifest reload failed; keeping previous providers")
		return
	}
	w.logger.WithField("providers", len(manifest.Providers)).Info("provider manifest reloaded")
	w.onLoad(manifest)
}

// Close stops the watcher.
func (w *ManifestWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
