package secret

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// FileStore resolves references from a JSON file mapping reference to
// credential. The file is watched with fsnotify and reloaded on change
// so revocations and rotations take effect without a restart.
type FileStore struct {
	path    string
	mu      sync.RWMutex
	secrets map[string]string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileStore loads the secrets file and starts watching it. A missing
// file is not an error; the store starts empty and picks the file up
// when it appears.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("secrets file path is required")
	}

	fs := &FileStore{
		path:    path,
		secrets: make(map[string]string),
		done:    make(chan struct{}),
	}

	if err := fs.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	fs.watcher = watcher

	// Watch the directory, not the file: editors replace files by
	// rename, which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch secrets directory: %w", err)
	}

	go fs.watch()

	log.Info().Str("path", path).Int("count", fs.count()).Msg("Secret store loaded")

	return fs, nil
}

// Resolve returns the credential for a reference.
func (fs *FileStore) Resolve(ref string) (string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	value, ok := fs.secrets[ref]
	if !ok || value == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}

	return value, nil
}

// Close stops the watcher.
func (fs *FileStore) Close() error {
	close(fs.done)
	if fs.watcher != nil {
		return fs.watcher.Close()
	}
	return nil
}

func (fs *FileStore) count() int {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return len(fs.secrets)
}

func (fs *FileStore) reload() error {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		return err
	}

	var secrets map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return fmt.Errorf("failed to parse secrets file: %w", err)
	}

	fs.mu.Lock()
	fs.secrets = secrets
	fs.mu.Unlock()

	return nil
}

func (fs *FileStore) watch() {
	for {
		select {
		case <-fs.done:
			return
		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if event.Name != fs.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := fs.reload(); err != nil {
				log.Warn().Err(err).Msg("Failed to reload secrets file")
				continue
			}
			log.Info().Int("count", fs.count()).Msg("Secrets file reloaded")
		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Secret watcher error")
		}
	}
}
