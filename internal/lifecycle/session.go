package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReadSession loads the identity stored at path. A missing or empty file
// means nobody is signed in and yields nil without error.
func ReadSession(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("failed to parse session %s: %w", path, err)
	}
	if id.UserID == "" {
		return nil, nil
	}
	return &id, nil
}

// WriteSession stores id at path, replacing the file atomically. A nil id
// removes the file.
func WriteSession(path string, id *Identity) error {
	if id == nil {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove session %s: %w", path, err)
		}
		return nil
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace session %s: %w", path, err)
	}
	return nil
}

// SessionWatcher watches the session file and emits the signed-in identity
// whenever it changes. It watches the parent directory so atomic replaces
// and removals are seen.
type SessionWatcher struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	updates chan *Identity
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	last    *Identity
}

// NewSessionWatcher creates a watcher for path. It must be started with
// Start before it emits anything.
func NewSessionWatcher(path string, logger *zap.Logger) (*SessionWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &SessionWatcher{
		path:    abs,
		logger:  logger.Named("session"),
		watcher: watcher,
		updates: make(chan *Identity, 4),
		done:    make(chan struct{}),
	}, nil
}

// Start reads the current session, emits it and begins watching.
func (sw *SessionWatcher) Start() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.running {
		return fmt.Errorf("session watcher already running")
	}
	dir := filepath.Dir(sw.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := sw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch session directory %s: %w", dir, err)
	}

	id, err := ReadSession(sw.path)
	if err != nil {
		sw.logger.Warn("ignoring unreadable session", zap.Error(err))
	}
	sw.last = id
	sw.updates <- id

	sw.running = true
	sw.wg.Add(1)
	go sw.processEvents()
	return nil
}

// Stop stops watching and closes the Updates channel.
func (sw *SessionWatcher) Stop() error {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return nil
	}
	sw.running = false
	sw.mu.Unlock()

	close(sw.done)
	err := sw.watcher.Close()
	sw.wg.Wait()
	close(sw.updates)
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Updates emits the identity after every change, nil after sign-out.
func (sw *SessionWatcher) Updates() <-chan *Identity {
	return sw.updates
}

func (sw *SessionWatcher) processEvents() {
	defer sw.wg.Done()

	for {
		select {
		case <-sw.done:
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != sw.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			sw.reload()

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Warn("session watcher error", zap.Error(err))
		}
	}
}

func (sw *SessionWatcher) reload() {
	id, err := ReadSession(sw.path)
	if err != nil {
		// Usually a partial write; the next event will carry the full file.
		sw.logger.Debug("session not readable yet", zap.Error(err))
		return
	}
	if sameIdentity(sw.last, id) {
		return
	}
	sw.last = id
	select {
	case sw.updates <- id:
	case <-sw.done:
	}
}

func sameIdentity(a, b *Identity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
