package security

import (
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/antcode/antcode/pkg/log"
)

// KeyWatcher reloads a SecretsManager's key from disk whenever the backing
// file changes, so the master's encryption key can be rotated without a
// restart.
type KeyWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	mgr     *SecretsManager
}

// WatchKeyFile starts watching path and rotates mgr's key on every write.
// The initial key must already be loaded into mgr by the caller.
func WatchKeyFile(path string, mgr *SecretsManager) (*KeyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}

	kw := &KeyWatcher{watcher: w, path: path, mgr: mgr}
	go kw.run()
	return kw, nil
}

func (kw *KeyWatcher) run() {
	logger := log.WithComponent("security.keywatcher")
	for {
		select {
		case event, ok := <-kw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			key, err := os.ReadFile(kw.path)
			if err != nil {
				logger.Warn().Err(err).Msg("failed to read rotated key file")
				continue
			}
			if len(key) != 32 {
				logger.Warn().Int("len", len(key)).Msg("rotated key file has wrong length, ignoring")
				continue
			}
			if err := kw.mgr.Rotate(key); err != nil {
				logger.Warn().Err(err).Msg("failed to rotate encryption key")
				continue
			}
			logger.Info().Msg("encryption key rotated from disk")
		case err, ok := <-kw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("key watcher error")
		}
	}
}

// Close stops the watcher.
func (kw *KeyWatcher) Close() error {
	return kw.watcher.Close()
}
