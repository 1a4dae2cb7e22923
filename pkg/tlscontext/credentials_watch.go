package tlscontext

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CredentialWatcher reloads file-backed credentials when their source files
// change on disk.
type CredentialWatcher struct {
	ctx        *Context
	watcher    *fsnotify.Watcher
	reloadGate chan struct{}
	onReload   func(error)
	logger     *slog.Logger
	mu         sync.Mutex
	closed     bool
}

// WatchCredentialFiles starts watching every credential file this context
// previously loaded from a path (certificate chain, private key, trust
// store, client CA list) and reloads the changed artifact after rapid
// writes settle. onReload, when non-nil, receives each reload's outcome.
// The caller owns the returned watcher and must Close it.
func (c *Context) WatchCredentialFiles(onReload func(error)) (*CredentialWatcher, error) {
	c.mu.RLock()
	sources := c.sources
	c.mu.RUnlock()

	paths := make([]string, 0, 4)
	for _, p := range []string{sources.certPath, sources.keyPath, sources.trustPath, sources.clientCAPath} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return nil, NewConfigurationError("no file-backed credentials to watch", nil).
			WithSuggestion("Load a certificate chain, key, or trust store from a file first")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, NewErrorWithCause(ErrorTypeFileWatching, "create file watcher", err)
	}

	watched := make(map[string]bool)
	for _, p := range paths {
		if watched[p] {
			continue
		}
		if err := watcher.Add(p); err != nil {
			watcher.Close()
			return nil, NewErrorWithCause(ErrorTypeFileWatching, "watch credential file", err).
				WithContext("path", p)
		}
		watched[p] = true
	}

	w := &CredentialWatcher{
		ctx:        c,
		watcher:    watcher,
		reloadGate: make(chan struct{}, 1),
		onReload:   onReload,
		logger:     c.logger,
	}

	// Start watching in a goroutine
	go w.watchFiles()

	c.logger.Info("Started watching credential files", "file_count", len(watched))
	return w, nil
}

// watchFiles handles file system events.
func (w *CredentialWatcher) watchFiles() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				w.logger.Info("Credential file changed", "file", event.Name, "operation", event.Op.String())

				// Let rapid successive writes settle before reloading.
				go func(changed string) {
					time.Sleep(100 * time.Millisecond)
					select {
					case w.reloadGate <- struct{}{}:
						w.reload(changed)
						<-w.reloadGate
					default:
						// Reload already pending
					}
				}(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Credential file watcher error", "error", err)
		}
	}
}

// reload refreshes the artifact the changed path backs. Certificate and key
// reload together when both are file-backed so the pair stays matched.
func (w *CredentialWatcher) reload(changed string) {
	c := w.ctx

	c.mu.RLock()
	sources := c.sources
	c.mu.RUnlock()

	var err error
	switch changed {
	case sources.certPath, sources.keyPath:
		switch {
		case sources.certPath != "" && sources.keyPath != "":
			err = c.LoadCertKeyPairFromFiles(sources.certPath, sources.keyPath, sources.certFormat)
		case sources.certPath != "":
			err = c.LoadCertificateChain(sources.certPath, sources.certFormat)
		default:
			err = c.LoadPrivateKey(sources.keyPath, sources.keyFormat)
		}
	case sources.trustPath:
		err = c.LoadTrustedCertificates(sources.trustPath)
	case sources.clientCAPath:
		c.LoadClientCAList(sources.clientCAPath)
	}

	success := err == nil
	c.events.LogCredentialReload(context.Background(), changed, success, err)
	if c.metrics != nil {
		errorMsg := ""
		if err != nil {
			errorMsg = err.Error()
		}
		c.metrics.RecordCredentialReload(context.Background(), changed, success, errorMsg)
	}
	if w.onReload != nil {
		w.onReload(err)
	}
}

// Close stops the watcher. Safe to call more than once.
func (w *CredentialWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.watcher.Close()
}
