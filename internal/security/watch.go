// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file implements the state-file tamper watcher.
//
// The lockout tracker signs its state so edits are detected on the next
// load; the watcher closes the gap between loads by re-verifying whenever
// the file changes on disk while the process is running. A removed or
// renamed state file is treated the same as a rewritten one.
package security

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// TAMPER WATCHER
// =============================================================================

// TamperWatcher watches the data directory and re-checks watched state
// files whenever they change underneath the process.
type TamperWatcher struct {
	watcher *fsnotify.Watcher
	watched map[string]func() bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// onTamper is invoked with the offending path when a verification
	// fails. Optional.
	onTamper func(path string)
}

// NewTamperWatcher creates a watcher over dir. Call Watch to register
// files and Start to begin monitoring.
func NewTamperWatcher(dir string, onTamper func(path string)) (*TamperWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	return &TamperWatcher{
		watcher:  watcher,
		watched:  make(map[string]func() bool),
		onTamper: onTamper,
	}, nil
}

// Watch registers a file basename with a verification callback. The
// callback returns false when the file no longer checks out.
func (w *TamperWatcher) Watch(name string, verify func() bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched[name] = verify
}

// Start begins processing events until Stop is called.
func (w *TamperWatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(ctx)
}

func (w *TamperWatcher) loop(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.check(event.Name)

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors are not tamper evidence; keep going.
		}
	}
}

// check re-verifies the changed file if it is one we care about. The
// lockout tracker's own atomic saves pass verification, so legitimate
// writes cause no alarm.
func (w *TamperWatcher) check(path string) {
	name := filepath.Base(path)

	w.mu.Lock()
	verify, ok := w.watched[name]
	onTamper := w.onTamper
	w.mu.Unlock()

	if !ok {
		return
	}

	if !verify() && onTamper != nil {
		onTamper(path)
	}
}

// Stop shuts the watcher down and waits for the event loop to exit.
func (w *TamperWatcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.watcher.Close()
	if done != nil {
		<-done
	}
}
