package config

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
)

// Watch starts a combined SIGHUP + fsnotify watch loop on path. Whenever
// either fires, the file is reloaded and validated; on success apply is
// called with the new config, on failure onError receives the error and
// the previous config remains in effect. Watch blocks until ctx is
// cancelled and is meant to be run in its own goroutine.
//
// fsnotify supplements SIGHUP for container deployments where nothing
// forwards signals to PID 1.
func Watch(ctx context.Context, path string, apply func(*Config), onError func(error)) {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		onError(err)
		watcher = nil
	}
	if watcher != nil {
		defer watcher.Close()
		_ = watcher.Add(path)
	}

	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			onError(err)
			return
		}
		apply(cfg)
	}

	var fsEvents chan fsnotify.Event
	if watcher != nil {
		fsEvents = watcher.Events
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sighup:
			reload()
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				reload()
			}
		}
	}
}
