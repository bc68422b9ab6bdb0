package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads GlobalOptions from disk whenever the backing file
// changes, so a long-running job/scheduling daemon (out of this core's
// scope, but its config surface is not) can pick up new defaults
// (compression and crypt algorithm, weak-password threshold, timeouts)
// without restarting in-flight jobs.
type Watcher struct {
	path    string
	logger  *logrus.Logger
	fsw     *fsnotify.Watcher
	current GlobalOptions
	onChange func(GlobalOptions)
}

// Watch starts watching path for changes, invoking onChange (if non-nil)
// with the freshly reloaded GlobalOptions on every write/create event.
// Callers must call Close when done.
func Watch(path string, logger *logrus.Logger, onChange func(GlobalOptions)) (*Watcher, error) {
	initial, err := LoadGlobalOptions(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{path: path, logger: logger, fsw: fsw, current: initial, onChange: onChange}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			opts, err := LoadGlobalOptions(w.path)
			if err != nil {
				if w.logger != nil {
					w.logger.WithError(err).WithField("path", w.path).Warn("config reload failed, keeping previous options")
				}
				continue
			}
			w.current = opts
			if w.logger != nil {
				w.logger.WithField("path", w.path).Info("config reloaded")
			}
			if w.onChange != nil {
				w.onChange(opts)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.WithError(err).Warn("config watcher error")
			}
		}
	}
}

// Current returns the most recently loaded GlobalOptions.
func (w *Watcher) Current() GlobalOptions {
	return w.current
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
