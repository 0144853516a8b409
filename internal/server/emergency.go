package server

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/bnema/xigrab/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// DefaultReleaseFile is the file whose creation breaks every grab.
const DefaultReleaseFile = "/tmp/xigrab-release"

// EmergencyRelease breaks every active grab when the process receives SIGUSR1
// or when the release file is created. A client that grabs a device and then
// hangs would otherwise keep it frozen forever.
type EmergencyRelease struct {
	dispatcher  *Dispatcher
	releaseFile string
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewEmergencyRelease creates a release handler. An empty releaseFile means
// DefaultReleaseFile.
func NewEmergencyRelease(dispatcher *Dispatcher, releaseFile string) *EmergencyRelease {
	if releaseFile == "" {
		releaseFile = DefaultReleaseFile
	}
	return &EmergencyRelease{
		dispatcher:  dispatcher,
		releaseFile: releaseFile,
		stopChan:    make(chan struct{}),
	}
}

// Start begins monitoring for release triggers.
func (er *EmergencyRelease) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(er.releaseFile)); err != nil {
		watcher.Close()
		return err
	}

	er.wg.Add(2)
	go er.handleSignals()
	go er.watchReleaseFile(watcher)

	logger.Infof("[EMERGENCY] grab release armed: SIGUSR1 or touch %s", er.releaseFile)
	return nil
}

// Stop stops all monitoring and waits for it to end.
func (er *EmergencyRelease) Stop() {
	er.stopOnce.Do(func() {
		close(er.stopChan)
	})
	er.wg.Wait()
}

func (er *EmergencyRelease) handleSignals() {
	defer er.wg.Done()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGUSR1)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-sigChan:
			logger.Warn("[EMERGENCY] SIGUSR1 received")
			er.triggerRelease("signal")
		case <-er.stopChan:
			return
		}
	}
}

func (er *EmergencyRelease) watchReleaseFile(watcher *fsnotify.Watcher) {
	defer er.wg.Done()
	defer watcher.Close()

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(er.releaseFile) || !ev.Has(fsnotify.Create) {
				continue
			}
			logger.Warn("[EMERGENCY] release file detected")
			os.Remove(er.releaseFile)
			er.triggerRelease("file")
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Errorf("[EMERGENCY] watcher error: %v", err)
		case <-er.stopChan:
			return
		}
	}
}

func (er *EmergencyRelease) triggerRelease(reason string) {
	var n int
	err := er.dispatcher.Do(context.Background(), func(c *Core) {
		n = c.BreakGrabs()
	})
	if err != nil {
		logger.Errorf("[EMERGENCY] release failed: %v", err)
		return
	}
	logger.Warnf("[EMERGENCY] released %d grabs (reason: %s)", n, reason)
}
