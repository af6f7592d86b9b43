package signalhandler

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"driftguard/logging"
)

// exitCode is used when a second signal arrives before shutdown finishes
const exitCode = 130

// SetupHandler returns a context cancelled by the first SIGINT or SIGTERM so
// in-flight generator calls can finish and the ledger can be closed. A second
// signal exits immediately. The returned stop function releases the handler.
func SetupHandler(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigChan:
			logging.LogWarning("Received %v, finishing current attempt before exit", sig)
			cancel()
		case <-done:
			return
		}
		select {
		case <-sigChan:
			os.Exit(exitCode)
		case <-done:
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			signal.Stop(sigChan)
			close(done)
			cancel()
		})
	}
	return ctx, stop
}

// GetOptimalProcs returns the number of worker goroutines for CGo-heavy image work
func GetOptimalProcs() int {
	numCPU := runtime.NumCPU()

	// gocv calls block OS threads; leave headroom
	maxProcs := (numCPU * 3) / 4
	if maxProcs < 1 {
		maxProcs = 1
	}
	return maxProcs
}
