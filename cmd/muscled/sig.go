package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/muscleserver/muscle/cmn/nlog"
	"github.com/muscleserver/muscle/server"
)

// watchShutdownSignals starts a goroutine that calls srv.EndServer() on
// SIGINT/SIGTERM, the Go-idiomatic equivalent of the teacher's
// SignalHandlerSession (original source reflector/SignalHandlerSession.h):
// there, a session installed in the same event loop intercepts signals
// and calls EndServer() directly; here a dedicated goroutine relays the
// same call since Go delivers OS signals via channel, not through the
// event loop's own readiness set. The returned func stops the watcher.
func watchShutdownSignals(srv *server.Server) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			nlog.Infof("received %v, shutting down", sig)
			srv.EndServer()
		case <-done:
		}
	}()

	return func() {
		close(done)
		signal.Stop(sigCh)
	}
}
