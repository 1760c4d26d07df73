package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var safeExit *SafeExit

func InitSafeExit() {
	safeExit = new(SafeExit)
	go safeExit.ListenSignal()
}

// SafeExit runs shutdown functions on the first termination signal or when
// the command finishes, whichever comes first.
type SafeExit struct {
	funcs []func()
	mu    sync.Mutex
	once  sync.Once
}

// Register adds f. Functions run most recent first.
func (s *SafeExit) Register(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.funcs = append(s.funcs, f)
}

// Exit runs the registered functions once. Concurrent callers wait for the
// first one to finish.
func (s *SafeExit) Exit() {
	s.once.Do(func() {
		s.mu.Lock()
		funcs := append([]func(){}, s.funcs...)
		s.mu.Unlock()

		for i := len(funcs) - 1; i >= 0; i-- {
			funcs[i]()
		}
	})
}

// ListenSignal stops gracefully on the first signal and exits immediately
// on the second.
func (s *SafeExit) ListenSignal() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	stopping := false
	for sig := range sigs {
		if stopping {
			fmt.Fprintf(os.Stderr, "received signal %v again, exiting now\n", sig)
			os.Exit(1)
		}
		stopping = true
		fmt.Fprintf(os.Stderr, "received signal %v, stopping, please wait\n", sig)
		go s.Exit()
	}
}
