package main

import (
	"context"
	"errors"
	"os"
	osSignal "os/signal"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type fakeApp struct {
	stopped  chan struct{}
	deadline bool
	err      error
}

func (f *fakeApp) Stop(ctx context.Context) error {
	_, f.deadline = ctx.Deadline()
	f.stopped <- struct{}{}
	return f.err
}

func TestShutdownSignals(t *testing.T) {
	t.Cleanup(func() {
		signalNotify = osSignal.Notify
	})

	signalNotify = func(ch chan<- os.Signal, sig ...os.Signal) {
		go func() {
			ch <- syscall.SIGTERM
		}()
	}

	app := &fakeApp{stopped: make(chan struct{}, 1)}
	shutdown(app, time.Millisecond, zaptest.NewLogger(t))

	select {
	case <-app.stopped:
	case <-time.After(time.Second):
		t.Fatalf("expected app to be stopped")
	}
	if !app.deadline {
		t.Fatalf("expected shutdown context to carry the grace period deadline")
	}
}

func TestShutdownLogsStopError(t *testing.T) {
	t.Cleanup(func() {
		signalNotify = osSignal.Notify
	})

	signalNotify = func(ch chan<- os.Signal, sig ...os.Signal) {
		go func() {
			ch <- os.Interrupt
		}()
	}

	app := &fakeApp{stopped: make(chan struct{}, 1), err: errors.New("backend unreachable")}
	shutdown(app, time.Millisecond, zaptest.NewLogger(t))

	select {
	case <-app.stopped:
	default:
		t.Fatalf("expected app to be stopped")
	}
}
