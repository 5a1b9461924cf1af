package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ConnHandler serves one accepted connection. It owns conn.
type ConnHandler func(ctx context.Context, conn net.Conn)

// Admission runs a handler per accepted connection, up to a fixed number
// at a time. Connections accepted while every slot is taken are closed
// immediately without being read; there is no queue.
type Admission struct {
	sem    *semaphore.Weighted
	max    int
	active atomic.Int64
	wg     sync.WaitGroup
	log    *slog.Logger
}

func NewAdmission(limit int, logger *slog.Logger) *Admission {
	if limit <= 0 {
		limit = DefaultMaxConnections
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Admission{
		sem: semaphore.NewWeighted(int64(limit)),
		max: limit,
		log: logger,
	}
}

// Max returns the number of slots.
func (a *Admission) Max() int {
	return a.max
}

// Active returns the number of handlers currently running.
func (a *Admission) Active() int {
	return int(a.active.Load())
}

// Serve accepts connections from ln until ctx is done or ln fails. It
// closes ln when ctx is done and waits for running handlers before it
// returns.
func (a *Admission) Serve(ctx context.Context, ln net.Listener, handle ConnHandler) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()
	defer a.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				a.log.Warn("Temporary accept failure", "err", err)
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		if !a.sem.TryAcquire(1) {
			a.log.Warn("Connection limit reached, dropping connection", "remote", conn.RemoteAddr().String(), "max", a.max)
			_ = conn.Close()
			continue
		}

		n := a.active.Add(1)
		a.log.Debug("Handler started", "active", n)

		a.wg.Add(1)
		go a.run(ctx, conn, handle)
	}
}

func (a *Admission) run(ctx context.Context, conn net.Conn, handle ConnHandler) {
	defer a.wg.Done()
	defer a.sem.Release(1)
	defer a.active.Add(-1)
	defer func() {
		if rvr := recover(); rvr != nil {
			a.log.Error("Internal error in connection handler",
				"remote", conn.RemoteAddr().String(),
				"error", rvr,
				"stack", string(debug.Stack()),
			)
			_ = conn.Close()
		}
	}()

	handle(ctx, conn)
}
