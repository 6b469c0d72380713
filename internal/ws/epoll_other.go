//go:build !linux

package ws

import (
	"net"
	"sync"
	"time"
)

// Epoll emulates readiness notification off linux. Every socket is reported
// ready once, then again after the server has finished reading it, so the
// worker's blocking frame read (bounded by ReadTimeout) stands in for
// epoll_wait. Good enough for development machines.
type Epoll struct {
	mu    sync.Mutex
	conns map[net.Conn]chan struct{}
	ready chan net.Conn
	done  chan struct{}
	once  sync.Once
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns: make(map[net.Conn]chan struct{}),
		ready: make(chan net.Conn, 128),
		done:  make(chan struct{}),
	}, nil
}

// Add starts reporting conn.
func (e *Epoll) Add(conn net.Conn) error {
	rearm := make(chan struct{}, 1)
	e.mu.Lock()
	e.conns[conn] = rearm
	e.mu.Unlock()

	go e.watch(conn, rearm)
	return nil
}

func (e *Epoll) watch(conn net.Conn, rearm chan struct{}) {
	for {
		select {
		case e.ready <- conn:
		case <-e.done:
			return
		}
		select {
		case <-rearm:
		case <-e.done:
			return
		}
		e.mu.Lock()
		_, ok := e.conns[conn]
		e.mu.Unlock()
		if !ok {
			return
		}
	}
}

// Rearm reports conn again once the server is done with the current read.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.Lock()
	rearm, ok := e.conns[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case rearm <- struct{}{}:
	default:
	}
}

// Remove stops reporting conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	rearm, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		select {
		case rearm <- struct{}{}:
		default:
		}
	}
	return nil
}

// Wait returns the ready sockets, blocking up to timeoutMs (-1 forever).
func (e *Epoll) Wait(timeoutMs int) ([]net.Conn, error) {
	var timeout <-chan time.Time
	if timeoutMs >= 0 {
		timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
		defer timer.Stop()
		timeout = timer.C
	}

	var first net.Conn
	select {
	case first = <-e.ready:
	case <-timeout:
		return nil, nil
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case c := <-e.ready:
			conns = append(conns, c)
		default:
			return conns, nil
		}
	}
}

// Close stops every watcher.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = map[net.Conn]chan struct{}{}
	e.mu.Unlock()
	return nil
}

func socketFD(net.Conn) int { return -1 }
