// Package packettest provides an in-memory Ethernet segment for packet.Conn users.
package packettest

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("packettest: conn closed")

// Segment delivers every frame written by one attached Conn to all the others,
// like a hub.
type Segment struct {
	mu    sync.Mutex
	conns []*Conn
}

func NewSegment() *Segment {
	return &Segment{}
}

func (s *Segment) Attach() *Conn {
	c := &Conn{seg: s, in: make(chan []byte, 64), done: make(chan struct{})}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	return c
}

func (s *Segment) deliver(from *Conn, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		if c == from {
			continue
		}
		select {
		case c.in <- append([]byte(nil), frame...):
		case <-c.done:
		}
	}
}

type Conn struct {
	seg  *Segment
	in   chan []byte
	once sync.Once
	done chan struct{}
}

func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) WriteFrame(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.seg.deliver(c, frame)
	return nil
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
