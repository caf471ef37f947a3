// CLAUDE:SUMMARY In-memory Conn pair connecting a host and an inspector in one process.
package protocol

import (
	"context"
	"errors"
	"sync"
)

// Conn is a Transport that also delivers inbound messages. *wsconn.Conn and
// the ends of a Pipe are Conns.
type Conn interface {
	Transport
	// Serve calls h for each inbound message until the connection closes
	// or ctx is done.
	Serve(ctx context.Context, h func(ctx context.Context, data []byte)) error
	Close() error
}

// ErrPipeClosed is returned by Send on a closed pipe.
var ErrPipeClosed = errors.New("protocol: pipe closed")

// PipeEnd is one side of an in-memory Conn pair.
type PipeEnd struct {
	in   chan []byte
	peer *PipeEnd

	once   *sync.Once
	closed chan struct{}
}

// Pipe returns two connected in-memory Conns. Messages are copied, buffered
// up to buf per direction, and delivered on the goroutine running Serve, so
// a sender never runs the receiver's handler.
func Pipe(buf int) (*PipeEnd, *PipeEnd) {
	if buf <= 0 {
		buf = 256
	}
	once := &sync.Once{}
	closed := make(chan struct{})
	a := &PipeEnd{in: make(chan []byte, buf), once: once, closed: closed}
	b := &PipeEnd{in: make(chan []byte, buf), once: once, closed: closed}
	a.peer, b.peer = b, a
	return a, b
}

// Send implements Transport.
func (p *PipeEnd) Send(ctx context.Context, data []byte) error {
	msg := append([]byte(nil), data...)
	select {
	case <-p.closed:
		return ErrPipeClosed
	default:
	}
	select {
	case p.peer.in <- msg:
		return nil
	case <-p.closed:
		return ErrPipeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve implements Conn.
func (p *PipeEnd) Serve(ctx context.Context, h func(ctx context.Context, data []byte)) error {
	for {
		select {
		case msg := <-p.in:
			h(ctx, msg)
		case <-p.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close closes both ends.
func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
