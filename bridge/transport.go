package bridge

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by a transport whose own side, or whose peer,
	// has gone away.
	ErrClosed = errors.New("bridge: transport closed")

	// ErrFull is returned when the peer's inbound buffer is full. The frame
	// is dropped.
	ErrFull = errors.New("bridge: peer buffer full")
)

// Transport moves opaque frames in both directions between two contexts.
// Frames arrive in send order within one direction.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// DefaultPipeBuffer is the per-direction capacity of Pipe.
const DefaultPipeBuffer = 256

// Pipe returns the two ends of an in-memory transport. Frames are copied on
// send so neither side can observe the other's buffers.
func Pipe() (Transport, Transport) {
	return PipeSize(DefaultPipeBuffer)
}

// PipeSize is Pipe with an explicit per-direction buffer.
func PipeSize(buffer int) (Transport, Transport) {
	p := &pipe{
		ch:   [2]chan []byte{make(chan []byte, buffer), make(chan []byte, buffer)},
		done: [2]chan struct{}{make(chan struct{}), make(chan struct{})},
	}
	return &pipeEnd{p: p, side: 0}, &pipeEnd{p: p, side: 1}
}

type pipe struct {
	mu     sync.Mutex
	ch     [2]chan []byte // ch[i] is read by side i
	done   [2]chan struct{}
	closed [2]bool
}

type pipeEnd struct {
	p    *pipe
	side int
}

func (e *pipeEnd) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	peer := 1 - e.side
	cp := make([]byte, len(frame))
	copy(cp, frame)

	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	if e.p.closed[e.side] || e.p.closed[peer] {
		return ErrClosed
	}
	select {
	case e.p.ch[peer] <- cp:
		return nil
	default:
		return ErrFull
	}
}

func (e *pipeEnd) Recv(ctx context.Context) ([]byte, error) {
	in := e.p.ch[e.side]
	select {
	case f := <-in:
		return f, nil
	default:
	}
	select {
	case f := <-in:
		return f, nil
	case <-e.p.done[e.side]:
		return nil, ErrClosed
	case <-e.p.done[1-e.side]:
		select {
		case f := <-in:
			return f, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *pipeEnd) Close() error {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	if !e.p.closed[e.side] {
		e.p.closed[e.side] = true
		close(e.p.done[e.side])
	}
	return nil
}
