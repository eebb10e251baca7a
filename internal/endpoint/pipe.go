package endpoint

import (
	"context"
	"sync"
)

// pipeEnd 内存管道的一端，用于测试和进程内模拟
type pipeEnd struct {
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	peer   *pipeEnd
	once   sync.Once
}

// Pipe 创建一对相连的内存传输，任一端关闭两端都会读到 ErrTransportClosed
func Pipe() (Transport, Transport) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &pipeEnd{in: ba, out: ab, closed: make(chan struct{})}
	b := &pipeEnd{in: ab, out: ba, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeEnd) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.closed:
		return nil, ErrTransportClosed
	case <-p.peer.closed:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) WriteMessage(ctx context.Context, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case <-p.closed:
		return ErrTransportClosed
	case <-p.peer.closed:
		return ErrTransportClosed
	default:
	}
	select {
	case p.out <- buf:
		return nil
	case <-p.closed:
		return ErrTransportClosed
	case <-p.peer.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
