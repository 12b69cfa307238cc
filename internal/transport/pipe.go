package transport

import "sync"

// Pipe returns two connected in-memory Conns. Whatever one side sends the
// other receives. Closing either side unblocks both. Used by engine and
// server tests; no goroutines, no network.
func Pipe() (Conn, Conn) {
	a2b := make(chan []byte, 64)
	b2a := make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &pipeConn{in: b2a, out: a2b, done: done, once: once}
	b := &pipeConn{in: a2b, out: b2a, done: done, once: once}
	return a, b
}

type pipeConn struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

func (p *pipeConn) Send(data []byte) error {
	// Copy so callers can reuse their buffer.
	msg := make([]byte, len(data))
	copy(msg, data)

	select {
	case <-p.done:
		return ErrClosed
	case p.out <- msg:
		return nil
	}
}

func (p *pipeConn) Receive() ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		// Drain anything already buffered before reporting closure.
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return nil, ErrClosed
		}
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
