package broadcast

import (
	"errors"
	"sync"
)

var (
	// ErrSinkFull is returned by a sink whose outbound queue overflowed.
	ErrSinkFull = errors.New("viewer queue full")
	// ErrSinkClosed is returned by a sink that has been closed.
	ErrSinkClosed = errors.New("viewer closed")
)

// Sink is one viewer attached to a device. Send must not block.
type Sink interface {
	ID() string
	Send(payload []byte) error
	Close()
}

// QueueSink is a Sink backed by a bounded queue drained by the transport.
type QueueSink struct {
	id     string
	queue  chan []byte
	closed chan struct{}
	once   sync.Once
}

// NewQueueSink returns a sink that holds up to size pending payloads.
func NewQueueSink(id string, size int) *QueueSink {
	if size <= 0 {
		size = 1
	}
	return &QueueSink{
		id:     id,
		queue:  make(chan []byte, size),
		closed: make(chan struct{}),
	}
}

func (q *QueueSink) ID() string { return q.id }

func (q *QueueSink) Send(payload []byte) error {
	select {
	case <-q.closed:
		return ErrSinkClosed
	default:
	}
	select {
	case q.queue <- payload:
		return nil
	default:
		return ErrSinkFull
	}
}

// Queue is drained by the transport writer.
func (q *QueueSink) Queue() <-chan []byte { return q.queue }

// Done is closed when the sink is closed.
func (q *QueueSink) Done() <-chan struct{} { return q.closed }

func (q *QueueSink) Close() {
	q.once.Do(func() { close(q.closed) })
}
