package amqp

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/streadway/amqp"
)

var errClosed = errors.New("pool is closed")

// poolChannel wraps a channel borrowed from the pool. It must be returned
// using close.
type poolChannel struct {
	ch       *amqp.Channel
	mu       sync.RWMutex
	p        *pool
	unusable bool
}

// pool holds the AMQP channels of a single connection. Channels are created
// on demand when the pool is empty and closed when the pool is full.
type pool struct {
	mu    sync.RWMutex
	chans chan *amqp.Channel
	conn  *amqp.Connection
}

func newPool(size int, url string) (*pool, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp url error")
	}

	p := &pool{
		chans: make(chan *amqp.Channel, size),
		conn:  conn,
	}

	for i := 0; i < size; i++ {
		ch, err := conn.Channel()
		if err != nil {
			p.close()
			return nil, errors.Wrap(err, "create channel error")
		}

		p.chans <- ch
	}

	return p, nil
}

func (p *pool) getChansAndConn() (chan *amqp.Channel, *amqp.Connection) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.chans, p.conn
}

func (p *pool) get() (*poolChannel, error) {
	chans, conn := p.getChansAndConn()
	if chans == nil {
		return nil, errClosed
	}

	select {
	case ch := <-chans:
		if ch == nil {
			return nil, errClosed
		}
		return &poolChannel{ch: ch, p: p}, nil
	default:
		ch, err := conn.Channel()
		if err != nil {
			return nil, errors.Wrap(err, "create channel error")
		}
		return &poolChannel{ch: ch, p: p}, nil
	}
}

func (p *pool) put(ch *amqp.Channel) error {
	if ch == nil {
		return errors.New("channel is nil, rejecting")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.chans == nil {
		return ch.Close()
	}

	select {
	case p.chans <- ch:
		return nil
	default:
		return ch.Close()
	}
}

// close closes all pooled channels and the connection.
func (p *pool) close() error {
	p.mu.Lock()
	chans := p.chans
	conn := p.conn
	p.chans = nil
	p.conn = nil
	p.mu.Unlock()

	if chans == nil {
		return nil
	}

	close(chans)
	for ch := range chans {
		ch.Close()
	}

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (pc *poolChannel) close() error {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	if pc.unusable {
		if pc.ch != nil {
			return pc.ch.Close()
		}
		return nil
	}

	return pc.p.put(pc.ch)
}

func (pc *poolChannel) markUnusable() {
	pc.mu.Lock()
	pc.unusable = true
	pc.mu.Unlock()
}
