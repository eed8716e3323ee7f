package comm

import (
	"io"
	"sync"
	"time"
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maxSize int
	timeout time.Duration // time after all conns are returned to free them
	maker   CreationFunc

	// a token is held in lease for every connection given out
	lease chan struct{}
	idle  chan io.ReadWriteCloser

	mu      sync.Mutex
	onLease int
	reclaim *time.Timer
}

// NewPool creates a pool holding up to maxSize connections made by maker
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	return &Pool{
		maxSize: maxSize,
		timeout: timeout,
		maker:   maker,
		lease:   make(chan struct{}, maxSize),
		idle:    make(chan io.ReadWriteCloser, maxSize),
	}
}

// Get retrieves a connection from the pool, blocking until one is
// available if all are in use.  It is guaranteed that there is no contention
// for the connection while it is leased.
//
// When done with the connection, return it with Put(), or discard it with
// Destroy() if it has become no good (e.g., all calls error).
//
// If the error from Get is not nil, you must not return it
// to the pool.
func (p *Pool) Get() (io.ReadWriteCloser, error) {
	p.lease <- struct{}{}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reclaim != nil {
		p.reclaim.Stop()
		p.reclaim = nil
	}
	select {
	case c := <-p.idle:
		p.onLease++
		return c, nil
	default:
	}
	c, err := p.maker()
	if err != nil {
		<-p.lease
		return nil, err
	}
	p.onLease++
	return c, nil
}

// Put restores a connection to the pool.  It may be reused, or will be
// automatically freed after all connections are returned and the timeout
// has elapsed.
func (p *Pool) Put(rwc io.ReadWriteCloser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle <- rwc
	p.release()
}

// Destroy immediately frees a connection from the pool.  This should be used
// instead of Put if the connection has gone bad.
func (p *Pool) Destroy(rwc io.ReadWriteCloser) {
	rwc.Close()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.release()
}

// ReturnWithError returns the connection to the pool if err is nil,
// and destroys it otherwise
func (p *Pool) ReturnWithError(rwc io.ReadWriteCloser, err error) {
	if err != nil {
		p.Destroy(rwc)
		return
	}
	p.Put(rwc)
}

// release must be called with mu held
func (p *Pool) release() {
	p.onLease--
	<-p.lease
	if p.onLease == 0 && p.timeout > 0 {
		p.reclaim = time.AfterFunc(p.timeout, p.closeIdle)
	}
}

func (p *Pool) closeIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onLease != 0 {
		return
	}
	p.drain()
}

// drain must be called with mu held
func (p *Pool) drain() {
	for {
		select {
		case c := <-p.idle:
			c.Close()
		default:
			return
		}
	}
}

// Close frees every idle connection.  Leased connections are unaffected.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.reclaim != nil {
		p.reclaim.Stop()
		p.reclaim = nil
	}
	p.drain()
	p.mu.Unlock()
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) + p.onLease
}

// Active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}
