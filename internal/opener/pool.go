package opener

import (
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// Pool is the bounded worker pool that runs open-stream requests. The
// underlying ants pool is created on first use and shared by every read
// that goes through the same Pool.
type Pool struct {
	size int

	once sync.Once
	pool *ants.Pool
	err  error
}

// NewPool returns a pool of size workers. Nothing is started until the
// first Submit.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{size: size}
}

func (p *Pool) init() {
	p.pool, p.err = ants.NewPool(p.size)
	if p.err != nil {
		p.err = fmt.Errorf("create open-stream pool: %w", p.err)
	}
}

// Submit queues fn, blocking while all workers are busy.
func (p *Pool) Submit(fn func()) error {
	p.once.Do(p.init)
	if p.err != nil {
		return p.err
	}
	return p.pool.Submit(fn)
}

// Size returns the configured number of workers.
func (p *Pool) Size() int { return p.size }

// Release stops the workers. Later submissions fail.
func (p *Pool) Release() {
	p.once.Do(p.init)
	if p.pool != nil {
		p.pool.Release()
	}
}
