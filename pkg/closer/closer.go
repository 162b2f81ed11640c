// Package closer provides a simple cancelation primitive for
// coordinating groups of goroutines, with error propagation and
// parent/child relationships.
package closer

import (
	"sync"
)

// A Closer broadcasts a close signal to any number of waiting
// goroutines. The first error passed to Close is retained and
// returned by Wait.
type Closer struct {
	once     sync.Once
	lock     sync.Mutex
	closed   bool
	ch       chan bool
	err      error
	children map[*Closer]bool
}

// New creates a new Closer.
func New() *Closer {
	return &Closer{
		ch: make(chan bool),
	}
}

// Close closes the underlying channel and propagates the close to
// all children. It is safe to call multiple times; only the first
// call's error is kept.
func (c *Closer) Close(err error) {
	c.once.Do(func() {
		c.lock.Lock()
		defer c.lock.Unlock()
		c.err = err
		close(c.ch)
		c.closed = true
		for child := range c.children {
			child.Close(c.err)
		}
	})
}

// Chan returns a channel that is closed when Close is called.
func (c *Closer) Chan() <-chan bool {
	return c.ch
}

// Wait blocks until Close is called and returns the error passed
// to the first Close invocation.
func (c *Closer) Wait() error {
	<-c.ch
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.err
}

// Child creates a new Closer that is closed when this one is.
func (c *Closer) Child() *Closer {
	child := New()
	c.AddChild(child)
	return child
}

// AddChild registers child to be closed along with this Closer.
// If this Closer is already closed, the child is closed
// immediately. Adding a Closer to itself is a no-op.
func (c *Closer) AddChild(child *Closer) {
	if child == c {
		return
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		child.Close(c.err)
		return
	}
	if c.children == nil {
		c.children = make(map[*Closer]bool)
	}
	c.children[child] = true
}
