package handler

import (
	"fmt"
	"sync"

	"github.com/etwodev/portmux/pkg/errors"
)

// Pending completes an asynchronous request. Exactly one of Complete or
// Fail succeeds; every later call returns errors.ErrCommitted.
type Pending struct {
	mu     sync.Mutex
	finish func(err error) error
	done   chan struct{}
	closed bool
	err    error
}

func newPending(finish func(err error) error) *Pending {
	return &Pending{finish: finish, done: make(chan struct{})}
}

// Complete sends the response as written so far and commits it.
func (p *Pending) Complete() error {
	return p.commit(nil)
}

// Fail commits the request as failed. A failure response is written when
// nothing was sent yet.
func (p *Pending) Fail(err error) error {
	if err == nil {
		err = fmt.Errorf("Fail: no reason given")
	}
	return p.commit(err)
}

// Done is closed once the request is committed.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the error the request was failed with.
func (p *Pending) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pending) commit(err error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("commit: %w", errors.ErrCommitted)
	}
	p.closed = true
	p.err = err
	finish := p.finish
	p.mu.Unlock()

	defer close(p.done)
	if finish == nil {
		return nil
	}
	return finish(err)
}
