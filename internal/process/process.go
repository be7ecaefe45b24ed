// Package process tracks the service's root context and in-flight component
// shutdown, modeled on the teacher's setup/process.ProcessContext (referenced
// throughout dendrite's consumers as the source of their cancellation
// context) but trimmed to what this service needs: a cancellable root
// context plus a WaitGroup for components to register their own drain.
package process

import (
	"context"
	"sync"
)

// Context bundles the process-wide cancellation context with a WaitGroup
// components can use to report they have drained.
type Context struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewContext creates a new process Context derived from context.Background().
func NewContext() *Context {
	ctx, cancel := context.WithCancel(context.Background())
	return &Context{ctx: ctx, cancel: cancel}
}

// Context returns the root context; it is cancelled by Shutdown.
func (p *Context) Context() context.Context {
	return p.ctx
}

// ComponentStarted registers one component that must finish draining before
// WaitForShutdown returns.
func (p *Context) ComponentStarted() {
	p.wg.Add(1)
}

// ComponentFinished marks a previously-registered component as drained.
func (p *Context) ComponentFinished() {
	p.wg.Done()
}

// Shutdown cancels the root context, signalling every component to stop
// accepting new work and begin draining.
func (p *Context) Shutdown() {
	p.cancel()
}

// WaitForShutdown blocks until every registered component has finished.
func (p *Context) WaitForShutdown() {
	p.wg.Wait()
}
