// Package eventdump renders asynchronously arriving event notifications
// strictly one at a time, in arrival order.
package eventdump

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	crawlerrors "github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/errors"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua"
)

// Resolver turns a NodeId found inside an event into a readable name.
// *session.Session implements it
type Resolver interface {
	BrowseName(ctx context.Context, nodeID ua.NodeID) (string, error)
}

// DumpTask is one event notification waiting to be rendered. It must not
// be modified after Enqueue
type DumpTask struct {
	Resolver   Resolver
	FieldNames []string
	Values     ua.EventFields
}

// Renderer renders one task. It may block on remote lookups; the Dumper
// never runs two Render calls at once
type Renderer interface {
	Render(ctx context.Context, task DumpTask) error
}

// Dumper feeds queued tasks to a Renderer from a single goroutine
type Dumper struct {
	queue    *Queue
	renderer Renderer
	onDumped func()
	log      *logrus.Entry

	once sync.Once
	done chan struct{}
}

// NewDumper creates a dumper. onDumped, if not nil, is called after every
// rendered task
func NewDumper(renderer Renderer, onDumped func()) *Dumper {
	return &Dumper{
		queue:    NewQueue(),
		renderer: renderer,
		onDumped: onDumped,
		log:      logrus.WithField("component", "eventdump"),
		done:     make(chan struct{}),
	}
}

// Enqueue appends task. It never blocks and never drops a task while the
// dumper is open
func (d *Dumper) Enqueue(task DumpTask) error {
	if !d.queue.Push(task) {
		return crawlerrors.ErrQueueStopped
	}
	return nil
}

// Pending returns the number of tasks not yet picked up
func (d *Dumper) Pending() int {
	return d.queue.Size()
}

// Run consumes tasks until Close is called and the queue is drained. A
// failing render is logged and the next task proceeds
func (d *Dumper) Run(ctx context.Context) error {
	defer close(d.done)

	for {
		task, ok := d.queue.Pop()
		if !ok {
			return nil
		}
		if err := d.renderer.Render(ctx, task); err != nil {
			d.log.Warnf("Rendering event failed: %v", err)
		}
		if d.onDumped != nil {
			d.onDumped()
		}
	}
}

// Close stops intake. Tasks already queued are still rendered; Close
// returns once Run has finished them
func (d *Dumper) Close() {
	d.once.Do(d.queue.Stop)
	<-d.done
}
