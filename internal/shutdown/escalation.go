// Package shutdown turns repeated user interrupts into an escalating
// shutdown: the first interrupts end the event subscription, a later one
// forces the process out.
package shutdown

import (
	"context"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua"
)

// ForceExitAfter is the interrupt count that terminates the process
const ForceExitAfter = 3

// Escalation counts interrupts for one process run
type Escalation struct {
	mu    sync.Mutex
	count int
	sub   ua.Subscription

	exit func(code int)
	log  *logrus.Entry
}

// New returns an Escalation that calls exit on the forced path. A nil exit
// uses os.Exit
func New(exit func(code int)) *Escalation {
	if exit == nil {
		exit = os.Exit
	}
	return &Escalation{
		exit: exit,
		log:  logrus.WithField("component", "shutdown"),
	}
}

// SetSubscription registers the subscription to end on the next interrupt.
// Passing nil clears it
func (e *Escalation) SetSubscription(sub ua.Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sub = sub
}

// Count returns the number of interrupts received so far
func (e *Escalation) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// Interrupt handles one interrupt and returns the updated count
func (e *Escalation) Interrupt() int {
	e.mu.Lock()
	e.count++
	n := e.count
	sub := e.sub
	if n < ForceExitAfter {
		e.sub = nil
	}
	e.mu.Unlock()

	if n >= ForceExitAfter {
		e.log.Errorf("Interrupted %d times, forcing exit", n)
		e.exit(1)
		return n
	}

	e.log.Warnf("Received client interruption (%d/%d)", n, ForceExitAfter)
	if sub != nil {
		e.log.Info("Terminating event subscription")
		go func() {
			if err := sub.Terminate(context.Background()); err != nil {
				e.log.Warnf("Subscription termination failed: %v", err)
			}
		}()
	}
	return n
}

// Watch calls Interrupt for every signal until ctx is done or signals is
// closed
func (e *Escalation) Watch(ctx context.Context, signals <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			e.log.Debugf("Received signal: %v", sig)
			e.Interrupt()
		}
	}
}
