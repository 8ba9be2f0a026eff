// Package app runs one crawl from connection to teardown.
package app

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/config"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/connection"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/crawler"
	crawlerrors "github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/errors"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/eventdump"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/memory"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/metrics"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/render"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/session"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/shutdown"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/storage"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua"
)

// EventFields are the BaseEventType fields selected by the event dump
var EventFields = []string{"EventId", "EventType", "SourceNode", "SourceName", "Time", "Message", "Severity"}

const progressInterval = 10 * time.Second

// Runner executes the connect, session, crawl and teardown sequence
type Runner struct {
	cfg          *config.Config
	newTransport func() ua.Transport
	tracker      *metrics.Tracker
	escalation   *shutdown.Escalation
	eventOut     io.Writer
	sleep        func(ctx context.Context, d time.Duration) error
	log          *logrus.Entry
}

// Option configures a Runner
type Option func(*Runner)

// WithTracker reports progress to t instead of a private tracker
func WithTracker(t *metrics.Tracker) Option {
	return func(r *Runner) { r.tracker = t }
}

// WithEscalation registers the event subscription with e
func WithEscalation(e *shutdown.Escalation) Option {
	return func(r *Runner) { r.escalation = e }
}

// WithEventOutput sets where dumped events are printed. Defaults to stdout
func WithEventOutput(w io.Writer) Option {
	return func(r *Runner) { r.eventOut = w }
}

// WithSleep replaces the backoff wait of both connection managers
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) { r.sleep = fn }
}

// New creates a runner. newTransport is called once per connection phase
func New(cfg *config.Config, newTransport func() ua.Transport, opts ...Option) *Runner {
	r := &Runner{
		cfg:          cfg,
		newTransport: newTransport,
		eventOut:     os.Stdout,
		log:          logrus.WithField("component", "app"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tracker == nil {
		r.tracker = metrics.NewTracker()
	}
	if r.escalation == nil {
		r.escalation = shutdown.New(nil)
	}
	return r
}

// Tracker returns the metrics tracker of the run
func (r *Runner) Tracker() *metrics.Tracker {
	return r.tracker
}

func (r *Runner) managerOptions(phase string) []connection.Option {
	opts := []connection.Option{connection.WithLogger(logrus.WithField("component", "connection").WithField("phase", phase))}
	if r.sleep != nil {
		opts = append(opts, connection.WithSleep(r.sleep))
	}
	return opts
}

// Run performs the whole sequence. Teardown always runs; the final metrics
// file records how the run ended
func (r *Runner) Run(ctx context.Context) (err error) {
	reason := "completed"
	defer func() {
		if err != nil {
			reason = crawlerrors.Classify(err)
		}
		if werr := r.tracker.WriteToFile(r.cfg.MetricsPath, reason); werr != nil {
			r.log.Errorf("Failed to write metrics: %v", werr)
		} else {
			r.log.Infof("Metrics written to %s", r.cfg.MetricsPath)
		}
	}()

	ep, err := r.cfg.SecuredEndpoint()
	if err != nil {
		return err
	}
	identity, err := r.cfg.Identity()
	if err != nil {
		return err
	}

	// Phase 1: discover the server certificate over an unsecured channel
	cert, err := r.probe(ctx, ep.URL)
	if err != nil {
		return err
	}
	ep.ServerCertificate = cert

	// Phase 2: secured connection
	link := r.newTransport()
	mgr := connection.New(link, r.cfg.RetryPolicy(), r.managerOptions("secured")...)
	r.logEvents(mgr)
	r.log.Infof("Options = %s %s", ep.SecurityMode, ep.SecurityPolicy)
	if err := mgr.Connect(ctx, ep); err != nil {
		return err
	}
	defer func() {
		r.log.Info("Calling disconnect")
		mgr.Disconnect(context.Background())
		r.log.Info("Disconnected")
	}()

	ctrl := session.NewController(link, r.cfg.SessionTimeout())
	ctrl.Follow(mgr)
	sess, err := ctrl.Create(ctx, identity)
	if err != nil {
		return err
	}
	defer func() {
		r.log.Info("Closing session")
		ctrl.Close(context.Background(), sess)
	}()

	if err := r.logNamespaces(ctx, sess); err != nil {
		return err
	}

	if r.cfg.Events {
		stop := r.startEvents(ctx, sess, mgr)
		defer stop()
	}

	tree, stats, err := r.crawl(ctx, sess, ctrl, ep)
	if err != nil {
		return err
	}

	if err := render.WriteFile(r.cfg.Output(), r.cfg.OutputFormat(), tree); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	r.log.Infof("Crawl tree written to %s (%d nodes, %d errors)", r.cfg.Output(), stats.NodeCount, stats.ErrorCount)
	return nil
}

// probe connects without security, returns the server certificate and
// disconnects again
func (r *Runner) probe(ctx context.Context, url string) ([]byte, error) {
	link := r.newTransport()
	mgr := connection.New(link, r.cfg.RetryPolicy(), r.managerOptions("probe")...)
	r.logEvents(mgr)

	if err := mgr.Connect(ctx, ua.Probe(url)); err != nil {
		return nil, err
	}
	cert := link.ServerCertificate()
	mgr.Disconnect(ctx)

	r.log.Infof("Server Certificate (%s):\n%s", humanize.Bytes(uint64(len(cert))), hex.Dump(cert))
	return cert, nil
}

func (r *Runner) logEvents(mgr *connection.Manager) {
	mgr.OnEvent(func(ev connection.Event) {
		switch ev.Type {
		case connection.EventBackoff:
			r.log.Warnf("backoff attempt #%d retrying in %.1f seconds", ev.Attempt, ev.Delay.Seconds())
		case connection.EventStartReconnection:
			r.log.Warn("Starting reconnection")
		case connection.EventReestablished:
			r.log.Warn("Connection re-established")
			r.tracker.IncrementReconnections()
		case connection.EventReconnectionFailed:
			r.log.Errorf("Reconnection failed: %v", ev.Err)
		}
	})
}

func (r *Runner) logNamespaces(ctx context.Context, sess *session.Session) error {
	v, err := sess.ReadVariableValue(ctx, ua.ServerNamespaceArray)
	if err != nil {
		return crawlerrors.Wrap(crawlerrors.ErrSession, "read namespace array", err)
	}
	namespaces, ok := v.Value.([]string)
	if !ok {
		return crawlerrors.Wrap(crawlerrors.ErrProtocol, "read namespace array",
			fmt.Errorf("unexpected value type %T", v.Value))
	}

	r.log.Info(" --- NAMESPACE ARRAY ---")
	for i, ns := range namespaces {
		r.log.Infof(" Namespace %d : %s", i, ns)
	}
	r.log.Info(" -----------------------")
	return nil
}

// startEvents subscribes to server events and dumps them until the
// returned stop function is called. The subscription is renewed after
// every reconnection unless an interrupt already ended it. A failed
// subscription only disables the dump
func (r *Runner) startEvents(ctx context.Context, sess *session.Session, mgr *connection.Manager) (stop func()) {
	dumper := eventdump.NewDumper(eventdump.NewConsoleRenderer(r.eventOut), r.tracker.IncrementEventsDumped)

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return dumper.Run(gctx) })

	var (
		mu      sync.Mutex
		sub     ua.Subscription
		stopped bool
	)

	subscribe := func(ctx context.Context) {
		s, err := sess.SubscribeEvents(ctx, ua.ServerObject, EventFields, func(fields ua.EventFields) {
			task := eventdump.DumpTask{Resolver: sess, FieldNames: EventFields, Values: fields}
			if err := dumper.Enqueue(task); err != nil {
				r.log.Debugf("Event dropped: %v", err)
			}
		})
		if err != nil {
			r.log.Warnf("Event subscription failed, events will not be dumped: %v", err)
			return
		}

		mu.Lock()
		if stopped {
			mu.Unlock()
			_ = s.Terminate(context.Background())
			return
		}
		sub = s
		mu.Unlock()

		r.log.Infof("Subscribed to events of %s", ua.ServerObject)
		r.escalation.SetSubscription(s)
	}

	subscribe(ctx)

	mgr.OnEvent(func(ev connection.Event) {
		switch ev.Type {
		case connection.EventStartReconnection:
			mu.Lock()
			old := sub
			sub = nil
			mu.Unlock()
			if old == nil {
				return
			}
			r.escalation.SetSubscription(nil)
			go func() {
				if err := old.Terminate(context.Background()); err != nil {
					r.log.Debugf("Terminating lost subscription: %v", err)
				}
			}()

		case connection.EventReestablished:
			mu.Lock()
			done := stopped
			mu.Unlock()
			if done {
				return
			}
			if r.escalation.Count() > 0 {
				r.log.Info("Not renewing event subscription after interrupt")
				return
			}
			subscribe(context.Background())
		}
	})

	return func() {
		mu.Lock()
		stopped = true
		s := sub
		sub = nil
		mu.Unlock()

		if s != nil {
			r.escalation.SetSubscription(nil)
			if err := s.Terminate(context.Background()); err != nil {
				r.log.Warnf("Terminating event subscription failed: %v", err)
			}
		}
		dumper.Close()
		if err := g.Wait(); err != nil {
			r.log.Warnf("Event dump stopped: %v", err)
		}
	}
}

func (r *Runner) crawl(ctx context.Context, sess *session.Session, ctrl *session.Controller, ep ua.Endpoint) (*crawler.Node, crawler.Stats, error) {
	graph := memory.NewGraph()
	orch, err := crawler.NewOrchestrator(sess, r.cfg.CrawlerConfig(),
		crawler.WithGraph(graph),
		crawler.WithMetricsCallback(r.tracker.Record))
	if err != nil {
		return nil, crawler.Stats{}, err
	}

	stopProgress := make(chan struct{})
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.log.Info(r.tracker.LogProgress())
			case <-stopProgress:
				return
			}
		}
	}()

	root := ua.NodeID(r.cfg.RootNodeID)
	r.log.Infof("Now crawling %s ...please wait...", root)
	startedAt := time.Now()
	tree, stats, err := orch.Crawl(ctx, root)
	close(stopProgress)
	<-progressDone

	counters := ctrl.Counters()
	r.tracker.SetSessionCounters(counters.BytesRead, counters.BytesWritten, counters.Transactions,
		counters.LatencyP50, counters.LatencyP99)

	r.log.Infof(" Time        = %s", stats.Elapsed)
	r.log.Infof(" read        = %d", stats.ReadCount)
	r.log.Infof(" browse      = %d", stats.BrowseCount)
	r.log.Infof(" transaction = %d", stats.TransactionCount)
	r.log.Infof("R= %s W= %s T=%s p50=%s p99=%s",
		humanize.Bytes(uint64(counters.BytesRead)),
		humanize.Bytes(uint64(counters.BytesWritten)),
		humanize.Comma(counters.Transactions),
		counters.LatencyP50, counters.LatencyP99)
	r.log.Info("Final stats: " + r.tracker.LogProgress())

	if err == nil && r.cfg.DBPath != "" {
		r.persist(graph, ep, startedAt, stats)
	}
	return tree, stats, err
}

// persist stores the crawl graph as a new run. Failures are logged; the
// crawl result itself is not affected
func (r *Runner) persist(graph *memory.Graph, ep ua.Endpoint, startedAt time.Time, stats crawler.Stats) {
	store, err := storage.NewStorage(r.cfg.DBPath)
	if err != nil {
		r.log.Errorf("Failed to initialize storage: %v", err)
		return
	}
	defer store.Close()

	run := storage.Run{
		RunID:          uuid.NewString(),
		Endpoint:       ep.URL,
		SecurityMode:   ep.SecurityMode.String(),
		SecurityPolicy: string(ep.SecurityPolicy),
		RootNodeID:     r.cfg.RootNodeID,
		StartedAt:      startedAt,
	}
	r.tracker.SetRunID(run.RunID)

	if err := store.BeginRun(run); err != nil {
		r.log.Errorf("Failed to record run: %v", err)
		return
	}
	if err := graph.Flush(store, run.RunID); err != nil {
		r.log.Errorf("Failed to flush memory graph: %v", err)
	}

	run.FinishedAt = time.Now()
	run.NodeCount = stats.NodeCount
	run.ErrorCount = stats.ErrorCount
	run.ReadCount = stats.ReadCount
	run.BrowseCount = stats.BrowseCount
	run.TransactionCount = stats.TransactionCount
	if err := store.FinishRun(run); err != nil {
		r.log.Errorf("Failed to finish run: %v", err)
		return
	}

	nodes, edges := graph.GetStats()
	r.log.Infof("Snapshot %s stored in %s: %s nodes, %s references",
		run.RunID, r.cfg.DBPath, humanize.Comma(int64(nodes)), humanize.Comma(int64(edges)))
}
