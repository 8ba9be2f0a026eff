package crawler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	crawlerrors "github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/errors"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/memory"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua"
)

// Config bounds one crawl
type Config struct {
	ReadBatchSize        int      // nodes per Read request
	ConcurrentWorkers    int      // parallel Browse requests within one level
	MaxDepth             int      // 0 = unlimited
	MaxNodesPerNamespace int      // 0 = unlimited
	ExcludeBrowseNames   []string // regular expressions
	RequestsPerSecond    float64  // 0 = unlimited
}

// Orchestrator walks the address space breadth first, one level at a time
type Orchestrator struct {
	services        ua.Services
	cfg             Config
	filter          *Filter
	limiter         *rate.Limiter
	graph           *memory.Graph
	log             *logrus.Entry
	metricsCallback func(nodesCrawled, nodesDiscovered, referencesRecorded, requestsFailed int)
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithGraph records every node and reference, including cross references,
// into g
func WithGraph(g *memory.Graph) Option {
	return func(o *Orchestrator) { o.graph = g }
}

// WithMetricsCallback reports progress deltas to fn
func WithMetricsCallback(fn func(nodesCrawled, nodesDiscovered, referencesRecorded, requestsFailed int)) Option {
	return func(o *Orchestrator) { o.metricsCallback = fn }
}

// NewOrchestrator creates a new orchestrator issuing requests through services
func NewOrchestrator(services ua.Services, cfg Config, opts ...Option) (*Orchestrator, error) {
	filter, err := NewFilter(cfg.ExcludeBrowseNames)
	if err != nil {
		return nil, crawlerrors.Wrap(crawlerrors.ErrConfig, "crawler", err)
	}

	if cfg.ReadBatchSize < 1 {
		cfg.ReadBatchSize = 1
	}
	if cfg.ConcurrentWorkers < 1 {
		cfg.ConcurrentWorkers = 1
	}

	o := &Orchestrator{
		services: services,
		cfg:      cfg,
		filter:   filter,
		log:      logrus.WithField("component", "crawler"),
	}
	if cfg.RequestsPerSecond > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// crawlScope holds everything that lives for exactly one crawl
type crawlScope struct {
	frontier   *Queue
	namespaces *NamespaceLimiter
	batch      []ua.ReadValueID

	reads        atomic.Int64
	browses      atomic.Int64
	transactions atomic.Int64
	errors       int
}

func (o *Orchestrator) acquire() *crawlScope {
	return &crawlScope{
		frontier:   NewQueue(),
		namespaces: NewNamespaceLimiter(o.cfg.MaxNodesPerNamespace),
		batch:      make([]ua.ReadValueID, 0, o.cfg.ReadBatchSize*len(variableAttributes)),
	}
}

func (sc *crawlScope) release() {
	sc.frontier.Release()
	sc.namespaces.Reset()
	sc.batch = nil
}

func (sc *crawlScope) stats(start time.Time) Stats {
	return Stats{
		ReadCount:        sc.reads.Load(),
		BrowseCount:      sc.browses.Load(),
		TransactionCount: sc.transactions.Load(),
		NodeCount:        sc.frontier.VisitedCount(),
		ErrorCount:       sc.errors,
		Elapsed:          time.Since(start),
	}
}

// Crawl explores the address space below root and returns the tree with
// the call counters. A failure on root itself is fatal and classified
// ErrCrawl; failures below it become Error markers on the affected nodes
func (o *Orchestrator) Crawl(ctx context.Context, root ua.NodeID) (*Node, Stats, error) {
	start := time.Now()
	sc := o.acquire()
	defer sc.release()

	tree := &Node{NodeID: root}
	sc.frontier.Push(QueueEntry{Node: tree})
	sc.namespaces.Add(root)
	o.recordNode(tree, 0)

	o.log.Infof("Crawling from %s (batch=%d, workers=%d)", root, o.cfg.ReadBatchSize, o.cfg.ConcurrentWorkers)

	for depth := 0; !sc.frontier.IsEmpty(); depth++ {
		if err := ctx.Err(); err != nil {
			return nil, sc.stats(start), crawlerrors.Wrap(crawlerrors.ErrCrawl, "crawl "+string(root), err)
		}

		level := sc.frontier.Drain()

		readErrs := o.readLevel(ctx, sc, level)
		if depth == 0 && readErrs[0] != nil {
			return nil, sc.stats(start), crawlerrors.Wrap(crawlerrors.ErrCrawl, "crawl "+string(root), readErrs[0])
		}

		refs, browseErrs := o.browseLevel(ctx, sc, level, readErrs)
		if depth == 0 && browseErrs[0] != nil {
			return nil, sc.stats(start), crawlerrors.Wrap(crawlerrors.ErrCrawl, "crawl "+string(root), browseErrs[0])
		}

		for i, entry := range level {
			err := readErrs[i]
			if err == nil {
				err = browseErrs[i]
			}
			if err != nil {
				o.markError(sc, entry, err)
				continue
			}
			o.recordNode(entry.Node, entry.Depth)
			o.expand(sc, entry, refs[i])
		}

		o.log.Infof("Level %d done: %d nodes, %d queued | %d reads, %d browses",
			depth, len(level), sc.frontier.Size(), sc.reads.Load(), sc.browses.Load())
	}

	stats := sc.stats(start)
	o.log.Infof("Crawl finished: %d nodes, %d errors in %v", stats.NodeCount, stats.ErrorCount, stats.Elapsed)
	return tree, stats, nil
}

// =============================================================================
// Attribute reads
// =============================================================================

var (
	baseAttributes = []ua.AttributeID{
		ua.AttributeBrowseName,
		ua.AttributeDisplayName,
		ua.AttributeNodeClass,
		ua.AttributeDescription,
	}
	variableAttributes = append(append([]ua.AttributeID(nil), baseAttributes...),
		ua.AttributeValue,
		ua.AttributeDataType,
	)
)

// attributesFor returns the attributes read for a node whose class is
// known from its reference. The root's class is unknown, so it gets the
// variable set
func attributesFor(class ua.NodeClass) []ua.AttributeID {
	if class == ua.NodeClassVariable || class == ua.NodeClassUnspecified {
		return variableAttributes
	}
	return baseAttributes
}

func (o *Orchestrator) readLevel(ctx context.Context, sc *crawlScope, level []QueueEntry) []error {
	errs := make([]error, len(level))
	for start := 0; start < len(level); start += o.cfg.ReadBatchSize {
		end := min(start+o.cfg.ReadBatchSize, len(level))
		o.readBatch(ctx, sc, level[start:end], errs[start:end])
	}
	return errs
}

// readBatch reads the attributes of all nodes in batch with one request.
// When the request fails as a whole, each node is retried on its own
func (o *Orchestrator) readBatch(ctx context.Context, sc *crawlScope, batch []QueueEntry, errs []error) {
	sc.batch = sc.batch[:0]
	spans := make([]int, len(batch))
	for i, entry := range batch {
		attrs := attributesFor(entry.Node.NodeClass)
		for _, attr := range attrs {
			sc.batch = append(sc.batch, ua.ReadValueID{NodeID: entry.Node.NodeID, AttributeID: attr})
		}
		spans[i] = len(attrs)
	}

	values, err := o.read(ctx, sc, sc.batch)
	if err != nil {
		if len(batch) > 1 {
			o.log.Warnf("Read of %d nodes failed, retrying individually: %v", len(batch), err)
			for i := range batch {
				o.readBatch(ctx, sc, batch[i:i+1], errs[i:i+1])
			}
			return
		}
		errs[0] = err
		return
	}

	offset := 0
	for i, entry := range batch {
		errs[i] = applyAttributes(entry.Node, sc.batch[offset:offset+spans[i]], values[offset:offset+spans[i]])
		offset += spans[i]
	}
}

func (o *Orchestrator) read(ctx context.Context, sc *crawlScope, nodes []ua.ReadValueID) ([]ua.DataValue, error) {
	if err := o.wait(ctx); err != nil {
		return nil, err
	}
	sc.reads.Add(1)
	sc.transactions.Add(1)

	values, err := o.services.Read(ctx, nodes)
	if err == nil && len(values) != len(nodes) {
		err = crawlerrors.Wrap(crawlerrors.ErrProtocol, "read",
			fmt.Errorf("requested %d attributes, got %d results", len(nodes), len(values)))
	}
	if err != nil {
		o.report(0, 0, 0, 1)
		return nil, err
	}
	return values, nil
}

// applyAttributes copies read results into node. A bad BrowseName means
// the node itself is unreadable; other bad attributes are left out
func applyAttributes(node *Node, ids []ua.ReadValueID, values []ua.DataValue) error {
	for j, id := range ids {
		dv := values[j]
		if dv.Err != nil {
			if id.AttributeID == ua.AttributeBrowseName {
				return fmt.Errorf("read %s: %w", node.NodeID, dv.Err)
			}
			continue
		}
		if dv.Value.IsNull() {
			continue
		}

		switch id.AttributeID {
		case ua.AttributeBrowseName:
			node.BrowseName = fmt.Sprint(dv.Value.Value)
		case ua.AttributeDisplayName:
			node.DisplayName = fmt.Sprint(dv.Value.Value)
		case ua.AttributeNodeClass:
			if class, ok := toNodeClass(dv.Value.Value); ok {
				node.NodeClass = class
			}
		}

		if node.Attributes == nil {
			node.Attributes = make(map[string]Attribute)
		}
		node.Attributes[id.AttributeID.String()] = Attribute{DataType: dv.Value.Type, Value: dv.Value.Value}
	}
	return nil
}

func toNodeClass(v any) (ua.NodeClass, bool) {
	switch c := v.(type) {
	case ua.NodeClass:
		return c, true
	case int32:
		return ua.NodeClass(c), true
	case uint32:
		return ua.NodeClass(c), true
	case int64:
		return ua.NodeClass(c), true
	case int:
		return ua.NodeClass(c), true
	default:
		return ua.NodeClassUnspecified, false
	}
}

// =============================================================================
// Browsing
// =============================================================================

// browseLevel browses every readable node of the level on up to
// ConcurrentWorkers goroutines. Results are indexed like level
func (o *Orchestrator) browseLevel(ctx context.Context, sc *crawlScope, level []QueueEntry, readErrs []error) ([][]ua.Reference, []error) {
	refs := make([][]ua.Reference, len(level))
	errs := make([]error, len(level))

	var g errgroup.Group
	g.SetLimit(o.cfg.ConcurrentWorkers)

	for i, entry := range level {
		if readErrs[i] != nil || o.atMaxDepth(entry.Depth) {
			continue
		}
		i, entry := i, entry
		g.Go(func() error {
			refs[i], errs[i] = o.browse(ctx, sc, entry.Node.NodeID)
			return nil
		})
	}
	_ = g.Wait()

	return refs, errs
}

func (o *Orchestrator) browse(ctx context.Context, sc *crawlScope, id ua.NodeID) ([]ua.Reference, error) {
	if err := o.wait(ctx); err != nil {
		return nil, err
	}
	sc.browses.Add(1)
	sc.transactions.Add(1)

	refs, err := o.services.Browse(ctx, id)
	if err != nil {
		o.report(0, 0, 0, 1)
		return nil, fmt.Errorf("browse %s: %w", id, err)
	}
	return refs, nil
}

func (o *Orchestrator) atMaxDepth(depth int) bool {
	return o.cfg.MaxDepth > 0 && depth >= o.cfg.MaxDepth
}

// expand attaches the unvisited targets of refs as children of entry and
// queues them for the next level
func (o *Orchestrator) expand(sc *crawlScope, entry QueueEntry, refs []ua.Reference) {
	o.report(1, 0, 0, 0)
	parent := entry.Node

	for _, ref := range FilterReferences(refs, o.filter) {
		if sc.frontier.Visited(ref.NodeID) {
			o.recordEdge(parent.NodeID, ref, true)
			continue
		}

		if !sc.namespaces.Add(ref.NodeID) {
			ns := ref.NodeID.Namespace()
			o.log.Debugf("Namespace %d limit reached at %d nodes, skipping %s", ns, sc.namespaces.Count(ns), ref.NodeID)
			continue
		}

		child := &Node{
			NodeID:      ref.NodeID,
			BrowseName:  ref.BrowseName,
			DisplayName: ref.DisplayName,
			NodeClass:   ref.NodeClass,
		}
		sc.frontier.Push(QueueEntry{Node: child, Depth: entry.Depth + 1})
		parent.Children = append(parent.Children, child)

		o.recordNode(child, entry.Depth+1)
		o.recordEdge(parent.NodeID, ref, false)
		o.report(0, 1, 0, 0)
	}
}

func (o *Orchestrator) markError(sc *crawlScope, entry QueueEntry, err error) {
	sc.errors++
	entry.Node.Error = err.Error()
	o.log.Warnf("Node %s: %v", entry.Node.NodeID, err)

	if o.graph != nil {
		if gerr := o.graph.MarkError(entry.Node.NodeID, err); gerr != nil {
			o.log.Debugf("Graph: %v", gerr)
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

func (o *Orchestrator) wait(ctx context.Context) error {
	if o.limiter == nil {
		return nil
	}
	return o.limiter.Wait(ctx)
}

func (o *Orchestrator) recordNode(n *Node, depth int) {
	if o.graph != nil {
		o.graph.UpsertNode(n.NodeID, n.BrowseName, n.DisplayName, n.NodeClass, depth)
	}
}

func (o *Orchestrator) recordEdge(from ua.NodeID, ref ua.Reference, crossReference bool) {
	o.report(0, 0, 1, 0)
	if o.graph == nil {
		return
	}
	if err := o.graph.UpsertEdge(from, ref.NodeID, ref.ReferenceType, crossReference); err != nil {
		o.log.Debugf("Graph: %v", err)
	}
}

func (o *Orchestrator) report(nodesCrawled, nodesDiscovered, referencesRecorded, requestsFailed int) {
	if o.metricsCallback != nil {
		o.metricsCallback(nodesCrawled, nodesDiscovered, referencesRecorded, requestsFailed)
	}
}
