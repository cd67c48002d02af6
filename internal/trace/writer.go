package trace

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	writerBatchSize = 64
	// recentDropLimit bounds the drop log kept for diagnostics.
	recentDropLimit = 32
	// maxTrackedAgents bounds per-agent counters; later agents share
	// OverflowAgentKey.
	maxTrackedAgents = 256
)

// OverflowAgentKey collects counters for agents beyond maxTrackedAgents.
const OverflowAgentKey = "*"

// DropReason says why a trace never reached the store.
type DropReason string

const (
	DropQueueFull   DropReason = "queue_full"
	DropWriteFailed DropReason = "write_failed"
)

// DroppedTrace identifies a trace the writer gave up on. ContentHash matches
// Trace.ContentHash, so a resubmitted run can be recognised.
type DroppedTrace struct {
	TraceID     string     `json:"trace_id"`
	AgentID     string     `json:"agent_id"`
	ContentHash string     `json:"content_hash"`
	Reason      DropReason `json:"reason"`
	ErrorClass  string     `json:"error_class,omitempty"`
	At          time.Time  `json:"at"`
}

func newDroppedTrace(t *Trace, reason DropReason, errorClass string, at time.Time) DroppedTrace {
	return DroppedTrace{
		TraceID:     t.TraceID,
		AgentID:     t.AgentID,
		ContentHash: t.ContentHash(),
		Reason:      reason,
		ErrorClass:  errorClass,
		At:          at,
	}
}

// AgentWriteStats counts writer outcomes for one agent.
type AgentWriteStats struct {
	Accepted    int64 `json:"accepted"`
	Persisted   int64 `json:"persisted"`
	QueueFull   int64 `json:"queue_full"`
	WriteFailed int64 `json:"write_failed"`
}

func (s AgentWriteStats) Dropped() int64 {
	return s.QueueFull + s.WriteFailed
}

// WriterDiagnostics is a point-in-time view of the writer.
type WriterDiagnostics struct {
	QueueCapacity        int                        `json:"queue_capacity"`
	QueueDepth           int                        `json:"queue_depth"`
	Totals               AgentWriteStats            `json:"totals"`
	Agents               map[string]AgentWriteStats `json:"agents,omitempty"`
	WriteFailuresByClass map[string]int64           `json:"write_failures_by_class,omitempty"`
	// RecentDrops is oldest first.
	RecentDrops []DroppedTrace `json:"recent_drops,omitempty"`
}

// ForAgent narrows d to one agent. Failure classes are only kept in total,
// so the narrowed view has none.
func (d WriterDiagnostics) ForAgent(agentID string) WriterDiagnostics {
	out := WriterDiagnostics{
		QueueCapacity: d.QueueCapacity,
		QueueDepth:    d.QueueDepth,
	}
	if stats, ok := d.Agents[agentID]; ok {
		out.Totals = stats
		out.Agents = map[string]AgentWriteStats{agentID: stats}
	}
	for _, drop := range d.RecentDrops {
		if drop.AgentID == agentID {
			out.RecentDrops = append(out.RecentDrops, drop)
		}
	}
	return out
}

// WriteFailure reports traces from one flush that the store rejected.
type WriteFailure struct {
	Operation string
	BatchSize int
	// Err and ErrorClass describe the first rejected save.
	Err        error
	ErrorClass string
	Dropped    []DroppedTrace
}

type WriteFailureHandler func(WriteFailure)

// WriterMetrics holds optional callbacks the Writer invokes.
type WriterMetrics struct {
	// OnDrop is called once for every trace that will not be stored.
	OnDrop func(DroppedTrace)
}

// Writer persists traces asynchronously through a bounded queue. Enqueue
// never blocks; traces are dropped and counted per agent when the queue is
// full or the store rejects them.
type Writer struct {
	store  TraceStore
	queue  chan *Trace
	log    *slog.Logger
	ledger writerLedger

	hooksMu   sync.RWMutex
	onFailure WriteFailureHandler
	metrics   WriterMetrics

	// queueMu orders Enqueue sends against close(queue) in Shutdown.
	queueMu  sync.RWMutex
	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	doneOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

func NewWriter(store TraceStore, bufferSize int, logger *slog.Logger) *Writer {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Writer{
		store: store,
		queue: make(chan *Trace, bufferSize),
		log:   logger,
		done:  make(chan struct{}),
	}
}

// SetWriteFailureHandler replaces the callback for rejected saves.
func (w *Writer) SetWriteFailureHandler(handler WriteFailureHandler) {
	if w == nil {
		return
	}
	w.hooksMu.Lock()
	defer w.hooksMu.Unlock()
	w.onFailure = handler
}

func (w *Writer) SetMetrics(m WriterMetrics) {
	if w == nil {
		return
	}
	w.hooksMu.Lock()
	defer w.hooksMu.Unlock()
	w.metrics = m
}

func (w *Writer) hooks() (WriteFailureHandler, WriterMetrics) {
	w.hooksMu.RLock()
	defer w.hooksMu.RUnlock()
	return w.onFailure, w.metrics
}

// Start launches the flush worker. A nil or already cancelled ctx is
// replaced by context.Background so queued traces still drain.
func (w *Writer) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	w.cancelMu.Lock()
	w.cancel = cancel
	w.cancelMu.Unlock()

	w.wg.Add(1)
	go w.run(workerCtx)
}

func (w *Writer) run(ctx context.Context) {
	defer w.wg.Done()
	defer w.markDone()

	for {
		select {
		case <-ctx.Done():
			return
		case first, ok := <-w.queue:
			if !ok {
				return
			}
			batch, last := w.collect(ctx, first)
			flushCtx := ctx
			if last {
				// The worker is exiting; a cancelled ctx would reject the final flush.
				flushCtx = context.Background()
			}
			w.flush(flushCtx, batch)
			if last {
				return
			}
		}
	}
}

// collect gathers queued traces up to writerBatchSize without blocking. last
// reports that the queue closed or the worker was cancelled while draining.
func (w *Writer) collect(ctx context.Context, first *Trace) ([]*Trace, bool) {
	batch := make([]*Trace, 1, writerBatchSize)
	batch[0] = first
	for len(batch) < writerBatchSize {
		select {
		case <-ctx.Done():
			return batch, true
		case next, ok := <-w.queue:
			if !ok {
				return batch, true
			}
			batch = append(batch, next)
		default:
			return batch, false
		}
	}
	return batch, false
}

// Enqueue queues a copy of t and reports whether it was accepted. Traces
// refused because the queue is full are recorded as drops.
func (w *Writer) Enqueue(t *Trace) bool {
	if t == nil || w.stopped.Load() {
		return false
	}
	t = t.Clone()
	w.queueMu.RLock()
	defer w.queueMu.RUnlock()
	if w.stopped.Load() {
		return false
	}

	select {
	case w.queue <- t:
		w.ledger.accepted(t.AgentID)
		return true
	default:
		w.recordDrop(newDroppedTrace(t, DropQueueFull, "", time.Now().UTC()))
		return false
	}
}

func (w *Writer) Stop() {
	_ = w.Shutdown(context.Background())
}

// Shutdown stops accepting traces and waits for the queue to drain. When ctx
// ends first the in-flight save is cancelled and ctx.Err is returned.
func (w *Writer) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		w.queueMu.Lock()
		close(w.queue)
		w.queueMu.Unlock()
		if !w.started.Load() {
			w.markDone()
		}
	})

	select {
	case <-w.done:
		w.wg.Wait()
		w.cancelWorker()
		return nil
	case <-ctx.Done():
		w.cancelWorker()
		return ctx.Err()
	}
}

func (w *Writer) cancelWorker() {
	w.cancelMu.Lock()
	cancel := w.cancel
	w.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Writer) markDone() {
	w.doneOnce.Do(func() {
		close(w.done)
	})
}

// Diagnostics returns per-agent counters and the most recent drops.
func (w *Writer) Diagnostics() WriterDiagnostics {
	if w == nil {
		return WriterDiagnostics{}
	}
	d := w.ledger.snapshot()
	d.QueueCapacity = cap(w.queue)
	d.QueueDepth = len(w.queue)
	return d
}

func (w *Writer) flush(ctx context.Context, batch []*Trace) {
	saver, canBatch := w.store.(BatchSaver)
	if !canBatch || len(batch) == 1 {
		w.saveEach(ctx, batch, "save")
		return
	}
	err := saver.SaveBatch(ctx, batch)
	if err == nil {
		for _, t := range batch {
			w.ledger.persisted(t.AgentID)
		}
		return
	}
	// Retry one by one so a single bad trace does not drop its neighbours.
	w.log.Warn("trace batch save failed; retrying individually", "batch_size", len(batch), "error_class", ClassifyWriteError(err), "error", err)
	w.saveEach(ctx, batch, "save_batch_fallback")
}

func (w *Writer) saveEach(ctx context.Context, batch []*Trace, operation string) {
	var failure WriteFailure
	now := time.Now().UTC()
	for _, t := range batch {
		err := w.store.Save(ctx, t)
		if err == nil {
			w.ledger.persisted(t.AgentID)
			continue
		}
		drop := newDroppedTrace(t, DropWriteFailed, ClassifyWriteError(err), now)
		if failure.Err == nil {
			failure.Err = err
			failure.ErrorClass = drop.ErrorClass
		}
		failure.Dropped = append(failure.Dropped, drop)
		w.recordDrop(drop)
	}
	if len(failure.Dropped) == 0 {
		return
	}
	failure.Operation = operation
	failure.BatchSize = len(batch)

	w.log.Error("trace write failed",
		"operation", operation,
		"failed", len(failure.Dropped),
		"batch_size", len(batch),
		"error_class", failure.ErrorClass,
		"error", failure.Err,
	)
	if handler, _ := w.hooks(); handler != nil {
		handler(failure)
	}
}

func (w *Writer) recordDrop(drop DroppedTrace) {
	w.ledger.dropped(drop)
	if _, metrics := w.hooks(); metrics.OnDrop != nil {
		metrics.OnDrop(drop)
	}
}

// writerLedger holds the writer's counters behind one mutex.
type writerLedger struct {
	mu      sync.Mutex
	totals  AgentWriteStats
	agents  map[string]*AgentWriteStats
	classes map[string]int64
	recent  []DroppedTrace
}

// statsFor returns the counters for agentID. The caller holds mu.
func (l *writerLedger) statsFor(agentID string) *AgentWriteStats {
	if l.agents == nil {
		l.agents = make(map[string]*AgentWriteStats)
	}
	if stats, ok := l.agents[agentID]; ok {
		return stats
	}
	if len(l.agents) >= maxTrackedAgents {
		agentID = OverflowAgentKey
		if stats, ok := l.agents[agentID]; ok {
			return stats
		}
	}
	stats := &AgentWriteStats{}
	l.agents[agentID] = stats
	return stats
}

func (l *writerLedger) accepted(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statsFor(agentID).Accepted++
	l.totals.Accepted++
}

func (l *writerLedger) persisted(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statsFor(agentID).Persisted++
	l.totals.Persisted++
}

func (l *writerLedger) dropped(drop DroppedTrace) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := l.statsFor(drop.AgentID)
	switch drop.Reason {
	case DropQueueFull:
		stats.QueueFull++
		l.totals.QueueFull++
	default:
		stats.WriteFailed++
		l.totals.WriteFailed++
	}
	if drop.ErrorClass != "" {
		if l.classes == nil {
			l.classes = make(map[string]int64)
		}
		l.classes[drop.ErrorClass]++
	}
	l.recent = append(l.recent, drop)
	if extra := len(l.recent) - recentDropLimit; extra > 0 {
		l.recent = append(l.recent[:0], l.recent[extra:]...)
	}
}

func (l *writerLedger) snapshot() WriterDiagnostics {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := WriterDiagnostics{Totals: l.totals}
	if len(l.agents) > 0 {
		d.Agents = make(map[string]AgentWriteStats, len(l.agents))
		for id, stats := range l.agents {
			d.Agents[id] = *stats
		}
	}
	if len(l.classes) > 0 {
		d.WriteFailuresByClass = make(map[string]int64, len(l.classes))
		for class, n := range l.classes {
			d.WriteFailuresByClass[class] = n
		}
	}
	if len(l.recent) > 0 {
		d.RecentDrops = append([]DroppedTrace(nil), l.recent...)
	}
	return d
}

// DroppedAgents lists agent ids with at least one drop, most drops first.
func (d WriterDiagnostics) DroppedAgents() []string {
	ids := make([]string, 0, len(d.Agents))
	for id, stats := range d.Agents {
		if stats.Dropped() > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := d.Agents[ids[i]].Dropped(), d.Agents[ids[j]].Dropped()
		if a != b {
			return a > b
		}
		return ids[i] < ids[j]
	})
	return ids
}
