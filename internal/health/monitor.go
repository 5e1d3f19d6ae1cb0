// Package health samples pipeline counters on an interval and distills
// them into a single verdict with the measurements behind it.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"transcriptd/internal/broker"
	"transcriptd/internal/ingest"
	"transcriptd/internal/parser"
	"transcriptd/internal/persist"
)

// Verdict is the overall pipeline health classification.
type Verdict string

const (
	Healthy   Verdict = "healthy"
	Degraded  Verdict = "degraded"
	Unhealthy Verdict = "unhealthy"
)

// latencyWindowSize bounds the dispatch latency sample buffer.
const latencyWindowSize = 1024

// LatencyWindow is a fixed-size ring of duration samples supporting
// percentile queries. Safe for concurrent use.
type LatencyWindow struct {
	mu      sync.Mutex
	samples [latencyWindowSize]time.Duration
	next    int
	filled  int
}

// Record appends a sample, evicting the oldest once full.
func (w *LatencyWindow) Record(d time.Duration) {
	w.mu.Lock()
	w.samples[w.next] = d
	w.next = (w.next + 1) % latencyWindowSize
	if w.filled < latencyWindowSize {
		w.filled++
	}
	w.mu.Unlock()
}

// Percentile returns the p-th percentile (0 < p <= 100) of the window, or
// zero when no samples have been recorded.
func (w *LatencyWindow) Percentile(p float64) time.Duration {
	w.mu.Lock()
	n := w.filled
	buf := make([]time.Duration, n)
	copy(buf, w.samples[:n])
	w.mu.Unlock()

	if n == 0 {
		return 0
	}
	sort.Slice(buf, func(i, j int) bool { return buf[i] < buf[j] })
	idx := int(float64(n)*p/100) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return buf[idx]
}

// Report is one health sample.
type Report struct {
	Verdict   Verdict   `json:"verdict"`
	Issues    []string  `json:"issues,omitempty"`
	SampledAt time.Time `json:"sampledAt"`

	DispatchP50 time.Duration `json:"dispatchP50"`
	DispatchP95 time.Duration `json:"dispatchP95"`
	DispatchP99 time.Duration `json:"dispatchP99"`

	LinesParsed   uint64  `json:"linesParsed"`
	LinesRejected uint64  `json:"linesRejected"`
	LinesSkipped  uint64  `json:"linesSkipped"`
	RejectionRate float64 `json:"rejectionRate"`

	QueueDepth    int    `json:"queueDepth"`
	QueueCapacity int    `json:"queueCapacity"`
	Written       uint64 `json:"written"`
	QueueDropped  uint64 `json:"queueDropped"`
	Retries       uint64 `json:"retries"`
	DeadLetters   uint64 `json:"deadLetters"`

	Connections     uint64 `json:"connections"`
	Delivered       uint64 `json:"delivered"`
	ClientsDropped  uint64 `json:"clientsDropped"`
	FilesProcessed  uint64 `json:"filesProcessed"`
	OversizedLines  uint64 `json:"oversizedLines"`
	ActiveConvCount int    `json:"activeConversations"`
}

// Options configures a Monitor.
type Options struct {
	SampleInterval time.Duration
	QueueCapacity  int
	Logger         *slog.Logger
}

// Monitor periodically samples every stage and publishes the latest
// Report. Sources are supplied as snapshot functions so the monitor holds
// no references into stage internals.
type Monitor struct {
	opts    Options
	latency *LatencyWindow
	logger  *slog.Logger

	parserStats     func() parser.Stats
	writerStats     func() persist.Stats
	brokerStats     func() broker.Stats
	dispatcherStats func() ingest.Stats

	mu     sync.RWMutex
	latest Report
}

// NewMonitor wires a Monitor to its stage snapshot sources.
func NewMonitor(
	opts Options,
	latency *LatencyWindow,
	parserStats func() parser.Stats,
	writerStats func() persist.Stats,
	brokerStats func() broker.Stats,
	dispatcherStats func() ingest.Stats,
) *Monitor {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		opts:            opts,
		latency:         latency,
		logger:          logger.With("component", "health"),
		parserStats:     parserStats,
		writerStats:     writerStats,
		brokerStats:     brokerStats,
		dispatcherStats: dispatcherStats,
	}
}

// Run samples until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := m.Sample()
			m.log(report)
		}
	}
}

// Latest returns the most recent report.
func (m *Monitor) Latest() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// Sample takes a fresh report from every source and stores it as latest.
func (m *Monitor) Sample() Report {
	ps := m.parserStats()
	ws := m.writerStats()
	bs := m.brokerStats()
	ds := m.dispatcherStats()

	report := Report{
		SampledAt:   time.Now(),
		DispatchP50: m.latency.Percentile(50),
		DispatchP95: m.latency.Percentile(95),
		DispatchP99: m.latency.Percentile(99),

		LinesParsed:   ps.Parsed,
		LinesRejected: ps.Rejected,
		LinesSkipped:  ps.Skipped,

		QueueDepth:    ws.QueueDepth,
		QueueCapacity: m.opts.QueueCapacity,
		Written:       ws.Written,
		QueueDropped:  ws.Dropped,
		Retries:       ws.Retries,
		DeadLetters:   ws.DeadLetters,

		Connections:     uint64(bs.Connections),
		Delivered:       bs.Delivered,
		ClientsDropped:  bs.Dropped,
		FilesProcessed:  ds.FilesProcessed,
		OversizedLines:  ds.LinesDropped,
		ActiveConvCount: ds.ActiveConversations,
	}

	if total := ps.Parsed + ps.Rejected; total > 0 {
		report.RejectionRate = float64(ps.Rejected) / float64(total)
	}
	report.Verdict, report.Issues = classify(report)

	m.mu.Lock()
	m.latest = report
	m.mu.Unlock()
	return report
}

// classify applies the verdict thresholds. Dead letters and a saturated
// queue mark real trouble; elevated rejections or drops mark degradation.
func classify(r Report) (Verdict, []string) {
	var issues []string
	verdict := Healthy

	degrade := func(issue string) {
		issues = append(issues, issue)
		if verdict == Healthy {
			verdict = Degraded
		}
	}
	fail := func(issue string) {
		issues = append(issues, issue)
		verdict = Unhealthy
	}

	if r.DeadLetters > 0 {
		fail("dead-lettered batches awaiting replay")
	}
	if r.QueueCapacity > 0 && r.QueueDepth >= r.QueueCapacity*9/10 {
		fail("persistence queue near capacity")
	}
	if r.QueueDropped > 0 {
		degrade("persistence queue has shed messages")
	}
	if r.RejectionRate > 0.10 {
		degrade("line rejection rate above 10%")
	}
	if r.Retries > 0 && r.Written == 0 {
		degrade("database writes retrying without progress")
	}
	if r.ClientsDropped > 0 {
		degrade("slow subscribers dropped")
	}
	return verdict, issues
}

func (m *Monitor) log(r Report) {
	attrs := []any{
		"verdict", r.Verdict,
		"p50", r.DispatchP50,
		"p95", r.DispatchP95,
		"p99", r.DispatchP99,
		"parsed", r.LinesParsed,
		"rejected", r.LinesRejected,
		"queue_depth", r.QueueDepth,
		"written", r.Written,
		"dead_letters", r.DeadLetters,
		"connections", r.Connections,
		"active_conversations", r.ActiveConvCount,
	}
	switch r.Verdict {
	case Healthy:
		m.logger.Debug("health sample", attrs...)
	case Degraded:
		m.logger.Warn("health sample", append(attrs, "issues", r.Issues)...)
	default:
		m.logger.Error("health sample", append(attrs, "issues", r.Issues)...)
	}
}
