// Package pool maintains pre-warmed REPL sandboxes so stateful executions
// skip interpreter startup.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/events"
	"github.com/runbox/runbox/internal/languages"
	"github.com/runbox/runbox/internal/logging"
	"github.com/runbox/runbox/internal/repl"
	"github.com/runbox/runbox/internal/sandbox"
)

// ErrClosed is returned once the pool has shut down.
var ErrClosed = errors.New("pool closed")

// REPL is the live-interpreter handle the pool manages. *repl.Process
// implements it.
type REPL interface {
	ExecuteWithState(ctx context.Context, code, state string, args []string, timeout time.Duration) (*repl.ExecResult, error)
	CheckHealth(ctx context.Context) error
	Healthy() bool
	Close()
}

// Factory creates a warm REPL sandbox for a language.
type Factory func(ctx context.Context, lang languages.Language) (REPL, *sandbox.Sandbox, error)

// NewREPLFactory is the production Factory: a fresh sandbox with the
// driver started through the isolation wrapper.
func NewREPLFactory(mgr *sandbox.Manager, iso *sandbox.Isolator) Factory {
	return func(ctx context.Context, lang languages.Language) (REPL, *sandbox.Sandbox, error) {
		sb, err := mgr.Create(ctx, lang)
		if err != nil {
			return nil, nil, err
		}
		proc, err := repl.Start(ctx, mgr, iso, sb)
		if err != nil {
			_ = mgr.Destroy(ctx, sb.ID)
			return nil, nil, err
		}
		return proc, sb, nil
	}
}

// Lease is one acquired REPL sandbox. Leases are never returned to the
// warm queue: restored state taints the interpreter.
type Lease struct {
	SB       *sandbox.Sandbox
	REPL     REPL
	FromPool bool
	acquired time.Time
}

// Config sizes the pool.
type Config struct {
	// Languages lists the language codes kept warm.
	Languages []string
	// Size is the warm target per language.
	Size int
	// ParallelBatch bounds concurrent warm creations during a fill.
	ParallelBatch int
	// ReplenishInterval is the background fill cadence.
	ReplenishInterval time.Duration
	// CleanupWorkers drain the destruction queue.
	CleanupWorkers int
}

func (c *Config) defaults() {
	if c.Size <= 0 {
		c.Size = 3
	}
	if c.ParallelBatch <= 0 {
		c.ParallelBatch = 5
	}
	if c.ReplenishInterval <= 0 {
		c.ReplenishInterval = 2 * time.Second
	}
	if c.CleanupWorkers <= 0 {
		c.CleanupWorkers = 4
	}
}

type warmItem struct {
	proc REPL
	sb   *sandbox.Sandbox
}

type langStats struct {
	created   uint64
	reused    uint64
	exhausted uint64
	acquires  uint64
	avgMs     float64
}

// Stats is a per-language snapshot.
type Stats struct {
	Language     string  `json:"language"`
	Warm         int     `json:"warm"`
	InUse        int     `json:"in_use"`
	Created      uint64  `json:"created"`
	Reused       uint64  `json:"reused"`
	Exhausted    uint64  `json:"exhausted"`
	AvgAcquireMs float64 `json:"avg_acquire_ms"`
}

// Pool keeps warm REPL sandboxes per language and hands destruction to a
// bounded worker queue.
type Pool struct {
	factory Factory
	destroy func(ctx context.Context, sb *sandbox.Sandbox) error
	bus     *events.Bus
	cfg     Config
	log     *zap.Logger

	mu       sync.Mutex
	warm     map[string][]*warmItem
	tracking map[string]*Lease
	stats    map[string]*langStats
	closed   bool

	wake      chan struct{}
	cleanupCh chan *warmItem

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the pool. Call Start to begin warming.
func New(factory Factory, mgr *sandbox.Manager, bus *events.Bus, cfg Config) *Pool {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		factory: factory,
		destroy: func(ctx context.Context, sb *sandbox.Sandbox) error {
			return mgr.Destroy(ctx, sb.ID)
		},
		bus:       bus,
		cfg:       cfg,
		log:       logging.L().Named("pool"),
		warm:      make(map[string][]*warmItem),
		tracking:  make(map[string]*Lease),
		stats:     make(map[string]*langStats),
		wake:      make(chan struct{}, 1),
		cleanupCh: make(chan *warmItem, 64),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, code := range cfg.Languages {
		p.warm[code] = nil
		p.stats[code] = &langStats{}
	}
	return p
}

// Start launches the warmup loop and cleanup workers.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.CleanupWorkers; i++ {
		p.wg.Add(1)
		go p.cleanupWorker()
	}
	p.wg.Add(1)
	go p.warmupLoop()
}

// Acquire returns a REPL sandbox for the language: a health-checked warm
// one when available (retrying once past a dead candidate), otherwise a
// fresh one built inline.
func (p *Pool) Acquire(ctx context.Context, lang languages.Language) (*Lease, error) {
	start := time.Now()

	for attempt := 0; attempt < 2; attempt++ {
		item, ok, err := p.popWarm(lang.Code)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if err := item.proc.CheckHealth(ctx); err != nil {
			p.log.Warn("discarding dead warm sandbox",
				zap.String("lang", lang.Code), zap.String("sandbox", item.sb.ID), zap.Error(err))
			p.scheduleCleanup(item)
			continue
		}
		lease := p.track(item, true, start)
		p.recordAcquire(lang.Code, start, true)
		p.signalWake()
		p.bus.Publish(events.Event{
			Type: events.TypeAcquiredFromPool, Language: lang.Code, SandboxID: item.sb.ID,
		})
		return lease, nil
	}

	if open, pooled := p.isPooled(lang.Code); open && pooled {
		p.bus.Publish(events.Event{Type: events.TypePoolExhausted, Language: lang.Code})
		p.bumpExhausted(lang.Code)
		p.signalWake()
	}

	proc, sb, err := p.factory(ctx, lang)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	lease := p.track(&warmItem{proc: proc, sb: sb}, false, start)
	if lease == nil {
		p.destroyItem(&warmItem{proc: proc, sb: sb})
		return nil, ErrClosed
	}
	p.recordAcquire(lang.Code, start, false)
	p.bus.Publish(events.Event{
		Type: events.TypeCreatedFresh, Language: lang.Code, SandboxID: sb.ID,
	})
	return lease, nil
}

// Release retires a lease: the sandbox and its interpreter are destroyed
// by the cleanup workers, never reused.
func (p *Pool) Release(sandboxID string) {
	p.mu.Lock()
	lease, ok := p.tracking[sandboxID]
	delete(p.tracking, sandboxID)
	p.mu.Unlock()
	if !ok {
		return
	}
	p.scheduleCleanup(&warmItem{proc: lease.REPL, sb: lease.SB})
}

// LiveIDs reports every sandbox the pool currently owns, warm or leased.
// Used by the cleanup sweeper to avoid reaping active sandboxes.
func (p *Pool) LiveIDs() map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make(map[string]bool, len(p.tracking))
	for id := range p.tracking {
		ids[id] = true
	}
	for _, items := range p.warm {
		for _, item := range items {
			ids[item.sb.ID] = true
		}
	}
	return ids
}

// Stats snapshots per-language counters.
func (p *Pool) Stats() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	inUse := make(map[string]int)
	for _, lease := range p.tracking {
		inUse[lease.SB.Lang.Code]++
	}
	out := make([]Stats, 0, len(p.stats))
	for code, st := range p.stats {
		out = append(out, Stats{
			Language:     code,
			Warm:         len(p.warm[code]),
			InUse:        inUse[code],
			Created:      st.created,
			Reused:       st.reused,
			Exhausted:    st.exhausted,
			AvgAcquireMs: st.avgMs,
		})
	}
	return out
}

// Close stops warming and destroys every warm and tracked sandbox.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var leftovers []*warmItem
	for code, items := range p.warm {
		leftovers = append(leftovers, items...)
		p.warm[code] = nil
	}
	for id, lease := range p.tracking {
		leftovers = append(leftovers, &warmItem{proc: lease.REPL, sb: lease.SB})
		delete(p.tracking, id)
	}
	p.mu.Unlock()

	p.cancel()

	for _, item := range leftovers {
		p.destroyItem(item)
	}
	close(p.cleanupCh)
	p.wg.Wait()
}

// --- internals ---

func (p *Pool) popWarm(code string) (*warmItem, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, ErrClosed
	}
	items := p.warm[code]
	if len(items) == 0 {
		return nil, false, nil
	}
	item := items[0]
	p.warm[code] = items[1:]
	return item, true, nil
}

// isPooled reports whether the language is warm-managed, and (first
// return) that the pool is still open.
func (p *Pool) isPooled(code string) (open bool, pooled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, pooled = p.stats[code]
	return !p.closed, pooled
}

func (p *Pool) track(item *warmItem, fromPool bool, start time.Time) *Lease {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	lease := &Lease{SB: item.sb, REPL: item.proc, FromPool: fromPool, acquired: start}
	p.tracking[item.sb.ID] = lease
	return lease
}

func (p *Pool) recordAcquire(code string, start time.Time, reused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.stats[code]
	if !ok {
		st = &langStats{}
		p.stats[code] = st
	}
	if reused {
		st.reused++
	} else {
		st.created++
	}
	st.acquires++
	ms := float64(time.Since(start).Microseconds()) / 1000.0
	st.avgMs += (ms - st.avgMs) / float64(st.acquires)
}

func (p *Pool) bumpExhausted(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.stats[code]; ok {
		st.exhausted++
	}
}

func (p *Pool) signalWake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// scheduleCleanup hands the item to the cleanup workers. The send happens
// under the pool mutex so Close (which flips closed before closing the
// channel) can never close cleanupCh out from under a sender.
func (p *Pool) scheduleCleanup(item *warmItem) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroyItem(item)
		return
	}
	select {
	case p.cleanupCh <- item:
		p.mu.Unlock()
	default:
		// Queue full: destroy inline rather than leaking the sandbox.
		p.mu.Unlock()
		p.destroyItem(item)
	}
}

func (p *Pool) cleanupWorker() {
	defer p.wg.Done()
	for item := range p.cleanupCh {
		p.destroyItem(item)
	}
}

func (p *Pool) destroyItem(item *warmItem) {
	item.proc.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.destroy(ctx, item.sb); err != nil {
		p.log.Warn("sandbox destroy failed", zap.String("sandbox", item.sb.ID), zap.Error(err))
	}
}

func (p *Pool) warmupLoop() {
	defer p.wg.Done()

	p.fillAll()
	ticker := time.NewTicker(p.cfg.ReplenishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.fillAll()
		case <-p.wake:
			p.fillAll()
		}
	}
}

// fillAll tops every pooled language up to the warm target, creating in
// parallel batches.
func (p *Pool) fillAll() {
	for _, code := range p.cfg.Languages {
		lang, err := languages.Lookup(code)
		if err != nil {
			p.log.Error("pooled language unknown", zap.String("lang", code))
			continue
		}
		p.fill(lang)
	}
}

func (p *Pool) fill(lang languages.Language) {
	p.mu.Lock()
	deficit := p.cfg.Size - len(p.warm[lang.Code])
	closed := p.closed
	p.mu.Unlock()
	if closed || deficit <= 0 {
		return
	}

	added := 0
	for deficit > 0 {
		batch := deficit
		if batch > p.cfg.ParallelBatch {
			batch = p.cfg.ParallelBatch
		}
		results := make(chan *warmItem, batch)
		for i := 0; i < batch; i++ {
			go func() {
				proc, sb, err := p.factory(p.ctx, lang)
				if err != nil {
					if p.ctx.Err() == nil {
						p.log.Warn("warm create failed", zap.String("lang", lang.Code), zap.Error(err))
					}
					results <- nil
					return
				}
				results <- &warmItem{proc: proc, sb: sb}
			}()
		}
		for i := 0; i < batch; i++ {
			item := <-results
			if item == nil {
				continue
			}
			p.mu.Lock()
			if p.closed || len(p.warm[lang.Code]) >= p.cfg.Size {
				p.mu.Unlock()
				p.destroyItem(item)
				continue
			}
			p.warm[lang.Code] = append(p.warm[lang.Code], item)
			added++
			p.mu.Unlock()
		}
		deficit -= batch
		if p.ctx.Err() != nil {
			return
		}
	}

	if added > 0 {
		p.mu.Lock()
		warm := len(p.warm[lang.Code])
		p.mu.Unlock()
		if warm >= p.cfg.Size {
			p.bus.Publish(events.Event{
				Type: events.TypePoolWarmedUp, Language: lang.Code, WarmCount: warm,
			})
			p.log.Info("pool warmed", zap.String("lang", lang.Code), zap.Int("warm", warm))
		}
	}
}
