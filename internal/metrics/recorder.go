package metrics

import (
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/runbox/runbox/internal/events"
	"github.com/runbox/runbox/internal/logging"
	"github.com/runbox/runbox/internal/pool"
)

// ExecutionRecord is one persisted execution, kept for usage analysis and
// billing reconciliation.
type ExecutionRecord struct {
	ID          uint      `gorm:"primaryKey"`
	CreatedAt   time.Time `gorm:"index"`
	ExecutionID string    `gorm:"size:36;index"`
	Language    string    `gorm:"size:16;index"`
	SessionID   string    `gorm:"size:64;index"`
	EntityID    string    `gorm:"size:64"`
	APIKeyHash  string    `gorm:"size:16;index"`
	DurationMs  int64
	ExitCode    int
	TimedOut    bool
	StateSize   int
}

// Recorder consumes bus events, updates the Prometheus collectors and
// appends execution rows to a local SQLite database.
type Recorder struct {
	db      *gorm.DB
	metrics *Metrics
	bus     *events.Bus
	pool    *pool.Pool
	log     *zap.Logger

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// OpenDB opens (or creates) the metrics database and migrates its schema.
// Pass ":memory:" for an ephemeral store.
func OpenDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&ExecutionRecord{}); err != nil {
		return nil, err
	}
	return db, nil
}

// NewRecorder wires a Recorder. db may be nil to skip persistence.
func NewRecorder(db *gorm.DB, bus *events.Bus, p *pool.Pool) *Recorder {
	return &Recorder{
		db:      db,
		metrics: Get(),
		bus:     bus,
		pool:    p,
		log:     logging.L().Named("metrics"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins consuming events and sampling pool gauges.
func (r *Recorder) Start() {
	sub := r.bus.Subscribe()
	go r.run(sub)
}

// Stop halts the consumer. Safe to call more than once.
func (r *Recorder) Stop() {
	r.closeOnce.Do(func() {
		close(r.stopCh)
	})
	<-r.doneCh
}

func (r *Recorder) run(sub <-chan events.Event) {
	defer close(r.doneCh)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			r.handle(ev)
		case <-ticker.C:
			r.samplePool()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Recorder) handle(ev events.Event) {
	switch ev.Type {
	case events.TypeExecutionCompleted:
		r.metrics.ExecutionsTotal.WithLabelValues(ev.Language, outcome(ev)).Inc()
		r.metrics.ExecutionDuration.WithLabelValues(ev.Language).Observe(ev.Duration.Seconds())
		if ev.StateSize > 0 {
			r.metrics.StateSize.Observe(float64(ev.StateSize))
		}
		r.persist(ev)
	case events.TypeAcquiredFromPool:
		r.metrics.PoolAcquisitions.WithLabelValues(ev.Language, "pool").Inc()
	case events.TypeCreatedFresh:
		r.metrics.PoolAcquisitions.WithLabelValues(ev.Language, "fresh").Inc()
	case events.TypePoolExhausted:
		r.metrics.PoolExhaustions.WithLabelValues(ev.Language).Inc()
	case events.TypePoolWarmedUp:
		r.metrics.PoolWarm.WithLabelValues(ev.Language).Set(float64(ev.WarmCount))
	}
}

func outcome(ev events.Event) string {
	switch {
	case ev.TimedOut:
		return "timeout"
	case ev.ExitCode != 0:
		return "error"
	default:
		return "ok"
	}
}

func (r *Recorder) persist(ev events.Event) {
	if r.db == nil {
		return
	}
	rec := ExecutionRecord{
		CreatedAt:   ev.Time,
		ExecutionID: ev.ExecutionID,
		Language:    ev.Language,
		SessionID:   ev.SessionID,
		EntityID:    ev.EntityID,
		APIKeyHash:  ev.APIKeyHash,
		DurationMs:  ev.Duration.Milliseconds(),
		ExitCode:    ev.ExitCode,
		TimedOut:    ev.TimedOut,
		StateSize:   ev.StateSize,
	}
	if err := r.db.Create(&rec).Error; err != nil {
		r.log.Warn("execution record insert failed", zap.Error(err))
	}
}

func (r *Recorder) samplePool() {
	if r.pool != nil {
		for _, st := range r.pool.Stats() {
			r.metrics.PoolWarm.WithLabelValues(st.Language).Set(float64(st.Warm))
			r.metrics.PoolInUse.WithLabelValues(st.Language).Set(float64(st.InUse))
		}
	}
	r.metrics.EventsDropped.Set(float64(r.bus.Dropped()))
}
