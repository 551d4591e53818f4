// Package cleanup reaps sandbox directories orphaned by crashes or missed
// teardowns.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/logging"
	"github.com/runbox/runbox/internal/sandbox"
)

// LiveFunc reports the sandbox IDs that must not be reaped.
type LiveFunc func() map[string]bool

// Sweeper periodically removes sandbox directories older than MaxAge that
// no component owns.
type Sweeper struct {
	mgr      *sandbox.Manager
	live     LiveFunc
	interval time.Duration
	maxAge   time.Duration
	log      *zap.Logger

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// New wires a Sweeper. live may be nil when nothing holds sandboxes open.
func New(mgr *sandbox.Manager, live LiveFunc, interval, maxAge time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &Sweeper{
		mgr:      mgr,
		live:     live,
		interval: interval,
		maxAge:   maxAge,
		log:      logging.L().Named("cleanup"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep(context.Background())
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the loop. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
}

// Sweep runs one pass and returns how many sandboxes were reaped.
func (s *Sweeper) Sweep(ctx context.Context) int {
	entries, err := os.ReadDir(s.mgr.BaseDir())
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("sweep listing failed", zap.Error(err))
		}
		return 0
	}

	var live map[string]bool
	if s.live != nil {
		live = s.live()
	}
	cutoff := time.Now().Add(-s.maxAge)

	reaped := 0
	for _, e := range entries {
		if !e.IsDir() || live[e.Name()] {
			continue
		}
		info, err := os.Stat(filepath.Join(s.mgr.BaseDir(), e.Name()))
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := s.mgr.Destroy(ctx, e.Name()); err != nil {
			s.log.Warn("sweep destroy failed", zap.String("sandbox", e.Name()), zap.Error(err))
			continue
		}
		reaped++
	}
	if reaped > 0 {
		s.log.Info("swept orphaned sandboxes", zap.Int("count", reaped))
	}
	return reaped
}
