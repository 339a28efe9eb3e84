package worker

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/svcops/intake/internal/config"
	"github.com/svcops/intake/internal/core"
	"github.com/svcops/intake/internal/inbox"
)

// PollStore is the polling surface of the inbox store. PollNew's second
// return value is the lowest shape-rejected tuple in the batch, nil when
// every row passed.
type PollStore interface {
	GetWatermark(ctx context.Context) (core.Watermark, error)
	UpdateWatermark(ctx context.Context, wm core.Watermark) error
	PollNew(ctx context.Context, wm core.Watermark, batchSize int) ([]core.SourceMessage, *core.Watermark, error)
	InsertNew(ctx context.Context, m *core.SourceMessage) (*int64, error)
	PoolUtilization() float64
}

// LeaderLease gates the poll step when multiple processes run. Nil disables
// gating; the drain step always runs, claims are safe everywhere.
type LeaderLease interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Poller is the background drain loop: every tick it advances the watermark,
// seeds the inbox and drains claimable work through the worker pool. Runs
// until Stop.
type Poller struct {
	store     PollStore
	workers   []*Worker
	reclaimer *inbox.Reclaimer
	leader    LeaderLease

	cfg       config.PollerConfig
	threshold float64

	stopCh chan struct{}
	wg     sync.WaitGroup
	ticks  int
}

func NewPoller(store PollStore, workers []*Worker, reclaimer *inbox.Reclaimer, leader LeaderLease, cfg config.PollerConfig, poolThreshold float64) *Poller {
	return &Poller{
		store:     store,
		workers:   workers,
		reclaimer: reclaimer,
		leader:    leader,
		cfg:       cfg,
		threshold: poolThreshold,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the tick loop in a background goroutine.
func (p *Poller) Start() {
	p.wg.Add(1)
	go p.run()
	log.WithFields(log.Fields{
		"interval_s": p.cfg.IntervalSeconds,
		"batch_size": p.cfg.BatchSize,
		"workers":    len(p.workers),
	}).Info("poller started")
}

// Stop signals the loop to exit and waits for the in-flight tick to finish.
func (p *Poller) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	if p.leader != nil {
		if err := p.leader.Release(context.Background()); err != nil {
			log.WithError(err).Warn("leader lease release failed")
		}
	}
	log.Info("poller stopped")
}

func (p *Poller) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Duration(p.cfg.IntervalSeconds) * time.Second)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-p.stopCh
		cancel()
	}()

	// First tick immediately so a fresh deploy does not idle a full interval.
	p.Tick(ctx)
	for {
		select {
		case <-ticker.C:
			p.Tick(ctx)
		case <-p.stopCh:
			return
		}
	}
}

// Tick runs one full poll-insert-drain cycle.
func (p *Poller) Tick(ctx context.Context) {
	p.ticks++

	if p.reclaimer != nil && p.cfg.ReclaimEveryTicks > 0 && p.ticks%p.cfg.ReclaimEveryTicks == 0 {
		if err := p.reclaimer.Sweep(ctx); err != nil {
			log.WithError(err).Error("reclaimer sweep failed")
		}
	}

	if p.pollAllowed(ctx) {
		if err := p.pollOnce(ctx); err != nil {
			log.WithError(err).Error("poll failed")
		}
	}

	p.drain(ctx)
}

func (p *Poller) pollAllowed(ctx context.Context) bool {
	if p.leader == nil {
		return true
	}
	ok, err := p.leader.TryAcquire(ctx)
	if err != nil {
		log.WithError(err).Warn("leader lease check failed; skipping poll")
		return false
	}
	if !ok {
		log.Debug("not the poll leader this tick")
	}
	return ok
}

// pollOnce advances the watermark: read new source rows past the tuple,
// insert inbox rows idempotently, then move the watermark to the max tuple
// observed. The watermark is held strictly below the lowest shape-rejected
// tuple so a malformed row stays visible on every poll; rows inserted past
// it are re-polled and the unique index absorbs the duplicate inserts.
func (p *Poller) pollOnce(ctx context.Context) error {
	wm, err := p.store.GetWatermark(ctx)
	if err != nil {
		return err
	}
	msgs, rejected, err := p.store.PollNew(ctx, wm, p.batchSize())
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	maxWm := wm
	inserted := 0
	for _, m := range msgs {
		id, err := p.store.InsertNew(ctx, &m)
		if err != nil {
			// Stop at the first insert failure so the watermark does not
			// advance past a row that never made it into the inbox.
			break
		}
		if id != nil {
			inserted++
		}
		tuple := core.Watermark{LastCreatedAt: m.CreatedAt, LastMessageID: m.MessageID}
		if rejected == nil || tuple.Less(*rejected) {
			maxWm = maxWm.Max(tuple)
		}
	}

	if wm.Less(maxWm) {
		if err := p.store.UpdateWatermark(ctx, maxWm); err != nil {
			return err
		}
	}
	log.WithFields(log.Fields{
		"polled":   len(msgs),
		"inserted": inserted,
	}).Info("poll cycle complete")
	return nil
}

// batchSize applies backpressure: above the critical pool utilization the
// claim batch drops to 1 for this tick.
func (p *Poller) batchSize() int {
	if util := p.store.PoolUtilization(); util >= p.threshold {
		log.WithField("utilization", util).Warn("pool pressure critical; batch size reduced to 1")
		return 1
	}
	return p.cfg.BatchSize
}

// drain runs the worker pool until no claimable rows remain. Each worker
// claims sequentially with a small inter-job delay that yields connections
// back to the pool.
func (p *Poller) drain(ctx context.Context) {
	delay := time.Duration(p.cfg.InterJobDelaySeconds) * time.Second
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				claimed, err := w.RunOne(ctx)
				if err != nil {
					log.WithField("worker", w.ID()).WithError(err).Error("claim failed")
					return
				}
				if !claimed {
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			}
		}(w)
	}
	wg.Wait()
}
