// Package scheduler drives the read path autonomously on a
// divisor-aligned tick grid (§4.8). Its start/stop/run-loop shape follows
// Poller in internal/modbus/poller.go in the teacher: a re-arming timer
// guarded by a stopChan and a sync.WaitGroup, rather than a bare ticker,
// because each tick's own duration varies with how long the previous
// tick took to dispatch.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yarosdev/modbusdb/datamap"
	"github.com/yarosdev/modbusdb/events"
	"github.com/yarosdev/modbusdb/regkey"
	"github.com/yarosdev/modbusdb/transaction"
)

// requester is the subset of executor.Executor the scheduler needs; it is
// defined here, consumer-side, so the scheduler can be driven by a fake
// in tests without importing the executor package.
type requester interface {
	Request(ctx context.Context, typ transaction.Type, sel datamap.Select, body map[regkey.Key]float64, priority transaction.Priority, timeout time.Duration) (*transaction.Transaction, error)
}

const (
	minInterval  = 60 * time.Second
	maxInterval  = 3600 * time.Second
	minRoundSize = 12
	maxRoundSize = 36
)

// ClampInterval enforces the [60s, 3600s] range from §6.
func ClampInterval(interval time.Duration) time.Duration {
	if interval < minInterval {
		return minInterval
	}
	if interval > maxInterval {
		return maxInterval
	}
	return interval
}

// ClampRoundSize enforces the [12, 36] range from §4.8.
func ClampRoundSize(roundSize int) int {
	if roundSize < minRoundSize {
		return minRoundSize
	}
	if roundSize > maxRoundSize {
		return maxRoundSize
	}
	return roundSize
}

// ClampTimeout enforces the [1s, 900s] per-transaction timeout range
// from §6.
func ClampTimeout(timeout time.Duration) time.Duration {
	if timeout < time.Second {
		return time.Second
	}
	if timeout > 900*time.Second {
		return 900 * time.Second
	}
	return timeout
}

// divisors returns the divisors of n in ascending order.
func divisors(n int) []int {
	var d []int
	for i := 1; i <= n; i++ {
		if n%i == 0 {
			d = append(d, i)
		}
	}
	return d
}

// divisorMap maps each divisor of roundSize to the divisor at the
// mirrored position in the ascending list (§4.8). It is its own inverse.
func divisorMap(roundSize int) map[int]int {
	d := divisors(roundSize)
	m := make(map[int]int, len(d))
	for i, v := range d {
		m[v] = d[len(d)-1-i]
	}
	return m
}

// Scheduler polls the datamap's watched entries on a round of roundSize
// ticks, each of equal length, derived from interval (§4.8).
type Scheduler struct {
	dm      *datamap.Datamap
	exec    requester
	bus     *events.Bus
	logger  *zap.Logger
	timeout time.Duration

	interval  time.Duration
	roundSize int
	divisors  []int
	divMap    map[int]int

	mu      sync.Mutex
	running bool
	round   int
	tick    int

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Scheduler. interval, roundSize and timeout are clamped
// to their documented ranges.
func New(dm *datamap.Datamap, exec requester, bus *events.Bus, logger *zap.Logger, interval time.Duration, roundSize int, timeout time.Duration) *Scheduler {
	roundSize = ClampRoundSize(roundSize)
	return &Scheduler{
		dm:        dm,
		exec:      exec,
		bus:       bus,
		logger:    logger,
		timeout:   ClampTimeout(timeout),
		interval:  ClampInterval(interval),
		roundSize: roundSize,
		divisors:  divisors(roundSize),
		divMap:    divisorMap(roundSize),
		stopChan:  make(chan struct{}),
	}
}

// Timeout returns the per-transaction timeout this scheduler's polls use,
// also the default for the public Get/Set/Mget/Mset surface.
func (s *Scheduler) Timeout() time.Duration {
	return s.timeout
}

// tickDuration is floor(interval / roundSize) seconds, per §4.8.
func (s *Scheduler) tickDuration() time.Duration {
	seconds := int64(s.interval/time.Second) / int64(s.roundSize)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

// Start begins the tick loop. Calling Start on an already-running
// Scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.wg.Add(1)
	go s.run()
	s.logger.Info("scheduler started",
		zap.Duration("interval", s.interval),
		zap.Int("round_size", s.roundSize))
}

// Stop halts the tick loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	tickLen := s.tickDuration()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-timer.C:
			start := time.Now()
			s.runTick()
			elapsed := time.Since(start)

			next := tickLen - elapsed
			if next < time.Second {
				next = time.Second
			}
			timer.Reset(next)
		}
	}
}

// runTick executes one tick: emits the tick event, gathers the freq
// buckets due this tick, plans them, and fire-and-forgets a LOW-priority
// read transaction per Select (§4.8 steps 1-4).
func (s *Scheduler) runTick() {
	s.mu.Lock()
	t := s.tick
	round := s.round
	s.tick++
	if s.tick >= s.roundSize {
		s.tick = 0
		s.round++
	}
	s.mu.Unlock()

	s.bus.Emit(events.Event{Kind: events.Tick, Tick: events.TickPayload{Round: round, Tick: t}})

	var due []int
	for _, d := range s.divisors {
		if (t+1)%d == 0 {
			due = append(due, d)
		}
	}
	if len(due) == 0 {
		return
	}

	keySet := make(map[regkey.Key]bool)
	for _, d := range due {
		freq := s.divMap[d]
		for _, k := range s.dm.WatchKeys(uint8(freq)) {
			keySet[k] = true
		}
	}
	if len(keySet) == 0 {
		return
	}

	keys := make([]regkey.Key, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	selects, err := s.dm.SelectAll(datamap.Read, keys)
	if err != nil {
		s.logger.Error("scheduler: planning failed", zap.Error(err))
		return
	}

	for _, sel := range selects {
		sel := sel
		go func() {
			if _, err := s.exec.Request(context.Background(), transaction.Read, sel, nil, transaction.Low, s.timeout); err != nil {
				s.logger.Warn("scheduler: poll request failed", zap.Error(err))
			}
		}()
	}
}
