package mirror

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Scheduler cadence. Mirrors run every interval; the heavier work
// piggybacks on whichever cycle crosses its calendar boundary.
const (
	DefaultInterval   = 4 * time.Hour
	DefaultBackoff    = 30 * time.Minute
	hashCheckInterval = 72 * time.Hour
)

// Cycle is everything one service iteration needs. The production cycle
// is an *Engine; tests substitute fakes.
type Cycle interface {
	Refresh(ctx context.Context) error
	Mirror(ctx context.Context, checkHash bool) error
	Commit() error
	Compact(ctx context.Context) error
	Close() error
}

// NewCycle builds the resources for one iteration: an open catalog, an
// authenticated client, an engine. The service opens a fresh cycle each
// time and closes it before sleeping, so nothing holds the catalog or a
// token across the idle hours.
type NewCycle func(ctx context.Context, logger *slog.Logger) (Cycle, error)

// Service runs mirror cycles until its context is canceled: a mirror
// every interval, a catalog refresh once a week, a compaction once a
// day, a content hash verification every three days. A failed cycle is
// logged and retried after the back-off.
type Service struct {
	newCycle NewCycle
	logger   *slog.Logger

	interval time.Duration
	backoff  time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService builds a service with the default cadence.
func NewService(newCycle NewCycle, logger *slog.Logger) *Service {
	return &Service{
		newCycle: newCycle,
		logger:   logger,
		interval: DefaultInterval,
		backoff:  DefaultBackoff,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// schedule tracks when the heavier work last ran. Calendar tuples
// rather than durations, so a weekly refresh lands on the first cycle
// of the new week no matter when the previous one ran.
type schedule struct {
	refreshYear, refreshWeek int
	compactYear, compactDay  int
	lastHashCheck            time.Time
}

// Run loops cycles until ctx is canceled, which is the one clean way
// out and returns nil.
//
// On startup the refresh and hash verification schedules start as
// satisfied: a crash-looping service must not hammer the remote with
// full tree walks. Compaction starts due, so a long-stopped service
// reclaims catalog space on its first cycle.
func (s *Service) Run(ctx context.Context) error {
	now := s.now()

	sched := schedule{lastHashCheck: now}
	sched.refreshYear, sched.refreshWeek = sundayWeek(now)
	sched.compactYear, sched.compactDay = yearDay(now.AddDate(0, 0, -1))

	for ctx.Err() == nil {
		logger := s.logger.With(slog.String("cycle", uuid.NewString()))

		if err := s.cycle(ctx, logger, &sched); err != nil {
			if ctx.Err() != nil {
				break
			}

			logger.Error("cycle failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", s.backoff),
			)

			if s.sleep(ctx, s.backoff) != nil {
				break
			}

			continue
		}

		if s.sleep(ctx, s.interval) != nil {
			break
		}
	}

	s.logger.Info("service stopped")

	return nil
}

// cycle runs one iteration. Schedule counters advance only after their
// step succeeds, so a failed refresh is due again on the retry.
func (s *Service) cycle(ctx context.Context, logger *slog.Logger, sched *schedule) error {
	logger.Info("starting cycle")

	c, err := s.newCycle(ctx, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	now := s.now()

	if year, day := yearDay(now); year != sched.compactYear || day != sched.compactDay {
		if err := c.Compact(ctx); err != nil {
			return err
		}

		sched.compactYear, sched.compactDay = year, day
	}

	if year, week := sundayWeek(now); year != sched.refreshYear || week != sched.refreshWeek {
		logger.Info("weekly refresh due")

		if err := c.Refresh(ctx); err != nil {
			return err
		}

		sched.refreshYear, sched.refreshWeek = year, week
	}

	checkHash := now.Sub(sched.lastHashCheck) > hashCheckInterval
	if checkHash {
		logger.Info("verifying content hashes this cycle")
	}

	if err := c.Mirror(ctx, checkHash); err != nil {
		return err
	}

	if checkHash {
		sched.lastHashCheck = now
	}

	if err := c.Commit(); err != nil {
		return err
	}

	logger.Info("cycle complete")

	return nil
}

// sundayWeek returns the year and Sunday-start week number, the
// strftime %U convention: days before the year's first Sunday count as
// week zero.
func sundayWeek(t time.Time) (year, week int) {
	return t.Year(), (t.YearDay() - 1 + 7 - int(t.Weekday())) / 7
}

func yearDay(t time.Time) (year, day int) {
	return t.Year(), t.YearDay()
}

// sleepContext waits for d or until ctx is canceled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
