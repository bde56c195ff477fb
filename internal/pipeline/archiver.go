package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

const archivePageSize = 200

// ObligorLister pages through stored obligors.
type ObligorLister interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.ObligorSnapshot, error)
}

// Archiver exports every stored obligor to cold storage on a schedule.
type Archiver struct {
	blobArchiver domain.Archiver
	obligors     ObligorLister
	logger       *slog.Logger
}

// NewArchiver creates a new Archiver.
func NewArchiver(blobArchiver domain.Archiver, obligors ObligorLister, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver: blobArchiver,
		obligors:     obligors,
		logger:       logger.With(slog.String("component", "archiver")),
	}
}

// Run archives every obligor once and returns how many were written.
// Obligors with nothing to archive are skipped.
func (a *Archiver) Run(ctx context.Context) (int, error) {
	a.logger.Info("starting archive run")
	archived := 0
	for offset := 0; ; offset += archivePageSize {
		snaps, err := a.obligors.List(ctx, domain.ListOpts{Limit: archivePageSize, Offset: offset})
		if err != nil {
			return archived, fmt.Errorf("listing obligors at offset %d: %w", offset, err)
		}
		for _, snap := range snaps {
			path, err := a.blobArchiver.ArchiveObligor(ctx, snap.Address)
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				return archived, fmt.Errorf("archiving %s: %w", snap.Address, err)
			}
			archived++
			a.logger.Debug("archived obligor",
				slog.String("obligor", snap.Address),
				slog.String("path", path),
			)
		}
		if len(snaps) < archivePageSize {
			break
		}
	}
	a.logger.Info("archive run complete", slog.Int("archived", archived))
	return archived, nil
}

// RunCron runs the archiver on a cron schedule until the context is cancelled.
// It supports cron expressions in the standard 5-field format:
// "minute hour day-of-month month day-of-week"
//
// Example: "0 3 * * *" runs at 3:00 AM every day.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	sched, err := parseCron(cronExpr)
	if err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
	}
	a.logger.Info("archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := sched.next(time.Now().UTC())
		if err != nil {
			return fmt.Errorf("cron %q: %w", cronExpr, err)
		}

		wait := time.Until(next)
		a.logger.Info("archiver waiting for next cron trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if _, err := a.Run(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField is the set of values one cron field matches; nil means any.
type cronField map[int]bool

func (f cronField) matches(v int) bool {
	return f == nil || f[v]
}

// parseCronField parses "*", "*/n", "a-b", "a-b/n" and comma lists of those.
func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return nil, nil
	}
	out := cronField{}
	for _, part := range strings.Split(field, ",") {
		rng, step := part, 1
		if i := strings.IndexByte(part, '/'); i >= 0 {
			n, err := strconv.Atoi(part[i+1:])
			if err != nil || n < 1 {
				return nil, fmt.Errorf("invalid step in %q", part)
			}
			rng, step = part[:i], n
		}

		from, to := lo, hi
		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			var errA, errB error
			from, errA = strconv.Atoi(a)
			to, errB = strconv.Atoi(b)
			if errA != nil || errB != nil {
				return nil, fmt.Errorf("invalid range %q", rng)
			}
		default:
			v, err := strconv.Atoi(rng)
			if err != nil {
				return nil, fmt.Errorf("invalid cron field value %q: %w", rng, err)
			}
			from, to = v, v
		}
		if from < lo || to > hi || from > to {
			return nil, fmt.Errorf("%q out of range %d-%d", part, lo, hi)
		}
		for v := from; v <= to; v += step {
			out[v] = true
		}
	}
	return out, nil
}

// schedule holds five parsed cron fields.
type schedule struct {
	minute, hour, dom, month, dow cronField
}

func (c schedule) matches(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dom.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dow.matches(int(t.Weekday()))
}

func parseCron(expr string) (schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return schedule{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}
	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	names := [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}
	var parsed [5]cronField
	for i, f := range fields {
		cf, err := parseCronField(f, bounds[i][0], bounds[i][1])
		if err != nil {
			return schedule{}, fmt.Errorf("parsing %s field: %w", names[i], err)
		}
		parsed[i] = cf
	}
	return schedule{parsed[0], parsed[1], parsed[2], parsed[3], parsed[4]}, nil
}

// next returns the first minute after 'after' that matches, searching up to
// one year ahead.
func (c schedule) next(after time.Time) (time.Time, error) {
	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if c.matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, errors.New("no matching time within one year")
}
