package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/alanyoungcy/jankascore/internal/domain"
	"github.com/alanyoungcy/jankascore/internal/service"
)

// ReplayMode scores the events in replay.events_path without persisting
// anything and prints one row per obligor.
func (a *App) ReplayMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting replay mode", slog.String("events_path", a.cfg.Replay.EventsPath))

	f, err := os.Open(a.cfg.Replay.EventsPath)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	defer f.Close()

	events, err := decodeEvents(f)
	if err != nil {
		return fmt.Errorf("replay: %s: %w", a.cfg.Replay.EventsPath, err)
	}

	reqs := groupByObligor(events, a.cfg.Replay.Protocol)
	results, err := a.newScoringService(deps).ScoreMany(ctx, reqs)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	return writeReplayTable(os.Stdout, reqs, results)
}

// decodeEvents reads either a JSON array of events or a stream of event
// objects (one per line).
func decodeEvents(r io.Reader) ([]domain.LendingEvent, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var out []domain.LendingEvent
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	}

	var out []domain.LendingEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var ev domain.LendingEvent
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("event %d: %w", len(out), err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// groupByObligor splits events into one request per obligor, keeping first
// appearance order. Events without an obligor form a single anonymous group.
func groupByObligor(events []domain.LendingEvent, protocol string) []service.ScoreRequest {
	idx := map[string]int{}
	var reqs []service.ScoreRequest
	for _, ev := range events {
		key := ev.Obligor
		if addr, err := domain.NormalizeAddress(ev.Obligor); err == nil {
			key = addr
		}
		i, ok := idx[key]
		if !ok {
			i = len(reqs)
			idx[key] = i
			reqs = append(reqs, service.ScoreRequest{Address: key, Protocol: protocol})
		}
		reqs[i].Events = append(reqs[i].Events, ev)
	}
	return reqs
}

func writeReplayTable(w io.Writer, reqs []service.ScoreRequest, results []service.ScoreResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OBLIGOR\tEVENTS\tAPPLIED\tNOOPS\tIGNORED\tREJECTED\tSCORE\tINTERVAL\tPROBABILITY")
	for i, res := range results {
		addr := reqs[i].Address
		if addr == "" {
			addr = "-"
		}
		rep := res.Report
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t[%d, %d]\t%s\n",
			addr, len(reqs[i].Events), rep.Applied, rep.NoOps, rep.Ignored, len(rep.Rejected),
			res.Summary.Score, res.Summary.Lower, res.Summary.Upper,
			strconv.FormatFloat(res.Summary.Probability, 'f', 4, 64),
		)
	}
	return tw.Flush()
}
