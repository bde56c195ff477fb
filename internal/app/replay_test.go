package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/alanyoungcy/jankascore/internal/config"
	"github.com/alanyoungcy/jankascore/internal/store/memory"
)

const replayAddr = "0x52908400098527886E0F7030069857D2E4169EE7"

func TestDecodeEvents(t *testing.T) {
	array := `[{"obligor":"` + replayAddr + `","timestamp":1,"type":"borrow","symbol":"DAI","amount":"1000"}]`
	lines := `{"timestamp":1,"type":"borrow","symbol":"DAI","amount":1000}
{"timestamp":2,"type":"repay","symbol":"DAI","amount":600}
`
	for name, in := range map[string]string{"array": array, "lines": lines} {
		evs, err := decodeEvents(strings.NewReader(in))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(evs) == 0 || evs[0].Amount != 1000 {
			t.Errorf("%s: events = %+v", name, evs)
		}
	}
	if _, err := decodeEvents(strings.NewReader(`{"amount": true}`)); err == nil {
		t.Error("expected error for bad amount")
	}
}

func TestReplayTable(t *testing.T) {
	input := `[
		{"obligor":"` + strings.ToLower(replayAddr) + `","timestamp":2,"type":"repay","symbol":"DAI","amount":600},
		{"timestamp":5,"type":"deposit","symbol":"WETH","amount":1},
		{"obligor":"` + replayAddr + `","timestamp":1,"type":"borrow","symbol":"DAI","amount":1000},
		{"obligor":"` + replayAddr + `","timestamp":3,"type":"flashloan","symbol":"DAI","amount":5}
	]`
	evs, err := decodeEvents(strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}
	reqs := groupByObligor(evs, "")
	if len(reqs) != 2 {
		t.Fatalf("groups = %d, want 2", len(reqs))
	}
	if reqs[0].Address != replayAddr || len(reqs[0].Events) != 3 {
		t.Errorf("first group = %s with %d events", reqs[0].Address, len(reqs[0].Events))
	}

	cfg := config.Defaults()
	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	results, err := a.newScoringService(&Dependencies{LockManager: memory.NewLockManager()}).ScoreMany(context.Background(), reqs)
	if err != nil {
		t.Fatalf("ScoreMany: %v", err)
	}

	var buf bytes.Buffer
	if err := writeReplayTable(&buf, reqs, results); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	rows := strings.Split(strings.TrimSpace(out), "\n")
	if len(rows) != 3 {
		t.Fatalf("table rows = %d:\n%s", len(rows), out)
	}
	fields := strings.Fields(rows[1])
	// OBLIGOR EVENTS APPLIED NOOPS IGNORED REJECTED SCORE ...
	if fields[0] != replayAddr || fields[1] != "3" || fields[2] != "2" || fields[4] != "1" || fields[6] != "64" {
		t.Errorf("obligor row = %q", rows[1])
	}
	if !strings.HasPrefix(rows[2], "-") {
		t.Errorf("anonymous row = %q", rows[2])
	}
}
