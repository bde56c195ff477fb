package kafkafeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeHandler struct {
	errs    map[string][]error
	applied []string
}

func (h *fakeHandler) ApplyEvent(_ context.Context, ev domain.LendingEvent) (domain.ScoreSummary, error) {
	if queue := h.errs[ev.ID]; len(queue) > 0 {
		h.errs[ev.ID] = queue[1:]
		if queue[0] != nil {
			return domain.ScoreSummary{}, queue[0]
		}
	}
	h.applied = append(h.applied, ev.ID)
	return domain.ScoreSummary{Address: ev.Obligor, Score: 50}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func eventMsg(t *testing.T, offset int64, id string) kafka.Message {
	t.Helper()
	b, err := json.Marshal(domain.LendingEvent{
		ID: id, Obligor: "0xabc", Protocol: "aave_v3", Type: domain.EventBorrow, Symbol: "USDC", Amount: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	return kafka.Message{Topic: "lending", Offset: offset, Key: []byte("0xabc"), Value: b}
}

func TestConsumer_RoutesMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{cancel: cancel, msgs: []kafka.Message{
		eventMsg(t, 1, "ok"),
		{Topic: "lending", Offset: 2, Value: []byte("{not json")},
		eventMsg(t, 3, "fatal"),
		eventMsg(t, 4, "dup"),
		eventMsg(t, 5, "busy"),
	}}
	handler := &fakeHandler{errs: map[string][]error{
		"fatal": {fmt.Errorf("apply: %w", domain.ErrCollateralNotFound)},
		"dup":   {domain.ErrAlreadyExists},
		"busy":  {domain.ErrLockHeld, domain.ErrLockHeld},
	}}
	w := &fakeWriter{}

	c := NewConsumer(reader, handler, NewDeadLetterQueue(w), discardLogger())
	c.retryBackoff = time.Millisecond

	if err := c.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}

	if len(reader.committed) != 5 {
		t.Errorf("committed %v, want all five offsets", reader.committed)
	}
	if len(handler.applied) != 2 || handler.applied[0] != "ok" || handler.applied[1] != "busy" {
		t.Errorf("applied = %v", handler.applied)
	}
	if len(w.msgs) != 2 {
		t.Fatalf("dead letters = %d, want 2", len(w.msgs))
	}
	var dl DeadLetter
	if err := json.Unmarshal(w.msgs[1].Value, &dl); err != nil {
		t.Fatal(err)
	}
	if dl.Reason != "rejected" || dl.OriginalOffset != 3 || string(w.msgs[1].Key) != "0xabc" {
		t.Errorf("dead letter = %+v", dl)
	}
}

func TestConsumer_TransientErrorStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("store unavailable")
	reader := &fakeReader{cancel: cancel, msgs: []kafka.Message{eventMsg(t, 7, "x")}}
	handler := &fakeHandler{errs: map[string][]error{"x": {boom}}}

	c := NewConsumer(reader, handler, nil, discardLogger())
	if err := c.Run(ctx); !errors.Is(err, boom) {
		t.Fatalf("Run = %v, want %v", err, boom)
	}
	if len(reader.committed) != 0 {
		t.Errorf("offset committed after transient failure: %v", reader.committed)
	}
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"obligor":"0xabc","type":"repay","symbol":"DAI","amount":"12.5","timestamp":3,"logIndex":1}`))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.ID == "" || ev.Amount != 12.5 || ev.LogIndex != 1 {
		t.Errorf("event = %+v", ev)
	}
	if _, err := DecodeEvent([]byte(`{"type":"repay"}`)); !errors.Is(err, domain.ErrInvalidEvent) {
		t.Errorf("missing obligor: %v", err)
	}
}
