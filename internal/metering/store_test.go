package metering

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockStore records all batches that were inserted.
type mockStore struct {
	mu       sync.Mutex
	batches  [][]SpendEvent
	insertFn func(ctx context.Context, events []SpendEvent) error
}

func (m *mockStore) BatchInsert(ctx context.Context, events []SpendEvent) error {
	if m.insertFn != nil {
		return m.insertFn(ctx, events)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]SpendEvent, len(events))
	copy(cp, events)
	m.batches = append(m.batches, cp)
	return nil
}

func (m *mockStore) totalInserted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func sampleEvent(model string) SpendEvent {
	return SpendEvent{
		ID:                "ev-" + model,
		AgentID:           "agent-1",
		RequestID:         "req-1",
		Model:             model,
		PromptTokens:      10,
		CompletionTokens:  20,
		ReservedCents:     30,
		ActualCents:       10,
		BalanceAfterCents: 190,
		UsageSource:       SourceReported,
		StatusCode:        200,
		CreatedAt:         time.Now(),
	}
}

func TestCollector_RecordAddsToBuffer(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(100, time.Hour, time.Second, ms)

	c.Record(sampleEvent("gpt-4o"))
	c.Record(sampleEvent("gpt-4o-mini"))

	c.mu.Lock()
	bufLen := len(c.buffer)
	c.mu.Unlock()

	if bufLen != 2 {
		t.Fatalf("expected buffer length 2, got %d", bufLen)
	}
	if ms.totalInserted() != 0 {
		t.Fatalf("expected 0 inserted before flush, got %d", ms.totalInserted())
	}
}

func TestCollector_FlushOnBatchSize(t *testing.T) {
	tests := []struct {
		name      string
		batchSize int
		records   int
		wantFlush int
	}{
		{name: "exact batch size triggers flush", batchSize: 3, records: 3, wantFlush: 3},
		{name: "under batch size does not flush", batchSize: 5, records: 3, wantFlush: 0},
		{name: "double batch size triggers two flushes", batchSize: 2, records: 4, wantFlush: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := &mockStore{}
			c := NewCollector(tt.batchSize, time.Hour, time.Second, ms)

			for i := 0; i < tt.records; i++ {
				c.Record(sampleEvent("gpt-4o"))
			}

			time.Sleep(50 * time.Millisecond)

			if got := ms.totalInserted(); got != tt.wantFlush {
				t.Errorf("expected %d flushed events, got %d", tt.wantFlush, got)
			}
		})
	}
}

func TestCollector_StopDoesFinalFlush(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(100, time.Hour, time.Second, ms)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Start(ctx)

	c.Record(sampleEvent("a"))
	c.Record(sampleEvent("b"))
	c.Record(sampleEvent("c"))

	c.Stop()
	c.Stop() // second call must not panic

	time.Sleep(100 * time.Millisecond)

	if got := ms.totalInserted(); got != 3 {
		t.Fatalf("expected 3 events after Stop, got %d", got)
	}
}

func TestCollector_TimerFlush(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(100, 50*time.Millisecond, time.Second, ms)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Start(ctx)

	c.Record(sampleEvent("gpt-4o"))
	time.Sleep(200 * time.Millisecond)

	if got := ms.totalInserted(); got != 1 {
		t.Fatalf("expected 1 event after timer flush, got %d", got)
	}
	c.Stop()
}

func TestCollector_FansOutToEverySink(t *testing.T) {
	db := &mockStore{}
	bus := &mockStore{}
	c := NewCollector(2, time.Hour, time.Second, db, bus)

	c.Record(sampleEvent("a"))
	c.Record(sampleEvent("b"))
	time.Sleep(50 * time.Millisecond)

	if db.totalInserted() != 2 || bus.totalInserted() != 2 {
		t.Fatalf("expected both sinks to receive 2 events, got db=%d bus=%d", db.totalInserted(), bus.totalInserted())
	}
}

func TestCollector_FailingSinkDoesNotBlockOthers(t *testing.T) {
	var failures atomic.Int64
	broken := &mockStore{insertFn: func(context.Context, []SpendEvent) error {
		return errors.New("connection refused")
	}}
	ok := &mockStore{}
	c := NewCollector(1, time.Hour, time.Second, broken, ok)
	c.OnFailure(func() { failures.Add(1) })

	c.Record(sampleEvent("a"))
	time.Sleep(50 * time.Millisecond)

	if ok.totalInserted() != 1 {
		t.Fatalf("expected healthy sink to receive event, got %d", ok.totalInserted())
	}
	if failures.Load() != 1 {
		t.Fatalf("expected 1 failure callback, got %d", failures.Load())
	}
}

func TestCollector_ConcurrentRecords(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(10, time.Hour, time.Second, ms)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Start(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Record(sampleEvent("gpt-4o"))
		}()
	}
	wg.Wait()

	c.Stop()
	time.Sleep(100 * time.Millisecond)

	if got := ms.totalInserted(); got != 50 {
		t.Fatalf("expected 50 events, got %d", got)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)
	gotTS, gotID, err := decodeCursor(encodeCursor(ts, "ev-9"))
	if err != nil {
		t.Fatalf("decodeCursor: %v", err)
	}
	if !gotTS.Equal(ts) || gotID != "ev-9" {
		t.Fatalf("got (%v, %q), want (%v, %q)", gotTS, gotID, ts, "ev-9")
	}
	if _, _, err := decodeCursor("!!!"); err == nil {
		t.Fatal("expected error for invalid cursor")
	}
}

func TestBuildWhereClause(t *testing.T) {
	where, args := buildWhereClause(SpendQuery{})
	if where != "" || args != nil {
		t.Fatalf("expected empty clause, got %q %v", where, args)
	}

	where, args = buildWhereClause(SpendQuery{AgentID: "a1", Model: "gpt-4o", From: time.Unix(1, 0)})
	want := " WHERE agent_id = $1 AND model = $2 AND created_at >= $3"
	if where != want {
		t.Fatalf("where = %q, want %q", where, want)
	}
	if len(args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(args))
	}
}
