package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// mockStore records all batches that were inserted.
type mockStore struct {
	mu      sync.Mutex
	batches [][]Record
}

func (m *mockStore) BatchInsert(ctx context.Context, recs []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Record, len(recs))
	copy(cp, recs)
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

func sampleRecord(kind Kind) Record {
	return Record{
		ID:        "rec-1",
		Kind:      kind,
		UserID:    "u1",
		AppID:     "a1",
		Amount:    decimal.RequireFromString("0.60"),
		Asset:     "usdc",
		Timestamp: time.Now(),
	}
}

func TestCollector_RecordAddsToBuffer(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, time.Hour)

	c.Record(sampleRecord(KindRefundFailed))
	c.Record(sampleRecord(KindCostExceedsPayment))

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
	ms := &mockStore{}
	c := NewCollector(ms, 3, time.Hour)

	for i := 0; i < 3; i++ {
		c.Record(sampleRecord(KindUsageParseFailed))
	}
	if ms.totalInserted() != 3 {
		t.Fatalf("expected 3 inserted after batch-size flush, got %d", ms.totalInserted())
	}
}

func TestCollector_StopFlushesRemainder(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, time.Hour)

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()

	c.Record(sampleRecord(KindRefundFailed))
	c.Stop()
	<-done

	if ms.totalInserted() != 1 {
		t.Fatalf("expected 1 inserted after Stop, got %d", ms.totalInserted())
	}
}
