package cursor

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/MonoLite-db/MonoLiteTS-sub001/storage"
)

func docs(n int) []storage.Document {
	out := make([]storage.Document, n)
	for i := range out {
		out[i] = storage.Document{"n": i}
	}
	return out
}

func TestCreateSmallResultSetIsImmediatelyExhausted(t *testing.T) {
	m := New(time.Minute, time.Minute, zerolog.Nop())
	c, batch, exhausted := m.Create("db.coll", docs(5), 10)

	if c.ID != 0 {
		t.Fatalf("expected synthetic cursor id 0 for a fully-batched result, got %d", c.ID)
	}
	if !exhausted {
		t.Fatal("expected result set smaller than batch size to be exhausted immediately")
	}
	if len(batch) != 5 {
		t.Fatalf("expected all 5 documents in the first batch, got %d", len(batch))
	}
	if m.ActiveCursorCount() != 0 {
		t.Fatalf("expected no cursor registered for an immediately-exhausted result, got %d", m.ActiveCursorCount())
	}
}

func TestCreateAndGetMoreBatchesAcrossCalls(t *testing.T) {
	m := New(time.Minute, time.Minute, zerolog.Nop())
	c, batch, exhausted := m.Create("db.coll", docs(25), 10)

	if c.ID == 0 {
		t.Fatal("expected a real cursor id for a result set larger than one batch")
	}
	if exhausted {
		t.Fatal("expected cursor not exhausted after the first batch")
	}
	if len(batch) != 10 {
		t.Fatalf("expected first batch of 10, got %d", len(batch))
	}
	if m.ActiveCursorCount() != 1 {
		t.Fatalf("expected 1 active cursor, got %d", m.ActiveCursorCount())
	}

	batch2, exhausted2, err := m.GetMore(c.ID, 10)
	if err != nil {
		t.Fatalf("get more: %v", err)
	}
	if exhausted2 {
		t.Fatal("expected cursor not exhausted after second batch (5 remaining)")
	}
	if len(batch2) != 10 {
		t.Fatalf("expected second batch of 10, got %d", len(batch2))
	}

	batch3, exhausted3, err := m.GetMore(c.ID, 10)
	if err != nil {
		t.Fatalf("get more: %v", err)
	}
	if !exhausted3 {
		t.Fatal("expected cursor exhausted after third batch")
	}
	if len(batch3) != 5 {
		t.Fatalf("expected final batch of 5, got %d", len(batch3))
	}
	if m.ActiveCursorCount() != 0 {
		t.Fatalf("expected cursor removed once exhausted, got %d", m.ActiveCursorCount())
	}

	if _, _, err := m.GetMore(c.ID, 10); err == nil {
		t.Fatal("expected error getting more from an already-exhausted, removed cursor")
	}
}

func TestKillRemovesCursorBeforeExhaustion(t *testing.T) {
	m := New(time.Minute, time.Minute, zerolog.Nop())
	c, _, _ := m.Create("db.coll", docs(25), 10)

	if err := m.Kill(c.ID); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if m.ActiveCursorCount() != 0 {
		t.Fatalf("expected 0 active cursors after kill, got %d", m.ActiveCursorCount())
	}
	if err := m.Kill(c.ID); err == nil {
		t.Fatal("expected error killing an already-killed cursor")
	}
}

func TestSweepReapsIdleCursor(t *testing.T) {
	m := New(time.Millisecond, time.Hour, zerolog.Nop())
	c, _, exhausted := m.Create("db.coll", docs(25), 10)
	if exhausted {
		t.Fatal("expected cursor not exhausted")
	}

	time.Sleep(5 * time.Millisecond)
	m.sweep()

	if m.ActiveCursorCount() != 0 {
		t.Fatalf("expected idle cursor reaped, got %d", m.ActiveCursorCount())
	}
	if _, _, err := m.GetMore(c.ID, 10); err == nil {
		t.Fatal("expected error getting more from a reaped cursor")
	}
}
