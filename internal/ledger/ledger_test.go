package ledger_test

import (
	"errors"
	"testing"
	"time"

	"github.com/dunmininu/oms-trading/internal/database"
	"github.com/dunmininu/oms-trading/internal/events"
	"github.com/dunmininu/oms-trading/internal/ledger"
	"github.com/dunmininu/oms-trading/internal/types"
)

func newIngestor(t *testing.T) *ledger.Ingestor {
	t.Helper()
	db, err := database.NewTestDatabase()
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	return ledger.NewIngestor(db, events.NewBus(64))
}

func exec(id, side string, qty, price float64) *types.Execution {
	return &types.Execution{
		ExecutionID:       "EXEC-" + id,
		BrokerExecutionID: "BRK-" + id,
		TenantID:          "tenant-1",
		AccountID:         "acc-1",
		ClientOrderID:     "ORD-" + id,
		Symbol:            "AAPL",
		Side:              side,
		Quantity:          qty,
		Price:             price,
		ExecutedAt:        time.Now(),
	}
}

func TestIngest_OpensPosition(t *testing.T) {
	in := newIngestor(t)

	applied, err := in.Ingest(exec("1", types.SideBuy, 100, 50))
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if !applied {
		t.Fatal("first ingest must apply")
	}

	pos, err := in.GetPosition("tenant-1", "acc-1", "AAPL")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.Quantity != 100 || pos.AverageCost != 50 {
		t.Errorf("position qty=%v avg=%v, want 100 @ 50", pos.Quantity, pos.AverageCost)
	}
	if pos.RealizedPnL != 0 {
		t.Errorf("realized pnl %v on opening fill", pos.RealizedPnL)
	}
}

func TestIngest_WeightedAverageOnExtend(t *testing.T) {
	in := newIngestor(t)

	mustIngest(t, in, exec("1", types.SideBuy, 100, 50))
	mustIngest(t, in, exec("2", types.SideBuy, 100, 60))

	pos, _ := in.GetPosition("tenant-1", "acc-1", "AAPL")
	if pos.Quantity != 200 {
		t.Errorf("quantity %v, want 200", pos.Quantity)
	}
	if pos.AverageCost != 55 {
		t.Errorf("average cost %v, want 55", pos.AverageCost)
	}
}

func TestIngest_RealizesOnReduce(t *testing.T) {
	in := newIngestor(t)

	mustIngest(t, in, exec("1", types.SideBuy, 100, 50))
	mustIngest(t, in, exec("2", types.SideSell, 40, 60))

	pos, _ := in.GetPosition("tenant-1", "acc-1", "AAPL")
	if pos.Quantity != 60 {
		t.Errorf("quantity %v, want 60", pos.Quantity)
	}
	// Reduction never moves the cost basis.
	if pos.AverageCost != 50 {
		t.Errorf("average cost %v, want 50", pos.AverageCost)
	}
	if pos.RealizedPnL != 400 {
		t.Errorf("realized pnl %v, want 400", pos.RealizedPnL)
	}
}

func TestIngest_FlipThroughZero(t *testing.T) {
	in := newIngestor(t)

	mustIngest(t, in, exec("1", types.SideBuy, 100, 50))
	mustIngest(t, in, exec("2", types.SideSell, 150, 60))

	pos, _ := in.GetPosition("tenant-1", "acc-1", "AAPL")
	if pos.Quantity != -50 {
		t.Errorf("quantity %v, want -50", pos.Quantity)
	}
	// Only the closed 100 realizes; the short remainder opens at the
	// fill price.
	if pos.RealizedPnL != 1000 {
		t.Errorf("realized pnl %v, want 1000", pos.RealizedPnL)
	}
	if pos.AverageCost != 60 {
		t.Errorf("average cost %v, want 60", pos.AverageCost)
	}
}

func TestIngest_ShortCoverRealizes(t *testing.T) {
	in := newIngestor(t)

	mustIngest(t, in, exec("1", types.SideSell, 100, 60))
	mustIngest(t, in, exec("2", types.SideBuy, 100, 50))

	pos, _ := in.GetPosition("tenant-1", "acc-1", "AAPL")
	if pos.Quantity != 0 {
		t.Errorf("quantity %v, want 0", pos.Quantity)
	}
	if pos.RealizedPnL != 1000 {
		t.Errorf("realized pnl %v, want 1000", pos.RealizedPnL)
	}
}

func TestIngest_DuplicateExecutionIsNoop(t *testing.T) {
	in := newIngestor(t)

	mustIngest(t, in, exec("1", types.SideBuy, 100, 50))

	dup := exec("1", types.SideBuy, 100, 50)
	dup.ExecutionID = "EXEC-other" // same broker id, different local id
	applied, err := in.Ingest(dup)
	if err != nil {
		t.Fatalf("duplicate ingest errored: %v", err)
	}
	if applied {
		t.Fatal("duplicate broker execution id must not apply")
	}

	pos, _ := in.GetPosition("tenant-1", "acc-1", "AAPL")
	if pos.Quantity != 100 {
		t.Errorf("quantity %v after duplicate, want 100", pos.Quantity)
	}

	execs, err := in.ListExecutions("tenant-1", "ORD-1")
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(execs) != 1 {
		t.Errorf("%d execution rows, want 1", len(execs))
	}
}

func TestRecompute_MatchesIncremental(t *testing.T) {
	in := newIngestor(t)

	fills := []*types.Execution{
		exec("1", types.SideBuy, 100, 50),
		exec("2", types.SideBuy, 50, 56),
		exec("3", types.SideSell, 120, 58),
		exec("4", types.SideSell, 80, 55),
		exec("5", types.SideBuy, 30, 54),
	}
	for _, e := range fills {
		mustIngest(t, in, e)
	}

	incremental, _ := in.GetPosition("tenant-1", "acc-1", "AAPL")
	recomputed, err := in.Recompute("tenant-1", "acc-1", "AAPL")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}

	if recomputed.Quantity != incremental.Quantity {
		t.Errorf("quantity: recomputed %v, incremental %v", recomputed.Quantity, incremental.Quantity)
	}
	if recomputed.RealizedPnL != incremental.RealizedPnL {
		t.Errorf("realized: recomputed %v, incremental %v", recomputed.RealizedPnL, incremental.RealizedPnL)
	}
	if recomputed.AverageCost != incremental.AverageCost {
		t.Errorf("avg cost: recomputed %v, incremental %v", recomputed.AverageCost, incremental.AverageCost)
	}
}

func TestMarkToMarket(t *testing.T) {
	in := newIngestor(t)

	mustIngest(t, in, exec("1", types.SideBuy, 100, 50))

	pos, err := in.MarkToMarket("tenant-1", "acc-1", "AAPL", 57)
	if err != nil {
		t.Fatalf("mark to market: %v", err)
	}
	if pos.UnrealizedPnL != 700 {
		t.Errorf("unrealized pnl %v, want 700", pos.UnrealizedPnL)
	}

	var notFound *types.NotFoundError
	if _, err := in.MarkToMarket("tenant-1", "acc-1", "MSFT", 100); err == nil {
		t.Error("expected error for unknown position")
	} else if !errors.As(err, &notFound) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func mustIngest(t *testing.T, in *ledger.Ingestor, e *types.Execution) {
	t.Helper()
	applied, err := in.Ingest(e)
	if err != nil {
		t.Fatalf("ingest %s failed: %v", e.BrokerExecutionID, err)
	}
	if !applied {
		t.Fatalf("ingest %s did not apply", e.BrokerExecutionID)
	}
}
