package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"tradecore/internal/og"
	"tradecore/internal/state"
	"tradecore/internal/wal"
)

func main() {
	path := flag.String("wal", "data/wal/events.wal", "WAL file")
	dump := flag.Bool("dump", false, "Print every record")
	snapshotIn := flag.String("snapshot", "", "Snapshot to verify the replayed positions against")
	snapshotOut := flag.String("write-snapshot", "", "Write the replayed positions here")
	flag.Parse()

	ctx := context.Background()
	if *dump {
		err := wal.ScanFile(ctx, *path, func(lineNo int, line []byte) error {
			r, err := wal.Decode(line)
			if err != nil {
				fmt.Printf("%06d parse error: %v\n", lineNo, err)
				return nil
			}
			if !r.IsEvent() {
				fmt.Printf("%06d seq=%d kind=%s trading_day=%s\n", lineNo, r.Seq, r.Kind, r.TradingDay)
				return nil
			}
			ev := r.Event()
			fmt.Printf("%06d seq=%d kind=%s order=%s status=%s filled=%d/%d trade=%s side=%s offset=%s\n",
				lineNo, r.Seq, r.Kind, ev.ClientOrderID, ev.Status, ev.FilledVolume, ev.TotalVolume, ev.TradeID, ev.Side, ev.Offset)
			return nil
		})
		if err != nil {
			log.Fatalf("dump failed: %v", err)
		}
	}

	machine := og.NewStateMachine()
	ledger := state.NewPortfolioLedger()
	stats, err := state.NewReplayLoader(machine, ledger).Replay(ctx, *path)
	if err != nil {
		log.Fatalf("replay failed: %v", err)
	}
	fmt.Printf("lines=%d orders=%d trades=%d parse_errors=%d ignored=%d state_rejected=%d ledger_applied=%d ledger_rejected=%d last_seq=%d\n",
		stats.Lines, stats.OrderRecords, stats.TradeRecords, stats.ParseErrors, stats.IgnoredLines,
		stats.StateRejected, stats.LedgerApplied, stats.LedgerRejected, stats.LastSeq)

	live := 0
	for _, snap := range machine.Snapshots() {
		if !snap.IsTerminal {
			live++
		}
	}
	fmt.Printf("orders=%d live=%d positions=%d\n", len(machine.Snapshots()), live, ledger.Count())

	replayed := ledger.SnapshotWithSeq(stats.LastSeq)
	for _, p := range replayed.Positions {
		fmt.Printf("  %s %s %d\n", p.AccountID, p.InstrumentID, p.Position)
	}

	if *snapshotOut != "" {
		if err := state.WriteSnapshot(*snapshotOut, replayed); err != nil {
			log.Fatalf("write snapshot failed: %v", err)
		}
	}
	if *snapshotIn != "" {
		expected, err := state.ReadSnapshot(*snapshotIn)
		if err != nil {
			log.Fatalf("read snapshot failed: %v", err)
		}
		if err := state.CompareSnapshots(expected, replayed); err != nil {
			for _, d := range state.DiffSnapshots(expected, replayed) {
				fmt.Printf("  diff %s\n", d)
			}
			log.Fatalf("snapshot mismatch: %v", err)
		}
		fmt.Println("snapshot verified")
	}
}
