package main

import (
	"context"
	"flag"
	"log"
	"slices"

	"tradecore/internal/chaos"
	"tradecore/internal/og"
	"tradecore/internal/schema"
	"tradecore/internal/wal"
)

func main() {
	input := flag.String("input", "data/wal/events.wal", "Input WAL file")
	output := flag.String("output", "data/wal/events.chaos.wal", "Output WAL file")
	seed := flag.Int64("seed", 0, "RNG seed (0=now)")
	dropRate := flag.Float64("drop-rate", 0, "Drop probability [0-1]")
	dupRate := flag.Float64("dup-rate", 0, "Duplicate probability [0-1]")
	reorderWindow := flag.Int("reorder-window", 1, "Reorder window (>=1)")
	keepSequence := flag.Bool("keep-order-sequence", false, "Only reorder callbacks of different orders")
	maxDelay := flag.Duration("max-delay", 0, "Max local timestamp delay")
	flag.Parse()

	engine, err := chaos.NewEngine(chaos.Config{
		Seed:              *seed,
		DropRate:          *dropRate,
		DuplicateRate:     *dupRate,
		ReorderWindow:     *reorderWindow,
		KeepOrderSequence: *keepSequence,
		MaxDelay:          *maxDelay,
	})
	if err != nil {
		log.Fatalf("chaos config invalid: %v", err)
	}

	sink, err := wal.Open(wal.Config{Path: *output})
	if err != nil {
		log.Fatalf("open output failed: %v", err)
	}

	var in, out int
	err = wal.ScanFile(context.Background(), *input, func(lineNo int, line []byte) error {
		r, err := wal.Decode(line)
		if err != nil {
			log.Printf("skip line %d: %v", lineNo, err)
			return nil
		}
		in++
		if r.Kind == wal.KindRollover {
			out++
			return sink.AppendRollover(r.TradingDay, r.TsNs)
		}
		if !r.IsEvent() {
			return nil
		}
		for _, ev := range engine.Process(r.Event()) {
			if err := appendEvent(sink, ev); err != nil {
				return err
			}
			out++
		}
		return nil
	})
	if err == nil {
		for _, ev := range engine.Flush() {
			if err = appendEvent(sink, ev); err != nil {
				break
			}
			out++
		}
	}
	if err != nil {
		log.Fatalf("chaos run failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		log.Fatalf("close output failed: %v", err)
	}
	stats := engine.Stats()
	log.Printf("chaos done, input records: %d, output records: %d, dropped: %d, duplicated: %d, reordered: %d, output: %s",
		in, out, stats.Dropped, stats.Duplicated, stats.Reordered, *output)
}

func appendEvent(sink *wal.Sink, ev schema.OrderEvent) error {
	if isTrade(ev) {
		return sink.AppendTradeEvent(ev)
	}
	return sink.AppendOrderEvent(ev)
}

func isTrade(ev schema.OrderEvent) bool {
	return ev.TradeID != "" || ev.TradeVolume > 0 || slices.Contains(og.DefaultTradeEventSources, ev.EventSource)
}
