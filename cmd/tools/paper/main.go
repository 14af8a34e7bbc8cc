package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"

	"tradecore/internal/obs"
	"tradecore/internal/schema"
	"tradecore/internal/wal"
)

// paperLine matches the trader feed layout.
type paperLine struct {
	wal.Record
	Volume int64 `json:"volume,omitempty"`
}

func main() {
	output := flag.String("output", "data/feed/paper.jsonl", "Feed output file")
	account := flag.String("account", "default", "Account id")
	strategy := flag.String("strategy", "paper", "Strategy id")
	instrument := flag.String("instrument", "rb2410", "Instrument id")
	orders := flag.Int("orders", 10, "Number of round trips to generate")
	volume := flag.Int64("volume", 1, "Lots per order")
	basePrice := flag.Float64("base-price", 3500, "Starting price")
	tick := flag.Float64("tick", 1, "Price tick")
	seed := flag.Int64("seed", 1, "RNG seed")
	flag.Parse()

	if *orders <= 0 || *volume <= 0 {
		log.Fatalf("orders and volume must be > 0")
	}
	if err := os.MkdirAll(filepath.Dir(*output), 0o755); err != nil {
		log.Fatalf("mkdir failed: %v", err)
	}
	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("create output failed: %v", err)
	}
	w := bufio.NewWriter(f)

	rng := rand.New(rand.NewSource(*seed))
	traces := obs.NewTraceGenerator("paper", uint64(*seed))
	price := *basePrice
	var ts, lines int64

	emit := func(l paperLine) {
		ts++
		l.TsNs = ts
		l.AccountID = *account
		l.StrategyID = *strategy
		l.InstrumentID = *instrument
		data, err := sonic.ConfigFastest.Marshal(l)
		if err != nil {
			log.Fatalf("encode failed: %v", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			log.Fatalf("write failed: %v", err)
		}
		lines++
	}

	fill := func(id string, side schema.Side, offset schema.Offset, px float64) {
		trace := traces.Next()
		emit(paperLine{
			Record: wal.Record{Kind: "intent", ClientOrderID: id, Side: side.String(), Offset: offset.String(), Price: px, TraceID: trace},
			Volume: *volume,
		})
		total := *volume
		emit(paperLine{Record: wal.Record{
			Kind: wal.KindOrder, ClientOrderID: id, Status: int(schema.OrderStatusAccepted),
			TotalVolume: &total, ExchangeTsNs: ts, TraceID: trace,
		}})
		avg := px
		emit(paperLine{Record: wal.Record{
			Kind: wal.KindOrder, ClientOrderID: id, Status: int(schema.OrderStatusFilled),
			TotalVolume: &total, FilledVolume: total, AvgFillPrice: &avg, ExchangeTsNs: ts, TraceID: trace,
		}})
		emit(paperLine{Record: wal.Record{
			Kind: wal.KindTrade, ClientOrderID: id, TradeID: "T" + id,
			TradeVolume: total, TradePrice: px, ExchangeTsNs: ts, TraceID: trace,
		}})
	}

	for i := 1; i <= *orders; i++ {
		price += float64(rng.Intn(5)-2) * *tick
		fill(fmt.Sprintf("paper-%d-open", i), schema.SideBuy, schema.OffsetOpen, price)
		price += float64(rng.Intn(5)-2) * *tick
		fill(fmt.Sprintf("paper-%d-close", i), schema.SideSell, schema.OffsetClose, price)
	}

	if err := w.Flush(); err != nil {
		log.Fatalf("flush failed: %v", err)
	}
	if err := f.Close(); err != nil {
		log.Fatalf("close failed: %v", err)
	}
	log.Printf("paper feed written, path: %s, lines: %d", *output, lines)
}
