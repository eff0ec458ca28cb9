// Command keyedstore is a small demo driver for the store package: it spins
// up a Store[string,int] counter table, fires a batch of concurrent Cast
// increments and a multi-key transaction across them, then prints the
// resulting counters and the Store's metrics snapshot.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"

	"github.com/tailored-agentic-units/keyedstore/observability"
	"github.com/tailored-agentic-units/keyedstore/store"
)

func main() {
	var (
		keys    = flag.Int("keys", 8, "number of counter keys")
		updates = flag.Int("updates", 200, "total increment operations fanned out across keys")
		verbose = flag.Bool("verbose", false, "enable verbose event logging to stderr")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	observer := observability.NewSlogObserver(logger)

	s, err := store.New[string, int](
		store.WithName[string, int]("keyedstore-demo"),
		store.WithObserver[string, int](observer),
		store.WithMaxProcesses[string, int](4),
	)
	if err != nil {
		log.Fatalf("failed to create store: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	names := make([]string, *keys)
	for i := range names {
		names[i] = fmt.Sprintf("counter-%d", i)
	}

	var wg sync.WaitGroup
	for i := 0; i < *updates; i++ {
		key := names[i%len(names)]
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			if err := s.Cast(key, func(v int, present bool) store.Action[int] {
				return store.Set(v + 1)
			}); err != nil {
				log.Printf("cast %s: %v", key, err)
			}
		}(key)
	}
	wg.Wait()

	total, err := store.GetAndUpdateMany(s, names, names, func(values map[string]int) store.TxResult[string, int, int] {
		sum := 0
		actions := make(map[string]store.Action[int], len(names))
		for _, k := range names {
			sum += values[k]
			actions[k] = store.Set(0)
		}
		return store.TxResult[string, int, int]{Reply: sum, Actions: actions}
	})
	if err != nil {
		log.Fatalf("transaction failed: %v", err)
	}
	fmt.Printf("collected and reset total: %d\n", total)

	for _, k := range names {
		v, err := store.Get(ctx, s, k, func(v int, present bool) int { return v })
		if err != nil {
			log.Printf("get %s: %v", k, err)
			continue
		}
		fmt.Printf("%s = %d\n", k, v)
	}

	m := s.Metrics()
	fmt.Printf("\nmetrics: live_workers=%d cells_gc=%d transactions=%d tx_errors=%d\n",
		m.LiveWorkers, m.CellsGCed, m.Transactions, m.TransactionsErr)

	if err := s.Stop(ctx); err != nil {
		log.Fatalf("stop: %v", err)
	}
}
