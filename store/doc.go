// Package store implements a process-local, in-memory, per-key concurrent
// state store: every key is served by at most one serial "worker"
// goroutine at a time, read-only access can run in parallel up to a
// per-key budget, idle keys collapse back into a plain map entry, and a
// multi-key coordinator layers an atomic snapshot/callback/publish
// transaction on top of the single-key path.
//
//	s, err := store.New[string, int]()
//	err = s.Put("hits", 1)
//	v, err := store.Get(ctx, s, "hits", func(v int, present bool) int { return v })
//	v, err = store.GetAndUpdate(ctx, s, "hits", func(v int, present bool) store.UpdateResult[int, int] {
//		return store.Reply(v+1, store.Set(v+1))
//	})
package store
