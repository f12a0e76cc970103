// Package memory provides the in-process flow-state backend.
//
// Flow states live in a map guarded by a mutex. A background loop removes
// expired entries, and a hard entry cap bounds memory use when callbacks
// never arrive. State is lost on restart and not shared between replicas;
// use storage/valkey when the relay runs behind a load balancer.
//
//	store := memory.New()
//	defer store.Stop()
//
//	r, err := relay.New(registry, store, relay.DefaultConfig())
package memory
