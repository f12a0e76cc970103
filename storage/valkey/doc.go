// Package valkey provides a Valkey storage backend for the oauth-relay flow store.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// Use this backend when several relay instances sit behind a load balancer and a
// callback may reach a different instance than the one that started the flow.
//
// # Key Schema
//
// All keys use a configurable prefix (default "relay:") to avoid conflicts with
// other applications sharing the same Valkey instance:
//
//	{prefix}flow:{csrfToken}   -> JSON(FlowState) with PX set to the remaining lifetime
//
// # Atomic Operations
//
// ConsumeFlowState runs a Lua script that performs GET and DEL in one step,
// so a CSRF token can be consumed by exactly one callback even when duplicate
// callbacks race across instances. Expired records are deleted by the same
// script and reported as [storage.ErrFlowStateExpired].
//
// # Encryption at Rest
//
// When an encryptor is configured with SetEncryptor, the PKCE verifier is
// sealed with AES-256-GCM before it is written:
//
//	key, _ := security.GenerateKey()
//	enc, _ := security.NewEncryptor(key)
//	store.SetEncryptor(enc)
//
// # Usage
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "relay:",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
package valkey
