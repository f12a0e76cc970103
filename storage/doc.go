// Package storage provides the FlowStore interface and the FlowState record
// used to carry a login attempt from the authorization redirect to the
// provider callback.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and single-instance deployments
//   - storage/mock: Mock storage for unit testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
//
// Every backend must make ConsumeFlowState an atomic take: a CSRF token is
// redeemable at most once, no matter how many callbacks race for it.
package storage
