// Package hotstate wraps the Redis-compatible hot store: the key schema,
// the NX+CAS lock primitive, worker state publication and the pub/sub
// control channel.
package hotstate

import "fmt"

// Key schema. Everything a worker publishes is namespaced by pair id.
const (
	OrchestratorLockKey = "orch:lock"
	WorkersSetKey       = "workers"
	ControlChannel      = "control"
	StateChannel        = "state"
)

// WorkerLockKey is the per-pair mutual-exclusion lock.
func WorkerLockKey(pairID string) string {
	return fmt.Sprintf("worker:%s:lock", pairID)
}

// HeartbeatKey holds the worker's last heartbeat in unix ms.
func HeartbeatKey(pairID string) string {
	return fmt.Sprintf("worker:%s:heartbeat", pairID)
}

// StateKey holds the WorkerState JSON.
func StateKey(pairID string) string {
	return fmt.Sprintf("worker:%s:state", pairID)
}

// RestartingKey flags a control-triggered restart so the orchestrator skips
// backoff.
func RestartingKey(pairID string) string {
	return fmt.Sprintf("worker:%s:restarting", pairID)
}

// CandlesKey holds the pair's trailing candle window for API reads.
func CandlesKey(pairID string) string {
	return fmt.Sprintf("candles:%s", pairID)
}

// WarmStartKey persists the optimizer warm start. No TTL.
func WarmStartKey(pairID string) string {
	return fmt.Sprintf("optimizer:%s", pairID)
}

// PositionsKey is the hash of positionId -> Position JSON. No TTL.
func PositionsKey(pairID string) string {
	return fmt.Sprintf("positions:%s", pairID)
}
