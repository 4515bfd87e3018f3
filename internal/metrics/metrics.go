// Package metrics exposes named counters through expvar and mirrors every
// increment as a structured log event.
package metrics

import (
	"expvar"
	"log/slog"
)

// Counter names.
const (
	InboundReceived         = "inbound_received"
	InboundDuplicate        = "inbound_duplicate"
	InboundDroppedMalformed = "inbound_dropped_malformed"
	InboundThrottled        = "inbound_throttled"
	InboundFailed           = "inbound_failed"
	InboundProcessed        = "inbound_processed"
	GuardStop               = "guard_stop"
	GuardStart              = "guard_start"
	GuardHome               = "guard_home"
	RouteDispatched         = "route_dispatched"
	RouteUnmatched          = "route_unmatched"
	ThrottleDenied          = "throttle_denied"
	ThrottleFailOpen        = "throttle_fail_open"
	ContactColumnFallback   = "contact_column_fallback"
	OutboundSent            = "outbound_sent"
	OutboundThrottled       = "outbound_throttled"
	SweeperPurged           = "sweeper_purged"
)

// counters is published at /debug/vars under "msgrouter".
var counters = expvar.NewMap("msgrouter")

// Inc increments name by one and logs the event with the given key/value attrs.
func Inc(name string, attrs ...any) {
	Add(name, 1, attrs...)
}

// Add increments name by delta.
func Add(name string, delta int64, attrs ...any) {
	counters.Add(name, delta)
	args := append([]any{"metric", name, "delta", delta}, attrs...)
	slog.Debug("metrics.Add", args...)
}

// Value returns the current value of name, or 0 if it was never incremented.
func Value(name string) int64 {
	v, ok := counters.Get(name).(*expvar.Int)
	if !ok || v == nil {
		return 0
	}
	return v.Value()
}

// Snapshot returns all counters as a plain map.
func Snapshot() map[string]int64 {
	out := make(map[string]int64)
	counters.Do(func(kv expvar.KeyValue) {
		if v, ok := kv.Value.(*expvar.Int); ok {
			out[kv.Key] = v.Value()
		}
	})
	return out
}
