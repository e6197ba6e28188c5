package main

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// ScopeMetrics counts what one scope did. It is logged when the scope closes.
type ScopeMetrics struct {
	mountsApplied    int64
	unmountFailures  int64
	commandsRun      int64
	commandsFailed   int64
	commandsTimedOut int64
	scriptsRun       int64

	openLatency  atomic.Int64 // nanoseconds
	closeLatency atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of ScopeMetrics.
type MetricsSnapshot struct {
	MountsApplied    int64         `json:"mounts_applied"`
	UnmountFailures  int64         `json:"unmount_failures"`
	CommandsRun      int64         `json:"commands_run"`
	CommandsFailed   int64         `json:"commands_failed"`
	CommandsTimedOut int64         `json:"commands_timed_out"`
	ScriptsRun       int64         `json:"scripts_run"`
	OpenLatency      time.Duration `json:"open_latency"`
	CloseLatency     time.Duration `json:"close_latency"`
}

func (m *ScopeMetrics) IncrementMounts() {
	atomic.AddInt64(&m.mountsApplied, 1)
}

func (m *ScopeMetrics) IncrementUnmountFailures() {
	atomic.AddInt64(&m.unmountFailures, 1)
}

func (m *ScopeMetrics) IncrementCommands() {
	atomic.AddInt64(&m.commandsRun, 1)
}

// IncrementFailedCommands counts runs that could not start; non-zero exits are not failures.
func (m *ScopeMetrics) IncrementFailedCommands() {
	atomic.AddInt64(&m.commandsFailed, 1)
}

func (m *ScopeMetrics) IncrementTimeouts() {
	atomic.AddInt64(&m.commandsTimedOut, 1)
}

func (m *ScopeMetrics) IncrementScripts() {
	atomic.AddInt64(&m.scriptsRun, 1)
}

func (m *ScopeMetrics) RecordOpenLatency(d time.Duration) {
	m.openLatency.Store(int64(d))
}

func (m *ScopeMetrics) RecordCloseLatency(d time.Duration) {
	m.closeLatency.Store(int64(d))
}

// Snapshot returns the current counter values.
func (m *ScopeMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		MountsApplied:    atomic.LoadInt64(&m.mountsApplied),
		UnmountFailures:  atomic.LoadInt64(&m.unmountFailures),
		CommandsRun:      atomic.LoadInt64(&m.commandsRun),
		CommandsFailed:   atomic.LoadInt64(&m.commandsFailed),
		CommandsTimedOut: atomic.LoadInt64(&m.commandsTimedOut),
		ScriptsRun:       atomic.LoadInt64(&m.scriptsRun),
		OpenLatency:      time.Duration(m.openLatency.Load()),
		CloseLatency:     time.Duration(m.closeLatency.Load()),
	}
}

// LogValue implements slog.LogValuer.
func (s MetricsSnapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("mounts_applied", s.MountsApplied),
		slog.Int64("unmount_failures", s.UnmountFailures),
		slog.Int64("commands_run", s.CommandsRun),
		slog.Int64("commands_failed", s.CommandsFailed),
		slog.Int64("commands_timed_out", s.CommandsTimedOut),
		slog.Int64("scripts_run", s.ScriptsRun),
		slog.Duration("open_latency", s.OpenLatency),
		slog.Duration("close_latency", s.CloseLatency),
	)
}
