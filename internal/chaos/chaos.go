// Package chaos implements the deterministic fault-injection engine the
// Stdio Proxy consults before forwarding a tools/call request.
//
// Responsibilities:
//   - Hold a per-run configuration: an optional global rule plus per-tool
//     overrides, shallow-merged so a tool's own fields win and missing
//     fields mean "no effect" (spec.md §4.3 "Rule precedence").
//   - Advance a seeded PRNG exactly once per decision so that, for a fixed
//     (config, seed, order of queries), every output is reproducible
//     across runs and platforms (spec.md §4.3 "Determinism").
//   - Answer three questions about a named tool: how long to delay before
//     forwarding, whether to substitute an error, and whether to corrupt
//     the response — then bundle the answers plus the seed into a
//     ChaosApplied descriptor recorded on the corresponding rpc_response
//     event.
//
// Per spec.md §9's Open Question, only the seed is retained in
// ChaosApplied, not the individual per-decision draws: a trace can only be
// replayed bit-for-bit by replaying requests in the same order against a
// fresh Engine seeded identically. This package does not attempt to close
// that gap.
package chaos

import "github.com/toolproxy/toolproxy/internal/model"

// Probabilistic is a "maybe, and how much" knob: with probability P the
// event occurs, and its magnitude is either the fixed Value or a uniform
// integer drawn from [Min, Max].
type Probabilistic struct {
	P     float64 `json:"p"`
	Value *int    `json:"value,omitempty"`
	Min   *int    `json:"min,omitempty"`
	Max   *int    `json:"max,omitempty"`
}

// Rule is one tool's (or the global) chaos configuration.
type Rule struct {
	DelayMs     *Probabilistic `json:"delayMs,omitempty"`
	FailRate    *float64       `json:"failRate,omitempty"`
	CorruptRate *float64       `json:"corruptRate,omitempty"`
}

// Config is the full chaos configuration for one Run: a seed plus an
// optional global rule and per-tool overrides.
type Config struct {
	Seed  int64            `json:"seed"`
	Global *Rule           `json:"global,omitempty"`
	Tools map[string]*Rule `json:"tools,omitempty"`
}

// Engine answers chaos-injection queries for a single run. It is NOT safe
// for concurrent use from multiple goroutines without external
// synchronization: the spec requires the delay decision to be
// single-threaded within one message, and sharing a PRNG across
// concurrently-dispatched requests would make draw order, and therefore
// the whole run, non-deterministic.
type Engine interface {
	// Delay returns the milliseconds to sleep before forwarding a
	// tools/call request for the named tool. Zero means "no delay".
	Delay(tool string) int
	// ShouldFail reports whether this request should have an error
	// substituted for its response.
	ShouldFail(tool string) bool
	// ShouldCorrupt reports whether this response should be replaced with
	// the corruption envelope.
	ShouldCorrupt(tool string) bool
	// Apply runs all three decisions for one request and returns the
	// descriptor to record on its rpc_response event. Decisions are drawn
	// in a fixed order — delay, then fail, then corrupt — so repeated
	// calls with the same config/seed produce the same sequence.
	Apply(tool string) model.ChaosApplied
}

// NewEngine constructs an Engine seeded from cfg.Seed. A nil cfg behaves
// as an engine with no rules: every decision is a no-op.
func NewEngine(cfg *Config) Engine {
	if cfg == nil {
		cfg = &Config{}
	}
	return &engine{cfg: cfg, rng: newMulberry32(cfg.Seed)}
}
