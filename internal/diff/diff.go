// Package diff implements the trace-comparison algorithm: given two runs'
// tool_call events (each paired with its tool_result latency), it reports
// which tool calls were added, removed, or changed, and which tools
// regressed in latency.
package diff

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/toolproxy/toolproxy/internal/model"
)

// Call is one tool invocation reduced from a paired tool_call/tool_result
// event pair.
type Call struct {
	Tool      string
	Args      json.RawMessage
	LatencyMs int64
}

// Changed describes a tool call present on both sides whose argument
// payload differs.
type Changed struct {
	Tool             string
	BaselineArgs     json.RawMessage
	CurrentArgs      json.RawMessage
}

// LatencyChange describes a tool whose mean latency shifted beyond the
// ±20% threshold between baseline and current.
type LatencyChange struct {
	Tool            string
	BaselineMeanMs  float64
	CurrentMeanMs   float64
	ChangePercent   float64
}

// Report is the Diff Engine's output.
type Report struct {
	BaselineCallCount int
	CurrentCallCount  int
	Added             []Call
	Removed           []Call
	Changed           []Changed
	LatencyChanges    []LatencyChange
}

const latencyChangeThreshold = 0.20

// Compare reduces two runs' tool_call slices to a Report. It never fails:
// empty inputs yield empty lists.
func Compare(baseline, current []Call) Report {
	report := Report{
		BaselineCallCount: len(baseline),
		CurrentCallCount:  len(current),
	}

	baseByTool := groupByTool(baseline)
	curByTool := groupByTool(current)

	tools := make(map[string]bool)
	for t := range baseByTool {
		tools[t] = true
	}
	for t := range curByTool {
		tools[t] = true
	}

	sortedTools := make([]string, 0, len(tools))
	for t := range tools {
		sortedTools = append(sortedTools, t)
	}
	sort.Strings(sortedTools)

	for _, tool := range sortedTools {
		baseCalls := baseByTool[tool]
		curCalls := curByTool[tool]

		switch {
		case len(baseCalls) == 0:
			report.Added = append(report.Added, curCalls...)
			continue
		case len(curCalls) == 0:
			report.Removed = append(report.Removed, baseCalls...)
			continue
		}

		n := len(baseCalls)
		if len(curCalls) < n {
			n = len(curCalls)
		}
		for i := 0; i < n; i++ {
			if !canonicalEqual(baseCalls[i].Args, curCalls[i].Args) {
				report.Changed = append(report.Changed, Changed{
					Tool:         tool,
					BaselineArgs: baseCalls[i].Args,
					CurrentArgs:  curCalls[i].Args,
				})
			}
		}
		if len(baseCalls) > n {
			report.Removed = append(report.Removed, baseCalls[n:]...)
		}
		if len(curCalls) > n {
			report.Added = append(report.Added, curCalls[n:]...)
		}

		baseMean := meanLatency(baseCalls)
		curMean := meanLatency(curCalls)
		if baseMean == 0 {
			continue
		}
		pct := (curMean - baseMean) / baseMean
		if pct > latencyChangeThreshold || pct < -latencyChangeThreshold {
			report.LatencyChanges = append(report.LatencyChanges, LatencyChange{
				Tool:           tool,
				BaselineMeanMs: baseMean,
				CurrentMeanMs:  curMean,
				ChangePercent:  pct * 100,
			})
		}
	}

	return report
}

func groupByTool(calls []Call) map[string][]Call {
	out := make(map[string][]Call)
	for _, c := range calls {
		out[c.Tool] = append(out[c.Tool], c)
	}
	return out
}

func meanLatency(calls []Call) float64 {
	if len(calls) == 0 {
		return 0
	}
	var sum int64
	for _, c := range calls {
		sum += c.LatencyMs
	}
	return float64(sum) / float64(len(calls))
}

// canonicalEqual compares two JSON payloads by re-marshaling through a
// sorted-key representation, so key order never causes a spurious diff.
func canonicalEqual(a, b json.RawMessage) bool {
	ca, errA := canonicalize(a)
	cb, errB := canonicalize(b)
	if errA != nil || errB != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca, cb)
}

func canonicalize(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(sortKeys(v))
}

// sortKeys recursively copies a decoded JSON value, descending into nested
// objects and arrays. Objects stay maps in the copy: the stable byte
// sequence comes from encoding/json, which sorts map keys on marshal at
// every nesting level, so original key order never reaches the output.
func sortKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = sortKeys(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = sortKeys(val)
		}
		return out
	default:
		return t
	}
}

// FromEvents reduces a run's ordered events to its Call slice: each
// tool_call event is paired with the nearest following tool_result event
// sharing its correlation id, within the same run.
func FromEvents(events []*model.Event) []Call {
	type pending struct {
		tool string
		args json.RawMessage
	}
	inFlight := make(map[string]pending)
	var calls []Call

	for _, e := range events {
		switch e.Kind {
		case model.EventToolCall:
			inFlight[e.CorrelationID] = pending{tool: e.Tool, args: e.Params}
		case model.EventToolResult:
			p, ok := inFlight[e.CorrelationID]
			if !ok {
				continue
			}
			delete(inFlight, e.CorrelationID)
			var latency int64
			if e.LatencyMs != nil {
				latency = *e.LatencyMs
			}
			calls = append(calls, Call{Tool: p.tool, Args: p.args, LatencyMs: latency})
		}
	}
	return calls
}
