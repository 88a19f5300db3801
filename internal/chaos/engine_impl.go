package chaos

import "github.com/toolproxy/toolproxy/internal/model"

type engine struct {
	cfg *Config
	rng *mulberry32
}

// mergedRule shallow-merges the per-tool rule over the global rule: a
// non-nil tool field wins, otherwise the global field (which may itself be
// nil, meaning "no effect") applies.
func (e *engine) mergedRule(tool string) Rule {
	var out Rule
	if e.cfg.Global != nil {
		out = *e.cfg.Global
	}
	if toolRule, ok := e.cfg.Tools[tool]; ok && toolRule != nil {
		if toolRule.DelayMs != nil {
			out.DelayMs = toolRule.DelayMs
		}
		if toolRule.FailRate != nil {
			out.FailRate = toolRule.FailRate
		}
		if toolRule.CorruptRate != nil {
			out.CorruptRate = toolRule.CorruptRate
		}
	}
	return out
}

// draw consumes one gate draw from the PRNG, and — only if the gate fires
// and the knob specifies a [min,max] range rather than a fixed value — one
// further draw for the magnitude. ok reports whether the event fired.
func (e *engine) draw(p *Probabilistic) (magnitude int, ok bool) {
	if p == nil {
		return 0, false
	}
	if e.rng.next() >= p.P {
		return 0, false
	}
	if p.Value != nil {
		return *p.Value, true
	}
	if p.Min != nil && p.Max != nil {
		return e.rng.nextInt(*p.Min, *p.Max), true
	}
	return 0, true
}

func (e *engine) drawRate(rate *float64) bool {
	if rate == nil {
		return false
	}
	return e.rng.next() < *rate
}

func (e *engine) Delay(tool string) int {
	rule := e.mergedRule(tool)
	ms, ok := e.draw(rule.DelayMs)
	if !ok {
		return 0
	}
	return ms
}

func (e *engine) ShouldFail(tool string) bool {
	rule := e.mergedRule(tool)
	return e.drawRate(rule.FailRate)
}

func (e *engine) ShouldCorrupt(tool string) bool {
	rule := e.mergedRule(tool)
	return e.drawRate(rule.CorruptRate)
}

func (e *engine) Apply(tool string) model.ChaosApplied {
	rule := e.mergedRule(tool)
	delay, _ := e.draw(rule.DelayMs)
	failed := e.drawRate(rule.FailRate)
	corrupted := e.drawRate(rule.CorruptRate)
	return model.ChaosApplied{
		Seed:          e.cfg.Seed,
		DelayMs:       delay,
		ErrorInjected: failed,
		Corrupted:     corrupted,
	}
}
