// Package classify implements the Outcome Classifier: it maps a stress
// probe's observed error message and timeout status onto the closed
// {pass, graceful_fail, crash_or_hang} outcome vocabulary using the fixed
// rule set spec.md §4.5 names.
package classify

import (
	"regexp"
	"strings"

	"github.com/toolproxy/toolproxy/internal/model"
)

// validationVocab and crashVocab are matched case-insensitively against a
// probe's error message. Validation patterns are checked first: an error
// mentioning both ("invalid argument" and "panic") classifies as
// graceful_fail.
var (
	validationVocab = regexp.MustCompile(`(?i)invalid|required|missing|type.*expected|must be|should be|cannot be|not allowed|validation|argument|parameter|property|schema`)
	crashVocab      = regexp.MustCompile(`(?i)crash|segfault|exception|internal.*error|unexpected|panic|fatal|killed`)
)

// Classify reports the outcome of a single stress probe. errMsg is the
// error message text if the tool call returned an error, empty otherwise.
func Classify(errMsg string, timedOut bool) model.StressOutcome {
	if timedOut {
		return model.OutcomeCrashOrHang
	}
	if strings.TrimSpace(errMsg) == "" {
		return model.OutcomePass
	}
	if validationVocab.MatchString(errMsg) {
		return model.OutcomeGracefulFail
	}
	if crashVocab.MatchString(errMsg) {
		return model.OutcomeCrashOrHang
	}
	return model.OutcomeGracefulFail
}
