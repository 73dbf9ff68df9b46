// Package classify maps error output to a severity and picks the recovery
// strategy the engine should run.
package classify

import (
	"regexp"
	"strings"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
	SeverityUnknown  Severity = "unknown"
)

type Strategy string

const (
	// StrategyEmergencyShutdown stops the daemon after an emergency backup.
	StrategyEmergencyShutdown Strategy = "emergency_shutdown"
	// StrategyAutomaticRecovery retries after the configured delay.
	StrategyAutomaticRecovery Strategy = "automatic_recovery"
	// StrategyManualRecovery fails the task and writes a diagnostic report.
	StrategyManualRecovery Strategy = "manual_recovery"
	// StrategySimpleRetry retries immediately.
	StrategySimpleRetry Strategy = "simple_retry"
	// StrategySafeRecovery checkpoints and pauses instead of guessing.
	StrategySafeRecovery Strategy = "safe_recovery"
)

// Severity patterns, most severe first. A message is classified by the first
// class with any matching pattern.
var (
	criticalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)out of memory|cannot allocate memory|oom[- ]?kill`),
		regexp.MustCompile(`(?i)no space left on device|disk (?:is )?full|quota.*disk`),
		regexp.MustCompile(`(?i)permission denied|operation not permitted`),
		regexp.MustCompile(`(?i)authentication failed|invalid (?:api[- ]?key|credentials)|unauthorized|401`),
		regexp.MustCompile(`(?i)segmentation fault|panic:`),
	}
	warningPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)connection (?:refused|reset|timed? ?out)|network (?:is )?unreachable`),
		regexp.MustCompile(`(?i)timeout|timed out|deadline exceeded`),
		regexp.MustCompile(`(?i)rate[\s-]*limit|too many requests|429|503|service unavailable`),
		regexp.MustCompile(`(?i)temporar(?:y|ily) (?:failure|unavailable)|try again later`),
		regexp.MustCompile(`(?i)broken pipe|EOF`),
	}
	infoPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)command not found|not recognized as`),
		regexp.MustCompile(`(?i)no such file or directory|file not found`),
		regexp.MustCompile(`(?i)syntax error|parse error|invalid (?:argument|flag|option)`),
		regexp.MustCompile(`(?i)usage:`),
	}
)

// Classify assigns a severity to an error message. Context is free-form
// auxiliary text (step phase, command) scanned together with the message.
func Classify(message, context string) Severity {
	text := message
	if context != "" {
		text = message + "\n" + context
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return SeverityUnknown
	}

	for _, re := range criticalPatterns {
		if re.MatchString(text) {
			return SeverityCritical
		}
	}
	for _, re := range warningPatterns {
		if re.MatchString(text) {
			return SeverityWarning
		}
	}
	for _, re := range infoPatterns {
		if re.MatchString(text) {
			return SeverityInfo
		}
	}
	return SeverityUnknown
}

// SelectStrategy picks the recovery strategy. Critical conditions shut the
// daemon down unconditionally; warnings retry until the budget is spent and
// then escalate to a human; unknowns get the conservative path.
func SelectStrategy(sev Severity, retryCount, maxRetries int) Strategy {
	switch sev {
	case SeverityCritical:
		return StrategyEmergencyShutdown
	case SeverityWarning:
		if retryCount < maxRetries {
			return StrategyAutomaticRecovery
		}
		return StrategyManualRecovery
	case SeverityInfo:
		return StrategySimpleRetry
	default:
		return StrategySafeRecovery
	}
}
