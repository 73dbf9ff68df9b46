package classify

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    Severity
	}{
		{"oom", "fatal: out of memory while linking", SeverityCritical},
		{"disk full", "write failed: no space left on device", SeverityCritical},
		{"permission", "open /etc/shadow: permission denied", SeverityCritical},
		{"auth", "authentication failed for user deploy", SeverityCritical},
		{"invalid key", "request rejected: invalid api key", SeverityCritical},
		{"panic", "panic: runtime error: index out of range", SeverityCritical},

		{"connection refused", "dial tcp 127.0.0.1:443: connection refused", SeverityWarning},
		{"timeout", "context deadline exceeded", SeverityWarning},
		{"rate limit", "HTTP 429 too many requests", SeverityWarning},
		{"transient", "temporary failure in name resolution", SeverityWarning},

		{"missing command", "bash: ghx: command not found", SeverityInfo},
		{"missing file", "cat: notes.txt: no such file or directory", SeverityInfo},
		{"syntax", "syntax error near unexpected token", SeverityInfo},

		{"unmatched", "something odd happened", SeverityUnknown},
		{"empty", "", SeverityUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.message, ""); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.message, got, tt.want)
			}
		})
	}
}

func TestClassify_CriticalWinsOverWarning(t *testing.T) {
	// A message matching several classes takes the most severe one.
	msg := "permission denied after connection timeout"
	if got := Classify(msg, ""); got != SeverityCritical {
		t.Errorf("Classify(%q) = %s, want critical", msg, got)
	}
}

func TestClassify_ContextScanned(t *testing.T) {
	if got := Classify("step failed", "stderr: connection refused by upstream"); got != SeverityWarning {
		t.Errorf("context text must participate in classification, got %s", got)
	}
}

func TestSelectStrategy(t *testing.T) {
	tests := []struct {
		name       string
		sev        Severity
		retryCount int
		maxRetries int
		want       Strategy
	}{
		{"critical ignores retries", SeverityCritical, 0, 3, StrategyEmergencyShutdown},
		{"critical at limit", SeverityCritical, 3, 3, StrategyEmergencyShutdown},
		{"warning under budget", SeverityWarning, 1, 3, StrategyAutomaticRecovery},
		{"warning at budget", SeverityWarning, 3, 3, StrategyManualRecovery},
		{"warning over budget", SeverityWarning, 4, 3, StrategyManualRecovery},
		{"info always retries", SeverityInfo, 99, 3, StrategySimpleRetry},
		{"unknown is conservative", SeverityUnknown, 0, 3, StrategySafeRecovery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectStrategy(tt.sev, tt.retryCount, tt.maxRetries); got != tt.want {
				t.Errorf("SelectStrategy(%s, %d, %d) = %s, want %s", tt.sev, tt.retryCount, tt.maxRetries, got, tt.want)
			}
		})
	}
}
