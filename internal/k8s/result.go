package k8s

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"swarmengine/internal/domain"
)

const maxSummaryLen = 1000

// streamLine is one event of the agent's stream-json output. Only the
// fields the parser cares about are modeled.
type streamLine struct {
	Type    string `json:"type"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	CostUSD    float64 `json:"cost_usd"`
	DurationMS int64   `json:"duration_ms"`
}

// ParseResult extracts the task outcome from a job's log text. The log is
// a JSON Lines event stream interleaved with arbitrary shell output;
// non-JSON lines are skipped. The last assistant text message becomes the
// summary, and cost/duration from result events accumulate. Success means
// a non-empty summary was extracted: a job that printed no parseable
// assistant output counts as failed regardless of its exit status.
func ParseResult(logs string) domain.TaskResult {
	var lastAssistant string
	var totalCost float64
	var totalDuration int64

	for _, line := range strings.Split(strings.TrimSpace(logs), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ev streamLine
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "assistant":
			for _, c := range ev.Message.Content {
				if c.Type == "text" && c.Text != "" {
					lastAssistant = c.Text
				}
			}
		case "result":
			totalCost += ev.CostUSD
			totalDuration += ev.DurationMS
		}
	}

	success := lastAssistant != ""

	summary := truncateRunes(lastAssistant, maxSummaryLen)
	if summary == "" {
		summary = "No output captured"
	}

	return domain.TaskResult{
		Success:    success,
		Summary:    summary,
		Branch:     extractBranch(lastAssistant),
		CostUSD:    totalCost,
		DurationMS: totalDuration,
	}
}

// truncateRunes caps s at n runes so a multi-byte character is never
// split mid-sequence.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

var (
	branchCode    = regexp.MustCompile("`(feature/[a-zA-Z0-9_-]+)`")
	branchLabel   = regexp.MustCompile("(?i)Branch(?:-Name)?:\\s*`?([a-zA-Z0-9_/-]+)`?")
	branchFeature = regexp.MustCompile(`\b(feature/[a-zA-Z0-9_-]+(?:-[a-zA-Z0-9_-]+)*)\b`)
)

// extractBranch scrapes a branch name out of free-form summary text.
// Fragile by nature; the candidates are tried most-specific first.
func extractBranch(summary string) string {
	if m := branchCode.FindStringSubmatch(summary); m != nil {
		return m[1]
	}
	if m := branchLabel.FindStringSubmatch(summary); m != nil {
		return m[1]
	}
	if m := branchFeature.FindStringSubmatch(summary); m != nil {
		return m[1]
	}
	return ""
}
