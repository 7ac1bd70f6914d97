package evidence

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"iats/internal/hashing"
)

const (
	patternPrefixLen  = 180
	maxRankedPatterns = 8
	maxPatternSamples = 3
	maxStackFrames    = 5
)

// LogPattern is one ranked log signature.
type LogPattern struct {
	SignatureID string   `json:"signature_id"`
	Count       int      `json:"count"`
	Pattern     string   `json:"pattern"`
	Samples     []string `json:"samples"`
}

// RankPatterns normalizes each line to its first 180 characters, counts
// occurrences, and keeps the top eight with up to three samples each.
func RankPatterns(lines []string) []LogPattern {
	counts := map[string]int{}
	samples := map[string][]string{}
	order := map[string]int{}
	for i, line := range lines {
		normalized := line
		if len(normalized) > patternPrefixLen {
			normalized = normalized[:patternPrefixLen]
		}
		if _, seen := counts[normalized]; !seen {
			order[normalized] = i
		}
		counts[normalized]++
		if len(samples[normalized]) < maxPatternSamples {
			samples[normalized] = append(samples[normalized], line)
		}
	}

	patterns := make([]string, 0, len(counts))
	for p := range counts {
		patterns = append(patterns, p)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if counts[patterns[i]] != counts[patterns[j]] {
			return counts[patterns[i]] > counts[patterns[j]]
		}
		return order[patterns[i]] < order[patterns[j]]
	})
	if len(patterns) > maxRankedPatterns {
		patterns = patterns[:maxRankedPatterns]
	}

	out := make([]LogPattern, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, LogPattern{
			SignatureID: hashing.StableHash(p)[:12],
			Count:       counts[p],
			Pattern:     p,
			Samples:     samples[p],
		})
	}
	return out
}

// StackFrame is a file/line pair lifted from a traceback.
type StackFrame struct {
	File string
	Line int
}

var stackFramePattern = regexp.MustCompile(`File "([^"]+)", line (\d+)`)

// ExtractStackFrames scans log lines for traceback frames and returns up to
// five of them, path reduced to its basename.
func ExtractStackFrames(lines []string) []StackFrame {
	var frames []StackFrame
	for _, line := range lines {
		match := stackFramePattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		path := match[1]
		lineNo, err := strconv.Atoi(match[2])
		if err != nil {
			continue
		}
		if idx := strings.LastIndex(path, "/"); idx >= 0 {
			path = path[idx+1:]
		}
		frames = append(frames, StackFrame{File: path, Line: lineNo})
		if len(frames) >= maxStackFrames {
			break
		}
	}
	return frames
}

// EscapeLogsRegex escapes a value for embedding in a Logs Insights regex
// filter, including the slash delimiter.
func EscapeLogsRegex(value string) string {
	return strings.ReplaceAll(regexp.QuoteMeta(value), "/", `\/`)
}
