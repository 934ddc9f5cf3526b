package agent

import (
	"regexp"
	"strings"
)

var (
	inheritancePattern = regexp.MustCompile(`\bclass\s+\w+\s+extends\s+\w+`)
	implementsPattern  = regexp.MustCompile(`\bimplements\s+\w+`)
	goroutinePattern   = regexp.MustCompile(`\bgo\s+(func\b|[\w.]+\()`)
	channelPattern     = regexp.MustCompile(`\bchan\s+\w|<-`)
	ifPattern          = regexp.MustCompile(`\bif\s*\(|\bif\s+\S`)
	loopPattern        = regexp.MustCompile(`\b(for|while)\b`)
	switchPattern      = regexp.MustCompile(`\b(switch|select)\b`)
	functionPattern    = regexp.MustCompile(`\bfunction\s*\w*\s*\(|\bfunc\b`)
)

const maxComplexity = 10

// DetectPatterns reports coarse structural patterns found in source text.
func DetectPatterns(code string) []string {
	patterns := make([]string, 0, 4)
	if inheritancePattern.MatchString(code) {
		patterns = append(patterns, "inheritance")
	}
	if implementsPattern.MatchString(code) {
		patterns = append(patterns, "interface-implementation")
	}
	if strings.Contains(code, "new Promise") {
		patterns = append(patterns, "promise-usage")
	}
	if strings.Contains(code, "async ") && strings.Contains(code, "await ") {
		patterns = append(patterns, "async-await")
	}
	if len(functionPattern.FindAllStringIndex(code, -1)) > 3 {
		patterns = append(patterns, "multiple-functions")
	}
	if goroutinePattern.MatchString(code) {
		patterns = append(patterns, "goroutines")
	}
	if channelPattern.MatchString(code) {
		patterns = append(patterns, "channels")
	}
	return patterns
}

// EstimateComplexity scores source text from 0 to 10 by size and branching.
func EstimateComplexity(code string) int {
	score := len(code) / 500
	score += len(ifPattern.FindAllStringIndex(code, -1))
	score += 2 * len(loopPattern.FindAllStringIndex(code, -1))
	score += 3 * len(switchPattern.FindAllStringIndex(code, -1))
	score += len(functionPattern.FindAllStringIndex(code, -1))
	if score > maxComplexity {
		return maxComplexity
	}
	return score
}

func lineCount(code string) int {
	if code == "" {
		return 0
	}
	return strings.Count(code, "\n") + 1
}
