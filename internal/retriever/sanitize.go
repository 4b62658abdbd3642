package retriever

import (
	"html"
	"regexp"
	"strings"
)

var tagPattern = regexp.MustCompile(`<[^>]*>`)

type threatRule struct {
	threat   string
	severity string
	pattern  *regexp.Regexp
}

// Rules only flag input for audit. A match never rejects a question: people
// do ask how DROP TABLE or eval() work.
var threatRules = []threatRule{
	{"code_execution", "high", regexp.MustCompile(`(?i)\b(?:eval|exec|os\.system|subprocess\.\w+)\s*\(`)},
	{"sql_injection", "high", regexp.MustCompile(`(?i)\b(?:select|insert|update|delete|drop|alter|create)\s+(?:\*\s+)?(?:from|into|table)\b.*(?:--|;|'\s*or\s+'?1'?\s*=\s*'?1)`)},
	{"xss", "medium", regexp.MustCompile(`(?i)<\s*script\b|javascript:|\bon(?:error|load)\s*=`)},
	{"command_injection", "high", regexp.MustCompile(`(?:[;&|]|\$\()\s*(?:bash|sh|sudo|curl|wget|rm\s+-)\b`)},
}

// Inspection is the result of looking over a user query before it is used.
type Inspection struct {
	Query       string
	TagsRemoved int
	Threat      string
	Severity    string
}

// Suspicious reports whether the query should be audited.
func (i Inspection) Suspicious() bool { return i.Threat != "" || i.TagsRemoved > 0 }

// InspectQuery strips HTML tags from q and classifies the first matching
// threat rule against the raw input.
func InspectQuery(q string) Inspection {
	var in Inspection
	for _, rule := range threatRules {
		if rule.pattern.MatchString(q) {
			in.Threat, in.Severity = rule.threat, rule.severity
			break
		}
	}
	in.TagsRemoved = len(tagPattern.FindAllStringIndex(q, -1))
	clean := q
	if in.TagsRemoved > 0 {
		clean = html.UnescapeString(tagPattern.ReplaceAllString(q, ""))
		if in.Threat == "" {
			in.Threat, in.Severity = "html_tags", "low"
		}
	}
	in.Query = strings.TrimSpace(clean)
	return in
}
