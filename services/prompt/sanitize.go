package prompt

import (
	"regexp"
	"sort"
	"strings"
)

// SecretType represents different types of secrets that can be detected
type SecretType string

const (
	SecretTypeAWSKey      SecretType = "aws_key"
	SecretTypeGCPKey      SecretType = "gcp_key"
	SecretTypePassword    SecretType = "password"
	SecretTypeToken       SecretType = "token"
	SecretTypePrivateKey  SecretType = "private_key"
	SecretTypeJWT         SecretType = "jwt"
	SecretTypeSlackToken  SecretType = "slack_token"
	SecretTypeGitHubToken SecretType = "github_token"
	SecretTypeStripeKey   SecretType = "stripe_key"
	SecretTypeOpenAIKey   SecretType = "openai_key"
	SecretTypeDatabaseURL SecretType = "database_url"
	SecretTypeConnection  SecretType = "connection_string"
)

// InjectionType represents different types of prompt injection attempts
type InjectionType string

const (
	InjectionTypeSystemPromptLeak    InjectionType = "system_prompt_leak"
	InjectionTypeRoleManipulation    InjectionType = "role_manipulation"
	InjectionTypeInstructionOverride InjectionType = "instruction_override"
	InjectionTypeDelimiterAttack     InjectionType = "delimiter_attack"
)

type secretPattern struct {
	kind SecretType
	re   *regexp.Regexp
}

type injectionPattern struct {
	kind       InjectionType
	re         *regexp.Regexp
	confidence float64
}

// Patterns applied to requester-written ticket text before it is sent to a model
var (
	secretPatterns = []secretPattern{
		{SecretTypePrivateKey, regexp.MustCompile(`-----BEGIN\s+(?:RSA\s+|EC\s+|DSA\s+|OPENSSH\s+)?PRIVATE\s+KEY-----[\s\S]*?(?:-----END\s+(?:RSA\s+|EC\s+|DSA\s+|OPENSSH\s+)?PRIVATE\s+KEY-----|$)`)},
		{SecretTypeAWSKey, regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
		{SecretTypeGCPKey, regexp.MustCompile(`\bAIza[0-9A-Za-z\-_]{35}\b`)},
		{SecretTypeJWT, regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`)},
		{SecretTypeSlackToken, regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9\-]{10,}`)},
		{SecretTypeGitHubToken, regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
		{SecretTypeStripeKey, regexp.MustCompile(`\b[sr]k_(?:live|test)_[0-9a-zA-Z]{24,}\b`)},
		{SecretTypeOpenAIKey, regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{20,}`)},
		{SecretTypeDatabaseURL, regexp.MustCompile(`(?i)\b(?:postgres|postgresql|mysql|mongodb|redis)://[^\s'"]+:[^\s'"]+@[^\s'"]+`)},
		{SecretTypeConnection, regexp.MustCompile(`(?i)(?:Server|Data\s+Source)=[^;]+;[^\n]*Password=[^;\s]+`)},
		{SecretTypeToken, regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9_\-\.=]{20,}`)},
		{SecretTypeToken, regexp.MustCompile(`(?i)\b(?:access[_\-]?)?token\s*[:=]\s*['"]?[A-Za-z0-9_\-\.]{20,}['"]?`)},
		{SecretTypePassword, regexp.MustCompile(`(?i)\b(?:password|passwd|pwd)\s*[:=]\s*['"]?[^\s'"]{6,}['"]?`)},
	}

	injectionPatterns = []injectionPattern{
		{InjectionTypeSystemPromptLeak, regexp.MustCompile(`(?i)ignore\s+(?:all\s+)?(?:previous|all|above|prior)\s+(?:instructions?|prompts?|commands?)`), 0.95},
		{InjectionTypeSystemPromptLeak, regexp.MustCompile(`(?i)(?:show|reveal|print|repeat)\s+(?:me\s+)?(?:your|the)\s+(?:system|original|initial|hidden)\s+(?:prompt|instructions?)`), 0.9},
		{InjectionTypeInstructionOverride, regexp.MustCompile(`(?i)disregard\s+(?:all|previous|above|any)\s+(?:instructions?|rules|commands?)`), 0.95},
		{InjectionTypeInstructionOverride, regexp.MustCompile(`(?i)forget\s+(?:everything|all\s+previous|what\s+you\s+(?:were\s+told|learned))`), 0.85},
		{InjectionTypeRoleManipulation, regexp.MustCompile(`(?i)from\s+now\s+on,?\s+you\s+(?:are|will)`), 0.85},
		{InjectionTypeRoleManipulation, regexp.MustCompile(`(?i)(?:pretend\s+to\s+be|assume\s+the\s+role\s+of)\s+`), 0.8},
		{InjectionTypeDelimiterAttack, regexp.MustCompile(`(?i)\[/?(?:SYSTEM|USER|ASSISTANT)\]|<\|(?:system|user|assistant|end)\|>|###\s*(?:SYSTEM|INSTRUCTION)`), 0.9},
	}
)

// Detection is one matched span
type Detection struct {
	Kind       string
	StartPos   int
	EndPos     int
	Confidence float64
}

// Report summarizes what sanitizing removed from a text
type Report struct {
	SecretsRedacted    int
	InjectionsRemoved  int
	InjectionRiskScore float64
}

// Merge adds other's counts and keeps the higher risk score
func (r *Report) Merge(other Report) {
	r.SecretsRedacted += other.SecretsRedacted
	r.InjectionsRemoved += other.InjectionsRemoved
	if other.InjectionRiskScore > r.InjectionRiskScore {
		r.InjectionRiskScore = other.InjectionRiskScore
	}
}

// DetectSecrets returns the non-overlapping secret spans in text
func DetectSecrets(text string) []Detection {
	var found []Detection
	for _, p := range secretPatterns {
		for _, m := range p.re.FindAllStringIndex(text, -1) {
			found = append(found, Detection{Kind: string(p.kind), StartPos: m[0], EndPos: m[1], Confidence: 1})
		}
	}
	return dedupe(found)
}

// DetectInjections returns the non-overlapping instruction-like spans in text
func DetectInjections(text string) []Detection {
	var found []Detection
	for _, p := range injectionPatterns {
		for _, m := range p.re.FindAllStringIndex(text, -1) {
			found = append(found, Detection{Kind: string(p.kind), StartPos: m[0], EndPos: m[1], Confidence: p.confidence})
		}
	}
	return dedupe(found)
}

// HasSecrets reports whether text contains a detectable secret
func HasSecrets(text string) bool {
	return len(DetectSecrets(text)) > 0
}

// Sanitize replaces secrets with a typed placeholder and instruction-like spans with
// [REMOVED]
func Sanitize(text string) (string, Report) {
	var report Report

	secrets := DetectSecrets(text)
	report.SecretsRedacted = len(secrets)
	text = replaceSpans(text, secrets, func(d Detection) string {
		return "[REDACTED_" + strings.ToUpper(d.Kind) + "]"
	})

	injections := DetectInjections(text)
	report.InjectionsRemoved = len(injections)
	for _, d := range injections {
		if d.Confidence > report.InjectionRiskScore {
			report.InjectionRiskScore = d.Confidence
		}
	}
	text = replaceSpans(text, injections, func(Detection) string { return "[REMOVED]" })

	return text, report
}

// dedupe sorts by position and drops spans overlapping an earlier, longer one
func dedupe(found []Detection) []Detection {
	sort.Slice(found, func(i, j int) bool {
		if found[i].StartPos != found[j].StartPos {
			return found[i].StartPos < found[j].StartPos
		}
		return found[i].EndPos > found[j].EndPos
	})
	out := found[:0]
	end := -1
	for _, d := range found {
		if d.StartPos < end {
			continue
		}
		out = append(out, d)
		end = d.EndPos
	}
	return out
}

// replaceSpans expects sorted, non-overlapping spans
func replaceSpans(text string, spans []Detection, placeholder func(Detection) string) string {
	if len(spans) == 0 {
		return text
	}
	out := make([]byte, 0, len(text))
	last := 0
	for _, d := range spans {
		out = append(out, text[last:d.StartPos]...)
		out = append(out, placeholder(d)...)
		last = d.EndPos
	}
	out = append(out, text[last:]...)
	return string(out)
}
