// Package healing is the self-healing execution loop: an error pattern
// analyzer that classifies failures, a fix verifier that gates repairs on
// test outcomes, an execution history logger that feeds metrics and
// insights, and the retry loop the workflow engine wraps around node
// executors.
package healing

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/crewforge/crewforge/pkg/models"
)

// Category classifies an error into a recovery family.
type Category string

// Error categories covered by the default pattern registry.
const (
	CategoryNetwork        Category = "network"
	CategoryTimeout        Category = "timeout"
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryResource       Category = "resource_exhaustion"
	CategoryValidation     Category = "validation"
	CategoryDependency     Category = "dependency_missing"
	CategoryRateLimit      Category = "rate_limit"
	CategoryServer         Category = "server_error"
	CategoryUnknown        Category = "unknown"
)

// Recovery suggestions emitted by the default registry.
const (
	SuggestRetryWithBackoff = "retry_with_backoff"
	SuggestEscalate         = "escalate"
)

// Pattern is one registry entry. An error matches when any regex matches or
// any keyword occurs in the lowercased message; regex matches carry higher
// confidence.
type Pattern struct {
	Category    Category
	Severity    models.Severity
	Transient   bool
	MaxRetries  int
	Regexes     []*regexp.Regexp
	Keywords    []string
	Suggestions []string
}

// Classification is the analyzer's verdict on one error message.
type Classification struct {
	Category           Category        `json:"category"`
	Severity           models.Severity `json:"severity"`
	Transient          bool            `json:"transient"`
	RecommendedRetries int             `json:"recommended_retries"`
	Suggestions        []string        `json:"recovery_suggestions"`
	MatchedPattern     string          `json:"matched_pattern,omitempty"`
	Confidence         float64         `json:"confidence"`

	// Hash identifies the normalized message for deduplication;
	// RecentCount is how often this hash was seen in the last hour.
	Hash        string `json:"hash"`
	RecentCount int    `json:"recent_count"`
}

// Analyzer classifies error messages against a pattern registry and tracks
// per-hash frequency over a sliding hour.
type Analyzer struct {
	mu       sync.Mutex
	patterns []Pattern
	seen     map[string][]time.Time
	now      func() time.Time
}

// NewAnalyzer creates an analyzer with the default registry.
func NewAnalyzer() *Analyzer {
	return &Analyzer{
		patterns: defaultPatterns(),
		seen:     make(map[string][]time.Time),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RegisterPattern prepends a pattern so it takes precedence over the
// defaults.
func (a *Analyzer) RegisterPattern(p Pattern) {
	a.mu.Lock()
	a.patterns = append([]Pattern{p}, a.patterns...)
	a.mu.Unlock()
}

// Classify matches the message against the registry, records the normalized
// hash, and returns the classification. Unmatched errors fall back to the
// unknown category: medium severity, one retry, retry then escalate.
func (a *Analyzer) Classify(message string) Classification {
	normalized := Normalize(message)
	sum := sha256.Sum256([]byte(normalized))
	hash := hex.EncodeToString(sum[:8])

	cls := Classification{
		Category:           CategoryUnknown,
		Severity:           models.SeverityMedium,
		Transient:          false,
		RecommendedRetries: 1,
		Suggestions:        []string{SuggestRetryWithBackoff, SuggestEscalate},
		Confidence:         0.3,
		Hash:               hash,
	}

	lower := strings.ToLower(message)
	a.mu.Lock()
	defer a.mu.Unlock()

matching:
	for _, p := range a.patterns {
		for _, re := range p.Regexes {
			if re.MatchString(message) {
				applyPattern(&cls, p, re.String(), 0.9)
				break matching
			}
		}
		for _, kw := range p.Keywords {
			if strings.Contains(lower, kw) {
				applyPattern(&cls, p, kw, 0.7)
				break matching
			}
		}
	}

	cls.RecentCount = a.observe(hash)
	return cls
}

func applyPattern(cls *Classification, p Pattern, matched string, confidence float64) {
	cls.Category = p.Category
	cls.Severity = p.Severity
	cls.Transient = p.Transient
	cls.RecommendedRetries = p.MaxRetries
	cls.Suggestions = p.Suggestions
	cls.MatchedPattern = matched
	cls.Confidence = confidence
}

// observe records one occurrence and returns the count within the trailing
// hour, including this one. Callers hold a.mu.
func (a *Analyzer) observe(hash string) int {
	now := a.now()
	cutoff := now.Add(-time.Hour)
	recent := a.seen[hash][:0]
	for _, ts := range a.seen[hash] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	recent = append(recent, now)
	a.seen[hash] = recent
	return len(recent)
}

var (
	uuidRe = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	hexRe  = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	intRe  = regexp.MustCompile(`\b\d+\b`)
)

// Normalize rewrites the volatile parts of an error message so repeats of
// the same failure hash identically: UUIDs become UUID, hex addresses
// become ADDR, integers become N.
func Normalize(message string) string {
	out := uuidRe.ReplaceAllString(message, "UUID")
	out = hexRe.ReplaceAllString(out, "ADDR")
	out = intRe.ReplaceAllString(out, "N")
	return out
}

func defaultPatterns() []Pattern {
	return []Pattern{
		{
			Category:   CategoryTimeout,
			Severity:   models.SeverityMedium,
			Transient:  true,
			MaxRetries: 3,
			Regexes: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(deadline exceeded|timed? ?out)`),
			},
			Keywords:    []string{"timeout", "deadline exceeded"},
			Suggestions: []string{SuggestRetryWithBackoff, "increase_timeout"},
		},
		{
			Category:   CategoryRateLimit,
			Severity:   models.SeverityMedium,
			Transient:  true,
			MaxRetries: 3,
			Regexes: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(rate.?limit|too many requests|status(:| code)? 429)`),
			},
			Keywords:    []string{"rate limit", "429", "throttled"},
			Suggestions: []string{SuggestRetryWithBackoff, "reduce_request_rate"},
		},
		{
			Category:   CategoryAuthentication,
			Severity:   models.SeverityHigh,
			Transient:  false,
			MaxRetries: 0,
			Regexes: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(unauthenticated|invalid (credentials|token|api.?key)|status(:| code)? 401)`),
			},
			Keywords:    []string{"authentication failed", "401", "token expired"},
			Suggestions: []string{"refresh_credentials", SuggestEscalate},
		},
		{
			Category:   CategoryAuthorization,
			Severity:   models.SeverityHigh,
			Transient:  false,
			MaxRetries: 0,
			Regexes: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(forbidden|permission denied|access denied|status(:| code)? 403)`),
			},
			Keywords:    []string{"forbidden", "403", "not authorized"},
			Suggestions: []string{"verify_permissions", SuggestEscalate},
		},
		{
			Category:   CategoryResource,
			Severity:   models.SeverityHigh,
			Transient:  true,
			MaxRetries: 2,
			Regexes: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(out of memory|oom.?killed|no space left|resource (temporarily )?unavailable|quota exceeded)`),
			},
			Keywords:    []string{"out of memory", "disk full", "quota exceeded"},
			Suggestions: []string{SuggestRetryWithBackoff, "scale_resources"},
		},
		{
			Category:   CategoryValidation,
			Severity:   models.SeverityMedium,
			Transient:  false,
			MaxRetries: 0,
			Regexes: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(validation (failed|error)|invalid (input|argument|payload)|malformed)`),
			},
			Keywords:    []string{"validation failed", "invalid input", "schema"},
			Suggestions: []string{"fix_input", SuggestEscalate},
		},
		{
			Category:   CategoryDependency,
			Severity:   models.SeverityHigh,
			Transient:  false,
			MaxRetries: 0,
			Regexes: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(no such (file|module|package)|module not found|import error|command not found)`),
			},
			Keywords:    []string{"not installed", "missing dependency", "modulenotfound"},
			Suggestions: []string{"install_dependency", SuggestEscalate},
		},
		{
			Category:   CategoryServer,
			Severity:   models.SeverityMedium,
			Transient:  true,
			MaxRetries: 3,
			Regexes: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(status(:| code)? 5\d\d|internal server error|bad gateway|service unavailable)`),
			},
			Keywords:    []string{"502", "503", "internal server error"},
			Suggestions: []string{SuggestRetryWithBackoff, "check_service_status"},
		},
		// Network goes last: its keywords are broad and several categories
		// above are network-adjacent but more specific.
		{
			Category:   CategoryNetwork,
			Severity:   models.SeverityMedium,
			Transient:  true,
			MaxRetries: 3,
			Regexes: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(connection (refused|reset|closed)|no route to host|\bdns\b|broken pipe|\beof\b)`),
			},
			Keywords:    []string{"connection refused", "network", "unreachable"},
			Suggestions: []string{SuggestRetryWithBackoff, "check_connectivity"},
		},
	}
}
