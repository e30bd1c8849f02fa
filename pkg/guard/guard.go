// Package guard screens agent responses for prompt leakage before they
// reach the user. Two independent checks run in order: a keyword scan for
// instruction-shaped vocabulary, then an n-gram overlap measurement
// against the system prompt. Either one replaces the whole response with
// a safe redirect.
package guard

import (
	"regexp"
	"strings"
)

const (
	// Replacement when the keyword scan fires.
	safeRedirectKeyword = "Let us turn our attention to what truly matters - your wellbeing. What challenges are you facing?"

	// Replacement when the overlap check fires.
	safeRedirectOverlap = "I'd rather focus on what brings you here today. What's weighing on your mind?"

	defaultNgramSize = 5
	defaultThreshold = 0.3
)

// ReasonKeyword and ReasonOverlap identify which check blocked a response.
const (
	ReasonKeyword = "keyword"
	ReasonOverlap = "overlap"
)

var leakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)psych.?update`),
	regexp.MustCompile(`(?i)detected.?patterns`),
	regexp.MustCompile(`(?i)emotional.?state`),
	regexp.MustCompile(`(?i)confidence.?(?:score|float|0\.\d)`),
	regexp.MustCompile(`(?i)json.?object.?containing`),
	regexp.MustCompile(`(?i)output.?format`),
	regexp.MustCompile(`(?i)system.?(?:prompt|message|instruction)`),
	regexp.MustCompile(`(?i)persona.?directive`),
	regexp.MustCompile(`(?i)safety.?protocol`),
	regexp.MustCompile(`(?i)meta.?instruction`),
}

// Result reports what the guard did with a response.
type Result struct {
	Text    string
	Blocked bool
	Reason  string
}

// Guard holds the system prompt's n-gram fingerprint. Safe to share across
// goroutines once constructed.
type Guard struct {
	ngramSize    int
	threshold    float64
	promptNgrams map[string]struct{}
}

// Option configures a Guard.
type Option func(*Guard)

// WithNgramSize overrides the n-gram length used for overlap detection.
func WithNgramSize(k int) Option {
	return func(g *Guard) {
		if k > 0 {
			g.ngramSize = k
		}
	}
}

// WithThreshold overrides the per-sentence overlap ratio that triggers a
// block.
func WithThreshold(t float64) Option {
	return func(g *Guard) {
		if t > 0 {
			g.threshold = t
		}
	}
}

// New builds a guard over the given system prompt.
func New(systemPrompt string, opts ...Option) *Guard {
	g := &Guard{
		ngramSize: defaultNgramSize,
		threshold: defaultThreshold,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.promptNgrams = ngramSet(normalize(systemPrompt), g.ngramSize)
	return g
}

// Check screens a response. Blocked responses are replaced wholesale with
// a safe redirect; the guard is idempotent, so redirects pass unchanged.
func (g *Guard) Check(response string) Result {
	for _, pattern := range leakPatterns {
		if pattern.MatchString(response) {
			return Result{Text: safeRedirectKeyword, Blocked: true, Reason: ReasonKeyword}
		}
	}

	if len(g.promptNgrams) > 0 {
		for _, sentence := range splitSentences(response) {
			grams := ngramSet(normalize(sentence), g.ngramSize)
			if len(grams) == 0 {
				continue
			}
			shared := 0
			for gram := range grams {
				if _, ok := g.promptNgrams[gram]; ok {
					shared++
				}
			}
			if float64(shared)/float64(len(grams)) >= g.threshold {
				return Result{Text: safeRedirectOverlap, Blocked: true, Reason: ReasonOverlap}
			}
		}
	}

	return Result{Text: response}
}

// normalize lowercases, strips punctuation, and collapses whitespace so
// that overlap comparison is robust to superficial rewording.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func ngramSet(normalized string, k int) map[string]struct{} {
	words := strings.Fields(normalized)
	set := make(map[string]struct{})
	if len(words) < k {
		return set
	}
	for i := 0; i+k <= len(words); i++ {
		set[strings.Join(words[i:i+k], " ")] = struct{}{}
	}
	return set
}

func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
