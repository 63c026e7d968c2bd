// Package oracle asks a language model to grade C++ source text.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// Decision is what the oracle thinks of one submission.
type Decision struct {
	// Score is kept as text: the grid only accepts its own enumerated labels.
	Score   string
	Comment string
}

// Config controls how the scoring oracle is reached.
type Config struct {
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	Timeout    time.Duration
	RetryMax   int
	Rubric     string
	HTTPClient *http.Client
	// Log receives request and reply traces. Nil discards them.
	Log Logger
}

// Logger is the subset of logrus the scorers use.
type Logger interface {
	Debugf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}

// Scorer turns C++ source text into a score and a comment.
type Scorer interface {
	Score(ctx context.Context, source string) (Decision, error)
}

var (
	// ErrMissingCredential is returned when no API key is configured.
	ErrMissingCredential = errors.New("no API key configured for the scoring oracle (set AI_API_KEY or ai.api_key)")
	// ErrEmptySource is returned for empty or whitespace-only source text.
	ErrEmptySource = errors.New("source text is empty")
	// ErrNoScore is returned when the response has no numeric line.
	ErrNoScore = errors.New("oracle response contains no score")
)

const (
	defaultProvider = "openai"
	defaultTimeout  = 30 * time.Second
)

// Rubric is the fixed grading instruction sent as the system message.
const Rubric = `You are a teaching assistant grading C++ homework written by first-year university students.
Score each submission out of 10 (the class average is about 8). Do not be too strict: a submission that does well on any one dimension may receive a high score.
1. Correctness: the code meets the assignment and its logic has no holes.
2. Style: consistent naming, tidy indentation, clear structure.
3. Comments: key steps are commented so the code is easy to follow.
4. Concision: no redundant code, an efficient implementation.
Output format:
Line 1: the score only, as a number (for example: 8.5)
Line 2: a short comment (for example: correct logic and clear naming; the loop structure could be simplified)`

const userPrefix = "Please grade the following C++ code:\n"

// New builds a Scorer for the configured provider.
func New(cfg Config) (Scorer, error) {
	cfg.Provider = strings.TrimSpace(strings.ToLower(cfg.Provider))
	if cfg.Provider == "" {
		cfg.Provider = defaultProvider
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingCredential
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if strings.TrimSpace(cfg.Rubric) == "" {
		cfg.Rubric = Rubric
	}
	if cfg.Log == nil {
		cfg.Log = nopLogger{}
	}

	switch cfg.Provider {
	case "openai":
		return newOpenAIScorer(cfg)
	case "gemini":
		return newGeminiScorer(cfg)
	default:
		return nil, fmt.Errorf("unsupported AI provider: %s", cfg.Provider)
	}
}

var numberRe = regexp.MustCompile(`\d+(?:\.\d+)?`)

// ParseResponse reads the oracle's reply. The expected shape is a bare number
// on the first line and a comment on the second, but any layout works: the
// first line holding a number gives the score and every other non-blank line
// that is not just digits joins the comment.
func ParseResponse(text string) (Decision, error) {
	var d Decision
	var comment []string
	found := false
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		trimmed := strings.TrimSpace(line)
		if m := numberRe.FindString(line); m != "" && !found {
			d.Score = m
			found = true
			continue
		}
		if trimmed != "" && !allDigits(trimmed) {
			comment = append(comment, trimmed)
		}
	}
	if !found {
		return Decision{}, ErrNoScore
	}
	d.Comment = strings.Join(comment, " ")
	return d, nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// checkRequest runs before any request leaves the process.
func checkRequest(apiKey, source string) error {
	if strings.TrimSpace(apiKey) == "" {
		return ErrMissingCredential
	}
	if strings.TrimSpace(source) == "" {
		return ErrEmptySource
	}
	return nil
}

// logger falls back to discarding for scorers built without New.
func logger(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}
