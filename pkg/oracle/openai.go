package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"

	"github.com/hwgrade/hwgrade/internal/utils"
)

const (
	defaultModel   = "gpt-5-mini"
	defaultBaseURL = "https://api.openai.com/v1"
)

type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type openAIScorer struct {
	apiKey   string
	model    string
	endpoint string
	rubric   string
	timeout  time.Duration
	client   httpClient
	log      Logger
}

func newOpenAIScorer(cfg Config) (*openAIScorer, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil
	// Hand the final response back so the API's error message can be read.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if cfg.HTTPClient != nil {
		rc.HTTPClient = cfg.HTTPClient
	}

	return &openAIScorer{
		apiKey:   strings.TrimSpace(cfg.APIKey),
		model:    model,
		endpoint: baseURL + "/chat/completions",
		rubric:   cfg.Rubric,
		timeout:  cfg.Timeout,
		client:   rc.StandardClient(),
		log:      cfg.Log,
	}, nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Score sends the source to a chat-completions endpoint. Temperature is left
// at the server default: several models reject any other value.
func (s *openAIScorer) Score(ctx context.Context, source string) (Decision, error) {
	if err := checkRequest(s.apiKey, source); err != nil {
		return Decision{}, err
	}
	log := logger(s.log)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model: s.model,
		Messages: []chatMessage{
			{Role: "system", Content: s.rubric},
			{Role: "user", Content: userPrefix + source},
		},
	})
	if err != nil {
		return Decision{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Decision{}, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	log.Debugf("[oracle] POST %s model=%s (%d chars)", s.endpoint, s.model, len(source))
	resp, err := s.client.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("scoring request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Decision{}, fmt.Errorf("read scoring response: %w", err)
	}

	if resp.StatusCode >= 300 {
		if msg := gjson.GetBytes(raw, "error.message").String(); msg != "" {
			return Decision{}, fmt.Errorf("scoring oracle: %s", msg)
		}
		return Decision{}, fmt.Errorf("scoring oracle failed with HTTP %d", resp.StatusCode)
	}

	content := strings.TrimSpace(gjson.GetBytes(raw, "choices.0.message.content").String())
	if content == "" {
		return Decision{}, errors.New("scoring oracle returned an empty response")
	}
	log.Debugf("[oracle] reply: %s", utils.Truncate(content, 200))

	return ParseResponse(content)
}
