package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/hwgrade/hwgrade/internal/utils"
)

const defaultGeminiModel = "gemini-2.5-flash"

type geminiScorer struct {
	client  *genai.Client
	apiKey  string
	model   string
	rubric  string
	timeout time.Duration
	log     Logger
}

func newGeminiScorer(cfg Config) (*geminiScorer, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultGeminiModel
	}

	cc := &genai.ClientConfig{
		APIKey:     strings.TrimSpace(cfg.APIKey),
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}

	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &geminiScorer{
		client:  client,
		apiKey:  cc.APIKey,
		model:   model,
		rubric:  cfg.Rubric,
		timeout: cfg.Timeout,
		log:     cfg.Log,
	}, nil
}

func (s *geminiScorer) Score(ctx context.Context, source string) (Decision, error) {
	if err := checkRequest(s.apiKey, source); err != nil {
		return Decision{}, err
	}
	log := logger(s.log)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	log.Debugf("[oracle] gemini model=%s (%d chars)", s.model, len(source))
	resp, err := s.client.Models.GenerateContent(ctx, s.model, genai.Text(userPrefix+source), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(s.rubric, genai.RoleUser),
	})
	if err != nil {
		return Decision{}, fmt.Errorf("GenAI generate failed: %w", err)
	}

	content := strings.TrimSpace(resp.Text())
	if content == "" {
		return Decision{}, errors.New("scoring oracle returned an empty response")
	}
	log.Debugf("[oracle] reply: %s", utils.Truncate(content, 200))

	return ParseResponse(content)
}
