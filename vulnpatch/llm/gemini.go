package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultGeminiBase  = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel = "gemini-2.5-flash"
	defaultTimeout     = 30 * time.Second
)

// Gemini calls the generateContent REST endpoint.
type Gemini struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewGemini(cfg Config) *Gemini {
	base := cfg.BaseURL
	if base == "" {
		base = defaultGeminiBase
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Gemini{
		apiKey:  cfg.APIKey,
		model:   model,
		baseURL: strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *Gemini) Name() string    { return "gemini" }
func (g *Gemini) Available() bool { return g.apiKey != "" }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig struct {
		Temperature      float64 `json:"temperature"`
		ResponseMimeType string  `json:"responseMimeType"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate sends prompt and returns the concatenated text of the first
// candidate.
func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	var body geminiRequest
	body.Contents = []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}}
	body.GenerationConfig.Temperature = 0.2
	body.GenerationConfig.ResponseMimeType = "application/json"

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode gemini request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build gemini request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read gemini response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gemini returned status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var out geminiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode gemini response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("gemini error %d: %s", out.Error.Code, out.Error.Message)
	}
	if len(out.Candidates) == 0 {
		return "", fmt.Errorf("gemini returned no candidates")
	}

	var sb strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("gemini returned empty content (finish reason %s)", out.Candidates[0].FinishReason)
	}
	return sb.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
