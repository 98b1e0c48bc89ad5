// internal/ai/gemini.go
package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"silk-kcal/internal/logger"
	"silk-kcal/internal/models"
)

const (
	DefaultGeminiEndpoint = "https://generativelanguage.googleapis.com/v1beta"
	DefaultGeminiModel    = "gemini-2.0-flash"
)

// Gemini calls the generateContent REST endpoint with a JSON response schema.
type Gemini struct {
	apiKey     string
	endpoint   string
	model      string
	httpClient *http.Client
}

type GeminiOption func(*Gemini)

func WithGeminiModel(model string) GeminiOption {
	return func(g *Gemini) {
		if model != "" {
			g.model = model
		}
	}
}

func WithGeminiEndpoint(endpoint string) GeminiOption {
	return func(g *Gemini) {
		if endpoint != "" {
			g.endpoint = strings.TrimRight(endpoint, "/")
		}
	}
}

func WithGeminiTimeout(d time.Duration) GeminiOption {
	return func(g *Gemini) {
		g.httpClient.Timeout = d
	}
}

func NewGemini(apiKey string, opts ...GeminiOption) *Gemini {
	g := &Gemini{
		apiKey:   apiKey,
		endpoint: DefaultGeminiEndpoint,
		model:    DefaultGeminiModel,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type geminiRequest struct {
	SystemInstruction *geminiContent        `json:"systemInstruction,omitempty"`
	Contents          []geminiContent       `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	ResponseMimeType string       `json:"responseMimeType"`
	ResponseSchema   geminiSchema `json:"responseSchema"`
}

type geminiSchema struct {
	Type       string                  `json:"type"`
	Properties map[string]geminiSchema `json:"properties,omitempty"`
	Required   []string                `json:"required,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func responseSchema(fields []field) geminiSchema {
	s := geminiSchema{Type: "OBJECT", Properties: make(map[string]geminiSchema, len(fields))}
	for _, f := range fields {
		t := "STRING"
		if f.kind == kindCount {
			t = "INTEGER"
		}
		s.Properties[f.name] = geminiSchema{Type: t}
		s.Required = append(s.Required, f.name)
	}
	return s
}

func (g *Gemini) AnalyzeImage(ctx context.Context, image []byte) (*models.NutritionData, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("image is empty")
	}

	mimeType := http.DetectContentType(image)
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = "image/jpeg"
	}

	parts := []geminiPart{
		{InlineData: &geminiInlineData{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(image)}},
		{Text: imagePrompt},
	}
	text, err := g.generate(ctx, parts, nutritionSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze image: %w", err)
	}
	return parseNutrition(text)
}

func (g *Gemini) AnalyzeText(ctx context.Context, description string) (*models.NutritionData, error) {
	text, err := g.generate(ctx, []geminiPart{{Text: textPrompt(description)}}, nutritionSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze description: %w", err)
	}
	return parseNutrition(text)
}

func (g *Gemini) AnalyzeDaily(ctx context.Context, records []models.HistoryRecord, goal, targetCalories string) (*models.DailyAnalysisResult, error) {
	text, err := g.generate(ctx, []geminiPart{{Text: dailyPrompt(records, goal, targetCalories)}}, dailySchema)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze day: %w", err)
	}
	return parseDaily(text)
}

func (g *Gemini) generate(ctx context.Context, parts []geminiPart, schema []field) (string, error) {
	reqBody := geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: systemInstruction}}},
		Contents:          []geminiContent{{Parts: parts}},
		GenerationConfig: geminiGenerationConfig{
			ResponseMimeType: "application/json",
			ResponseSchema:   responseSchema(schema),
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.endpoint, g.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	logger.Debug("Calling Gemini model %s", g.model)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gemini request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var response geminiResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(response.Candidates) == 0 || len(response.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%w: no candidates in response", ErrMalformedResponse)
	}

	var text strings.Builder
	for _, p := range response.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	return text.String(), nil
}
