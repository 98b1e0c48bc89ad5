// internal/ai/gateway.go
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

	"github.com/tidwall/gjson"

	"silk-kcal/internal/logger"
	"silk-kcal/internal/models"
)

const (
	DefaultProxyURL     = "http://mcp-compose-http-proxy:9876"
	DefaultGatewayModel = "google/gemini-2.0-flash-001"
)

// Gateway reaches an OpenRouter model through the openrouter-gateway tool
// of an MCP HTTP proxy.
type Gateway struct {
	httpClient *http.Client
	proxyURL   string
	apiKey     string
	model      string
}

func NewGateway(proxyURL, apiKey, model string) *Gateway {
	if proxyURL == "" {
		proxyURL = DefaultProxyURL
	}
	if model == "" {
		model = DefaultGatewayModel
	}

	return &Gateway{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		proxyURL: strings.TrimRight(proxyURL, "/"),
		apiKey:   apiKey,
		model:    model,
	}
}

func (g *Gateway) AnalyzeImage(ctx context.Context, image []byte) (*models.NutritionData, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("image is empty")
	}

	mimeType := http.DetectContentType(image)
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = "image/jpeg"
	}
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)

	content := []map[string]interface{}{
		{"type": "text", "text": imagePrompt},
		{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
	}
	text, err := g.complete(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze image: %w", err)
	}
	return parseNutrition(text)
}

func (g *Gateway) AnalyzeText(ctx context.Context, description string) (*models.NutritionData, error) {
	text, err := g.complete(ctx, textPrompt(description))
	if err != nil {
		return nil, fmt.Errorf("failed to analyze description: %w", err)
	}
	return parseNutrition(text)
}

func (g *Gateway) AnalyzeDaily(ctx context.Context, records []models.HistoryRecord, goal, targetCalories string) (*models.DailyAnalysisResult, error) {
	text, err := g.complete(ctx, dailyPrompt(records, goal, targetCalories))
	if err != nil {
		return nil, fmt.Errorf("failed to analyze day: %w", err)
	}
	return parseDaily(text)
}

// complete runs one create_completion call. content is a plain prompt or a
// list of multimodal parts.
func (g *Gateway) complete(ctx context.Context, content interface{}) (string, error) {
	completionRequest := map[string]interface{}{
		"model":         g.model,
		"system_prompt": systemInstruction,
		"messages": []map[string]interface{}{
			{
				"role":    "user",
				"content": content,
			},
		},
		"max_tokens":  1000,
		"temperature": 0.1,
	}

	gatewayResponse, err := g.callGateway(ctx, "create_completion", completionRequest)
	if err != nil {
		return "", fmt.Errorf("failed to get AI completion: %w", err)
	}

	// The tool returns the completion as a JSON document carrying "content".
	if c := gjson.Get(gatewayResponse, "content"); c.Type == gjson.String {
		return c.String(), nil
	}
	return gatewayResponse, nil
}

func (g *Gateway) callGateway(ctx context.Context, toolName string, args interface{}) (string, error) {
	url := fmt.Sprintf("%s/openrouter-gateway", g.proxyURL)

	requestData := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]interface{}{
			"name":      toolName,
			"arguments": args,
		},
	}

	jsonData, err := json.Marshal(requestData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	logger.Debug("Calling %s on %s with model %s", toolName, url, g.model)

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
		return "", fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	res := gjson.ParseBytes(body)
	if msg := res.Get("error.message"); msg.Exists() {
		return "", fmt.Errorf("gateway error: %s", msg.String())
	}
	if res.Get("result.isError").Bool() {
		return "", fmt.Errorf("gateway tool error: %s", res.Get("result.content.0.text").String())
	}

	text := res.Get("result.content.0.text")
	if text.Type != gjson.String {
		return "", fmt.Errorf("%w: unexpected gateway response format", ErrMalformedResponse)
	}
	return text.String(), nil
}
