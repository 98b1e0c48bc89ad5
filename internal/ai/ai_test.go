package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"silk-kcal/internal/logger"
	"silk-kcal/internal/models"
)

func init() {
	logger.SetOutput(io.Discard)
}

const validNutrition = `{"foodName":"Beef noodles","calories":620,"protein":"32g","carbs":"78g","fat":"18g","explanation":"Filling but salty."}`

func TestParseNutrition(t *testing.T) {
	fenced := "```json\n" + validNutrition + "\n```"
	n, err := parseNutrition(fenced)
	if err != nil {
		t.Fatalf("parseNutrition failed: %v", err)
	}
	if n.FoodName != "Beef noodles" || n.Calories != 620 || n.Protein != "32g" {
		t.Errorf("unexpected result: %+v", n)
	}
}

func TestParseNutritionRejectsDeviations(t *testing.T) {
	cases := map[string]string{
		"missing calories": `{"foodName":"Rice","protein":"4g","carbs":"45g","fat":"0g","explanation":""}`,
		"null calories":    `{"foodName":"Rice","calories":null,"protein":"4g","carbs":"45g","fat":"0g","explanation":""}`,
		"string calories":  `{"foodName":"Rice","calories":"200","protein":"4g","carbs":"45g","fat":"0g","explanation":""}`,
		"fractional":       `{"foodName":"Rice","calories":200.5,"protein":"4g","carbs":"45g","fat":"0g","explanation":""}`,
		"negative":         `{"foodName":"Rice","calories":-1,"protein":"4g","carbs":"45g","fat":"0g","explanation":""}`,
		"numeric protein":  `{"foodName":"Rice","calories":200,"protein":4,"carbs":"45g","fat":"0g","explanation":""}`,
		"extra field":      `{"foodName":"Rice","calories":200,"protein":"4g","carbs":"45g","fat":"0g","explanation":"","sugar":"1g"}`,
		"not json":         `I cannot analyze this image.`,
	}
	for name, body := range cases {
		if _, err := parseNutrition(body); !errors.Is(err, ErrMalformedResponse) {
			t.Errorf("%s: expected ErrMalformedResponse, got %v", name, err)
		}
	}
}

func TestParseDaily(t *testing.T) {
	d, err := parseDaily(`Here you go: {"totalCalories":1400,"goalAssessment":"On target","suggestions":"More vegetables","goalCompletion":"Goal met"}`)
	if err != nil {
		t.Fatalf("parseDaily failed: %v", err)
	}
	if d.TotalCalories != 1400 || d.GoalCompletion != "Goal met" {
		t.Errorf("unexpected result: %+v", d)
	}

	if _, err := parseDaily(`{"totalCalories":1400,"goalAssessment":"On target"}`); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("expected ErrMalformedResponse, got %v", err)
	}
}

func geminiReply(text string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"candidates": []interface{}{
			map[string]interface{}{
				"content": map[string]interface{}{
					"parts": []interface{}{map[string]string{"text": text}},
				},
			},
		},
	})
	return string(b)
}

func TestGeminiAnalyzeImage(t *testing.T) {
	var gotBody []byte
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(geminiReply(validNutrition)))
	}))
	defer srv.Close()

	g := NewGemini("k1", WithGeminiEndpoint(srv.URL), WithGeminiModel("test-model"))
	png := []byte("\x89PNG\r\n\x1a\n0000")
	n, err := g.AnalyzeImage(context.Background(), png)
	if err != nil {
		t.Fatalf("AnalyzeImage failed: %v", err)
	}
	if n.Calories != 620 {
		t.Errorf("unexpected calories %d", n.Calories)
	}

	if gotPath != "/models/test-model:generateContent" || gotKey != "k1" {
		t.Errorf("unexpected request %s key=%s", gotPath, gotKey)
	}
	req := gjson.ParseBytes(gotBody)
	if req.Get("contents.0.parts.0.inlineData.mimeType").String() != "image/png" {
		t.Errorf("unexpected mime type in %s", gotBody)
	}
	if req.Get("generationConfig.responseSchema.properties.calories.type").String() != "INTEGER" {
		t.Errorf("calories not declared as INTEGER: %s", gotBody)
	}
	if len(req.Get("generationConfig.responseSchema.required").Array()) != 6 {
		t.Errorf("expected six required fields: %s", gotBody)
	}
}

func TestGeminiMissingCaloriesFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(geminiReply(`{"foodName":"Toast","protein":"3g","carbs":"20g","fat":"1g","explanation":"ok"}`)))
	}))
	defer srv.Close()

	g := NewGemini("k", WithGeminiEndpoint(srv.URL))
	if _, err := g.AnalyzeImage(context.Background(), []byte{0xff, 0xd8, 0xff}); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestGeminiHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"quota"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := NewGemini("k", WithGeminiEndpoint(srv.URL))
	_, err := g.AnalyzeText(context.Background(), "two eggs")
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestGatewayAnalyzeDaily(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openrouter-gateway" || r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		gotBody, _ = io.ReadAll(r.Body)
		completion, _ := json.Marshal(map[string]string{
			"content": "```json\n" + `{"totalCalories":1400,"goalAssessment":"ok","suggestions":"walk","goalCompletion":"Goal met"}` + "\n```",
		})
		reply, _ := json.Marshal(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"result": map[string]interface{}{
				"content": []interface{}{map[string]string{"type": "text", "text": string(completion)}},
			},
		})
		w.Write(reply)
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, "secret", "")
	records := []models.HistoryRecord{
		{MealType: models.Breakfast, Data: models.NutritionData{FoodName: "oats", Calories: 300}},
		{MealType: models.Lunch, Data: models.NutritionData{FoodName: "rice", Calories: 600}},
	}
	d, err := g.AnalyzeDaily(context.Background(), records, models.GoalLoseWeight, "1800")
	if err != nil {
		t.Fatalf("AnalyzeDaily failed: %v", err)
	}
	if d.TotalCalories != 1400 {
		t.Errorf("unexpected total %d", d.TotalCalories)
	}

	req := gjson.ParseBytes(gotBody)
	if req.Get("method").String() != "tools/call" || req.Get("params.name").String() != "create_completion" {
		t.Errorf("unexpected envelope: %s", gotBody)
	}
	if req.Get("params.arguments.model").String() != DefaultGatewayModel {
		t.Errorf("expected default model: %s", gotBody)
	}
	prompt := req.Get("params.arguments.messages.0.content").String()
	if !strings.Contains(prompt, "oats") || !strings.Contains(prompt, "1800") {
		t.Errorf("prompt lacks records or target: %s", prompt)
	}
}

func TestGatewayToolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"isError":true,"content":[{"type":"text","text":"model unavailable"}]}}`))
	}))
	defer srv.Close()

	_, err := NewGateway(srv.URL, "k", "m").AnalyzeText(context.Background(), "soup")
	if err == nil || !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected tool error, got %v", err)
	}
}
