package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ThinkInAIXYZ/go-mcp/client"
	"github.com/ThinkInAIXYZ/go-mcp/protocol"
	"github.com/ThinkInAIXYZ/go-mcp/transport"

	"silk-kcal/internal/app"
	"silk-kcal/internal/backend/backendtest"
	"silk-kcal/internal/logger"
	"silk-kcal/internal/models"
)

func init() {
	logger.SetOutput(io.Discard)
}

type stubAnalyzer struct{}

func (stubAnalyzer) AnalyzeImage(context.Context, []byte) (*models.NutritionData, error) {
	return &models.NutritionData{FoodName: "Ramen", Calories: 550, Protein: "20g", Carbs: "70g", Fat: "18g"}, nil
}

func (stubAnalyzer) AnalyzeText(_ context.Context, description string) (*models.NutritionData, error) {
	if description == "mystery" {
		return nil, errors.New("model unavailable")
	}
	return &models.NutritionData{FoodName: description, Calories: 300, Protein: "10g", Carbs: "40g", Fat: "9g"}, nil
}

func (stubAnalyzer) AnalyzeDaily(_ context.Context, records []models.HistoryRecord, goal, target string) (*models.DailyAnalysisResult, error) {
	total := 0
	for _, r := range records {
		total += r.Data.Calories
	}
	return &models.DailyAnalysisResult{TotalCalories: total, GoalAssessment: goal, Suggestions: "more fiber", GoalCompletion: target}, nil
}

type testServer struct {
	t    *testing.T
	fake *backendtest.Fake
	user models.User
	app  *app.App
	srv  *KcalServer
	http *httptest.Server
}

type mapCache struct{ m map[string]string }

func (c *mapCache) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := c.m[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key, value string) error {
	c.m[key] = value
	return nil
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	fake := backendtest.New()
	u := fake.AddUser("a@example.com", "secret1")

	a := app.New(fake, stubAnalyzer{}, &mapCache{m: map[string]string{}}, app.Options{
		Location:  time.UTC,
		NoticeTTL: time.Minute,
	})
	a.Start(context.Background())
	t.Cleanup(a.Stop)

	// Bind first so SSE clients are told the real message endpoint.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	srv, err := NewKcalServer(&Config{Host: "127.0.0.1", PublicURL: "http://" + ln.Addr().String()}, a)
	if err != nil {
		t.Fatalf("NewKcalServer failed: %v", err)
	}
	ts := httptest.NewUnstartedServer(srv.Handler())
	ts.Listener.Close()
	ts.Listener = ln
	ts.Start()
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return &testServer{t: t, fake: fake, user: u, app: a, srv: srv, http: ts}
}

// call invokes a tool and decodes the JSON text of its result into out.
func (s *testServer) call(name string, args map[string]interface{}, out interface{}) {
	s.t.Helper()
	body, _ := json.Marshal(map[string]interface{}{"name": name, "arguments": args})
	resp, err := http.Post(s.http.URL+"/mcp", "application/json", strings.NewReader(string(body)))
	if err != nil {
		s.t.Fatalf("%s: request failed: %v", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.t.Fatalf("%s: status %d", name, resp.StatusCode)
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		s.t.Fatalf("%s: decode failed: %v", name, err)
	}
	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		s.t.Fatalf("%s: unexpected content %+v", name, result.Content)
	}
	if out != nil {
		if err := json.Unmarshal([]byte(result.Content[0].Text), out); err != nil {
			s.t.Fatalf("%s: bad payload %q: %v", name, result.Content[0].Text, err)
		}
	}
}

func (s *testServer) expectError(name string, args map[string]interface{}, code string) {
	s.t.Helper()
	var e toolError
	s.call(name, args, &e)
	if e.Code != code {
		s.t.Errorf("%s: expected code %q, got %+v", name, code, e)
	}
}

type stateView struct {
	Session struct {
		State string `json:"state"`
	} `json:"session"`
	Selecting bool `json:"selecting"`
}

type historyPayload struct {
	Days []struct {
		Date          string                 `json:"date"`
		Records       []models.HistoryRecord `json:"records"`
		TotalCalories int                    `json:"totalCalories"`
		IsCompleteDay bool                   `json:"isCompleteDay"`
	} `json:"days"`
	Threshold float64  `json:"swipeThreshold"`
	Selecting bool     `json:"selecting"`
	Selected  []string `json:"selected"`
}

func (s *testServer) login() {
	s.t.Helper()
	var st stateView
	s.call("login", map[string]interface{}{"email": "a@example.com", "password": "secret1"}, &st)
	if st.Session.State != "onboarding" {
		s.t.Fatalf("expected onboarding after first login, got %q", st.Session.State)
	}
	s.call("skip_onboarding", nil, &st)
	if st.Session.State != "main" {
		s.t.Fatalf("expected main after skip, got %q", st.Session.State)
	}
}

func TestHealthAndRouting(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.http.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: status %d", resp.StatusCode)
	}

	resp, err = http.Post(s.http.URL+"/mcp", "application/json", strings.NewReader(`{"name":"no_such_tool"}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown tool: status %d", resp.StatusCode)
	}

	resp, err = http.Post(s.http.URL+"/mcp", "application/json", strings.NewReader(`{not json`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad JSON: status %d", resp.StatusCode)
	}
}

func TestToolsOverSSE(t *testing.T) {
	s := newTestServer(t)

	ct, err := transport.NewSSEClientTransport(s.http.URL+"/sse", transport.WithSSEClientOptionLogger(mcpLogger{}))
	if err != nil {
		t.Fatalf("client transport: %v", err)
	}
	c, err := client.NewClient(ct, client.WithLogger(mcpLogger{}), client.WithInitTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("client initialize failed: %v", err)
	}
	defer c.Close()

	if info := c.GetServerInfo(); info.Name != "silk-kcal" || info.Version != Version {
		t.Errorf("unexpected server info %+v", info)
	}

	ctx := context.Background()
	list, err := c.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(list.Tools) != len(s.srv.tools) {
		t.Errorf("expected %d tools, got %d", len(s.srv.tools), len(list.Tools))
	}
	for _, tool := range list.Tools {
		if tool.Name != "login" {
			continue
		}
		if len(tool.InputSchema.Required) != 2 || tool.InputSchema.Properties["email"] == nil {
			t.Errorf("unexpected login schema %+v", tool.InputSchema)
		}
	}

	text := func(res *protocol.CallToolResult) string {
		t.Helper()
		if len(res.Content) != 1 {
			t.Fatalf("unexpected content %+v", res.Content)
		}
		tc, ok := res.Content[0].(protocol.TextContent)
		if !ok {
			t.Fatalf("expected text content, got %T", res.Content[0])
		}
		return tc.Text
	}

	res, err := c.CallTool(ctx, protocol.NewCallToolRequest("login", map[string]interface{}{
		"email": "a@example.com", "password": "nope",
	}))
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	var e toolError
	if err := json.Unmarshal([]byte(text(res)), &e); err != nil || e.Code != "invalid_credentials" {
		t.Errorf("expected inline invalid_credentials, got %q", text(res))
	}

	res, err = c.CallTool(ctx, protocol.NewCallToolRequest("login", map[string]interface{}{
		"email": "a@example.com", "password": "secret1",
	}))
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	var st stateView
	if err := json.Unmarshal([]byte(text(res)), &st); err != nil || st.Session.State != "onboarding" {
		t.Errorf("expected onboarding after login, got %q", text(res))
	}
}

func TestInputSchema(t *testing.T) {
	schema := inputSchema(UpdateSettingsParams{})
	if schema.Type != protocol.Object || len(schema.Required) != 0 || len(schema.Properties) != 2 {
		t.Errorf("unexpected schema %+v", schema)
	}
	schema = inputSchema(SwipeParams{})
	if len(schema.Required) != 2 {
		t.Errorf("expected id and offsets required, got %v", schema.Required)
	}
	if p, ok := schema.Properties["offsets"].(map[string]string); !ok || p["type"] != "array" {
		t.Errorf("offsets should be an array, got %+v", schema.Properties["offsets"])
	}
	if schema = inputSchema(nil); schema.Properties != nil {
		t.Errorf("tools without params need no properties, got %+v", schema)
	}
}

func TestAuthErrorsAreInline(t *testing.T) {
	s := newTestServer(t)

	s.expectError("login", map[string]interface{}{"email": "a@example.com", "password": "nope"}, "invalid_credentials")
	s.expectError("login", map[string]interface{}{"email": "", "password": "x"}, "missing_fields")
	s.expectError("register", map[string]interface{}{
		"email": "b@example.com", "password": "secret1", "confirm_password": "secret2",
	}, "password_mismatch")
	s.expectError("get_history", nil, "not_authenticated")
	s.expectError("analyze_text", map[string]interface{}{"description": "toast"}, "not_authenticated")

	var notices []json.RawMessage
	s.call("get_notices", nil, &notices)
	if len(notices) != 0 {
		t.Errorf("auth errors must not post notices, got %d", len(notices))
	}
}

func TestCaptureSaveAndSwipe(t *testing.T) {
	s := newTestServer(t)
	s.login()

	var pending struct {
		Data struct {
			FoodName string `json:"foodName"`
		} `json:"data"`
		Source string `json:"source"`
	}
	s.call("analyze_text", map[string]interface{}{"description": "udon"}, &pending)
	if pending.Data.FoodName != "udon" || pending.Source != "text" {
		t.Fatalf("unexpected pending result %+v", pending)
	}
	s.expectError("analyze_text", map[string]interface{}{"description": "more"}, "busy")
	s.expectError("save_result", map[string]interface{}{"meal_type": "brunch"}, "invalid_params")

	var rec models.HistoryRecord
	s.call("save_result", map[string]interface{}{"meal_type": "lunch"}, &rec)
	if rec.MealType != models.Lunch || rec.ID == "" {
		t.Fatalf("unexpected saved record %+v", rec)
	}

	var h historyPayload
	s.call("get_history", nil, &h)
	if len(h.Days) != 1 || len(h.Days[0].Records) != 1 || h.Threshold != 120 {
		t.Fatalf("unexpected history %+v", h)
	}

	var swipe struct {
		Swipe   string         `json:"swipe"`
		History historyPayload `json:"history"`
	}
	s.call("swipe_record", map[string]interface{}{"id": rec.ID, "offsets": []float64{40, 80}}, &swipe)
	if swipe.Swipe != "neutral" || len(swipe.History.Days) != 1 {
		t.Errorf("short swipe should keep the record: %+v", swipe)
	}
	s.call("swipe_record", map[string]interface{}{"id": rec.ID, "offsets": []float64{60, 130}}, &swipe)
	if swipe.Swipe != "committed" || len(swipe.History.Days) != 0 {
		t.Errorf("long swipe should delete the record: %+v", swipe)
	}
	if len(s.fake.Stored()) != 0 {
		t.Errorf("backend still holds %d records", len(s.fake.Stored()))
	}
}

func TestAnalysisFailurePostsNotice(t *testing.T) {
	s := newTestServer(t)
	s.login()

	s.expectError("analyze_text", map[string]interface{}{"description": "mystery"}, "failed")

	var notices []struct {
		ID      int    `json:"id"`
		Message string `json:"message"`
	}
	s.call("get_notices", nil, &notices)
	if len(notices) != 1 {
		t.Fatalf("expected one notice, got %+v", notices)
	}
	s.call("get_notices", map[string]interface{}{"dismiss": []int{notices[0].ID}}, &notices)
	if len(notices) != 0 {
		t.Errorf("notice not dismissed: %+v", notices)
	}
}

func TestAnalyzeImageDecoding(t *testing.T) {
	s := newTestServer(t)
	s.login()

	s.expectError("analyze_image", map[string]interface{}{"image": "!!!"}, "invalid_params")

	var pending struct {
		Source string `json:"source"`
	}
	s.call("analyze_image", map[string]interface{}{"image": "data:image/jpeg;base64,/9j/4AAQSkZJRg=="}, &pending)
	if pending.Source != "image" {
		t.Errorf("unexpected pending result %+v", pending)
	}

	var st struct {
		Pending *json.RawMessage `json:"pending"`
	}
	s.call("discard_result", nil, &st)
	if st.Pending != nil {
		t.Error("discard should clear the pending result")
	}
}

func TestSelectionAndDayAnalysis(t *testing.T) {
	s := newTestServer(t)
	u := s.user
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	s.fake.Seed(u.ID, models.Breakfast, models.NutritionData{FoodName: "oats", Calories: 350}, day.Add(8*time.Hour))
	s.fake.Seed(u.ID, models.Lunch, models.NutritionData{FoodName: "soup", Calories: 450}, day.Add(12*time.Hour))
	s.fake.Seed(u.ID, models.Snack, models.NutritionData{FoodName: "apple", Calories: 80}, day.Add(15*time.Hour))
	s.login()

	s.expectError("analyze_day", map[string]interface{}{"date": "2024-05-01"}, "incomplete_day")
	s.expectError("analyze_day", map[string]interface{}{"date": "2023-01-01"}, "unknown_day")

	var h historyPayload
	s.call("update_record", map[string]interface{}{"id": h.firstID(s, models.Snack), "meal_type": "dinner"}, &h)
	if !h.Days[0].IsCompleteDay || h.Days[0].TotalCalories != 880 {
		t.Fatalf("expected a complete 880 kcal day, got %+v", h.Days)
	}

	var result models.DailyAnalysisResult
	s.call("analyze_day", map[string]interface{}{"date": "2024-05-01"}, &result)
	if result.TotalCalories != 880 || result.GoalAssessment != models.GoalMaintainWeight || result.GoalCompletion != "2000" {
		t.Errorf("unexpected analysis %+v", result)
	}

	s.expectError("select_records", map[string]interface{}{"action": "all"}, "not_selecting")
	s.call("select_records", map[string]interface{}{"action": "enter"}, &h)
	s.expectError("swipe_record", map[string]interface{}{"id": h.Days[0].Records[0].ID, "offsets": []float64{200}}, "selecting")
	s.call("select_records", map[string]interface{}{"action": "all"}, &h)
	if len(h.Selected) != 3 {
		t.Fatalf("expected all 3 selected, got %v", h.Selected)
	}
	s.call("select_records", map[string]interface{}{"action": "toggle", "id": h.Selected[0]}, &h)
	s.call("select_records", map[string]interface{}{"action": "delete"}, &h)
	if h.Selecting || len(h.Days) != 1 || len(h.Days[0].Records) != 1 {
		t.Errorf("unexpected history after batch delete %+v", h)
	}
	if n := s.fake.CountCalls("DeleteRecords"); n != 1 {
		t.Errorf("expected one batch delete call, got %d", n)
	}
}

// firstID returns the id of the first record of meal type mt.
func (h *historyPayload) firstID(s *testServer, mt models.MealType) string {
	s.t.Helper()
	s.call("get_history", nil, h)
	for _, d := range h.Days {
		for _, r := range d.Records {
			if r.MealType == mt {
				return r.ID
			}
		}
	}
	s.t.Fatalf("no %s record in history", mt)
	return ""
}

func TestSettingsTools(t *testing.T) {
	s := newTestServer(t)
	s.expectError("update_settings", map[string]interface{}{"goal": models.GoalLoseWeight}, "not_authenticated")
	s.login()

	s.expectError("update_settings", map[string]interface{}{"goal": "get taller"}, "invalid_params")
	s.expectError("update_settings", map[string]interface{}{"target_calories": "lots"}, "invalid_params")

	var set models.Settings
	s.call("update_settings", map[string]interface{}{"goal": models.GoalLoseWeight, "target_calories": "1800"}, &set)
	if set.Goal != models.GoalLoseWeight || set.TargetCalories != "1800" || !set.OnboardingSeen {
		t.Errorf("unexpected settings %+v", set)
	}

	var st stateView
	s.call("logout", nil, &st)
	if st.Session.State != "unauthenticated" {
		t.Errorf("expected unauthenticated after logout, got %q", st.Session.State)
	}
	s.expectError("get_settings", nil, "not_authenticated")
}
