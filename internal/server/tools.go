// internal/server/tools.go
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/ThinkInAIXYZ/go-mcp/protocol"
	"github.com/ThinkInAIXYZ/go-mcp/server"

	"silk-kcal/internal/backend"
	"silk-kcal/internal/logger"
	"silk-kcal/internal/models"
	"silk-kcal/internal/timeline"
)

type CredentialsParams struct {
	Email    string `json:"email" description:"Account email"`
	Password string `json:"password" description:"Account password"`
}

type RegisterParams struct {
	Email            string `json:"email" description:"Account email"`
	Password         string `json:"password" description:"Password, at least 6 characters"`
	ConfirmPassword  string `json:"confirm_password" description:"Repeat of the password"`
	SecurityQuestion string `json:"security_question,omitempty" description:"Recovery question (embedded backend)"`
	SecurityAnswer   string `json:"security_answer,omitempty" description:"Recovery answer (embedded backend)"`
}

type EmailParams struct {
	Email string `json:"email" description:"Account email"`
}

type ResetPasswordParams struct {
	Email           string `json:"email" description:"Account email"`
	Answer          string `json:"answer" description:"Answer to the security question"`
	NewPassword     string `json:"new_password" description:"New password"`
	ConfirmPassword string `json:"confirm_password" description:"Repeat of the new password"`
}

type UpdateSettingsParams struct {
	Goal           *string `json:"goal,omitempty" description:"One of: build muscle, lose weight, maintain weight"`
	TargetCalories *string `json:"target_calories,omitempty" description:"Daily calorie target"`
}

type AnalyzeImageParams struct {
	Image string `json:"image" description:"Base64 image or data URL"`
}

type AnalyzeTextParams struct {
	Description string `json:"description" description:"What was eaten"`
}

type MealTypeParams struct {
	MealType string `json:"meal_type" description:"breakfast, lunch, dinner or snack"`
}

type UpdateRecordParams struct {
	ID       string `json:"id" description:"Record id"`
	MealType string `json:"meal_type" description:"breakfast, lunch, dinner or snack"`
}

type RecordParams struct {
	ID string `json:"id" description:"Record id"`
}

type SwipeParams struct {
	ID      string    `json:"id" description:"Record id"`
	Offsets []float64 `json:"offsets" description:"Horizontal drag offsets in pixels, ending at release"`
}

type RecordsParams struct {
	IDs []string `json:"ids" description:"Record ids"`
}

type SelectParams struct {
	Action string `json:"action" description:"enter, exit, toggle, all or delete"`
	ID     string `json:"id,omitempty" description:"Record id for toggle"`
}

type AnalyzeDayParams struct {
	Date string `json:"date" description:"Day to analyze (YYYY-MM-DD)"`
}

type NoticesParams struct {
	Dismiss []int `json:"dismiss,omitempty" description:"Notice ids to dismiss"`
}

// extractParams safely extracts parameters from the request arguments
func extractParams(req *protocol.CallToolRequest, target interface{}) error {
	jsonBytes, err := json.Marshal(req.Arguments)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	if err := json.Unmarshal(jsonBytes, target); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

func (s *KcalServer) handleLogin(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params CredentialsParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if _, err := s.app.Session.Login(ctx, params.Email, params.Password); err != nil {
		return nil, err
	}
	return s.createJSONResponse(s.app.Snapshot())
}

func (s *KcalServer) handleRegister(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params RegisterParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	recovery := backend.Recovery{Question: params.SecurityQuestion, Answer: params.SecurityAnswer}
	u, err := s.app.Session.Register(ctx, params.Email, params.Password, params.ConfirmPassword, recovery)
	if err != nil {
		return nil, err
	}
	return s.createJSONResponse(map[string]interface{}{
		"user":  u,
		"state": s.app.Snapshot(),
	})
}

func (s *KcalServer) handleRequestPasswordReset(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params EmailParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	question, err := s.app.Session.RequestPasswordReset(ctx, params.Email)
	if err != nil {
		return nil, err
	}
	// An empty question means the backend mailed a reset link.
	return s.createJSONResponse(map[string]interface{}{
		"question":  question,
		"emailSent": question == "",
	})
}

func (s *KcalServer) handleResetPassword(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params ResetPasswordParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if err := s.app.Session.ResetPassword(ctx, params.Email, params.Answer, params.NewPassword, params.ConfirmPassword); err != nil {
		return nil, err
	}
	return s.createJSONResponse(map[string]bool{"reset": true})
}

func (s *KcalServer) handleLogout(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	s.app.Logout(ctx)
	return s.createJSONResponse(s.app.Snapshot())
}

func (s *KcalServer) handleGetState(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	return s.createJSONResponse(s.app.Snapshot())
}

func (s *KcalServer) handleNextOnboardingStep(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	step, err := s.app.Session.NextOnboardingStep(ctx)
	if err != nil {
		return nil, err
	}
	return s.createJSONResponse(map[string]interface{}{
		"step":  step,
		"state": s.app.Snapshot(),
	})
}

func (s *KcalServer) handleCompleteOnboarding(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	if err := s.app.Session.CompleteOnboarding(ctx); err != nil {
		return nil, err
	}
	return s.createJSONResponse(s.app.Snapshot())
}

func (s *KcalServer) handleSkipOnboarding(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	if err := s.app.Session.SkipOnboarding(ctx); err != nil {
		return nil, err
	}
	return s.createJSONResponse(s.app.Snapshot())
}

func (s *KcalServer) handleGetSettings(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	if _, err := s.app.RequireUser(); err != nil {
		return nil, err
	}
	return s.createJSONResponse(map[string]interface{}{
		"settings": s.app.Session.Settings(),
		"goals":    models.Goals,
	})
}

func (s *KcalServer) handleUpdateSettings(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params UpdateSettingsParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if _, err := s.app.RequireUser(); err != nil {
		return nil, err
	}
	if params.Goal != nil {
		if err := validGoal(*params.Goal); err != nil {
			return nil, err
		}
		if err := s.app.Session.UpdateGoal(ctx, *params.Goal); err != nil {
			return nil, err
		}
	}
	if params.TargetCalories != nil {
		if err := s.app.Session.UpdateTargetCalories(ctx, *params.TargetCalories); err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
		}
	}
	return s.createJSONResponse(s.app.Session.Settings())
}

func validGoal(goal string) error {
	goal = strings.TrimSpace(goal)
	for _, g := range models.Goals {
		if g == goal {
			return nil
		}
	}
	return fmt.Errorf("%w: unknown goal %q", errInvalidParams, goal)
}

func (s *KcalServer) handleAnalyzeImage(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params AnalyzeImageParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if _, err := s.app.RequireUser(); err != nil {
		return nil, err
	}
	image, err := decodeImage(params.Image)
	if err != nil {
		return nil, err
	}
	pending, err := s.app.Capture.AnalyzeImage(ctx, image)
	if err != nil {
		return nil, err
	}
	return s.createJSONResponse(pending)
}

// decodeImage accepts raw base64 or a data URL such as
// "data:image/jpeg;base64,...".
func decodeImage(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if strings.HasPrefix(encoded, "data:") {
		i := strings.Index(encoded, ",")
		if i < 0 {
			return nil, fmt.Errorf("%w: malformed data URL", errInvalidParams)
		}
		encoded = encoded[i+1:]
	}
	image, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: image is not valid base64: %v", errInvalidParams, err)
	}
	return image, nil
}

func (s *KcalServer) handleAnalyzeText(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params AnalyzeTextParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if _, err := s.app.RequireUser(); err != nil {
		return nil, err
	}
	pending, err := s.app.Capture.AnalyzeText(ctx, params.Description)
	if err != nil {
		return nil, err
	}
	return s.createJSONResponse(pending)
}

func (s *KcalServer) handleSaveResult(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params MealTypeParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	mealType, err := models.ParseMealType(params.MealType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	if _, err := s.app.RequireUser(); err != nil {
		return nil, err
	}
	rec, err := s.app.Capture.Save(ctx, mealType)
	if err != nil {
		return nil, err
	}
	return s.createJSONResponse(rec)
}

func (s *KcalServer) handleDiscardResult(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	s.app.Capture.Discard()
	return s.createJSONResponse(s.app.Capture.State())
}

type historyView struct {
	Days      []timeline.Day `json:"days"`
	Threshold float64        `json:"swipeThreshold"`
	Selecting bool           `json:"selecting"`
	Selected  []string       `json:"selected,omitempty"`
}

func (s *KcalServer) history() historyView {
	return historyView{
		Days:      s.app.Timeline.Days(),
		Threshold: s.app.Timeline.Threshold(),
		Selecting: s.app.Timeline.Selecting(),
		Selected:  s.app.Timeline.Selected(),
	}
}

func (s *KcalServer) handleGetHistory(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	if _, err := s.app.RequireUser(); err != nil {
		return nil, err
	}
	return s.createJSONResponse(s.history())
}

func (s *KcalServer) handleUpdateRecord(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params UpdateRecordParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	mealType, err := models.ParseMealType(params.MealType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	if err := s.app.History.Update(ctx, params.ID, mealType); err != nil {
		return nil, err
	}
	return s.createJSONResponse(s.history())
}

func (s *KcalServer) handleDeleteRecord(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params RecordParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if params.ID == "" {
		return nil, fmt.Errorf("%w: id is required", errInvalidParams)
	}
	if err := s.app.History.Remove(ctx, params.ID); err != nil {
		return nil, err
	}
	return s.createJSONResponse(s.history())
}

func (s *KcalServer) handleSwipeRecord(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params SwipeParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if _, err := s.app.RequireUser(); err != nil {
		return nil, err
	}
	if _, ok := s.app.History.Get(params.ID); !ok {
		return nil, fmt.Errorf("%w: %s", backend.ErrNotFound, params.ID)
	}
	state, err := s.app.Timeline.Swipe(ctx, params.ID, params.Offsets)
	if err != nil {
		return nil, err
	}
	return s.createJSONResponse(map[string]interface{}{
		"swipe":   state.String(),
		"history": s.history(),
	})
}

func (s *KcalServer) handleDeleteRecords(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params RecordsParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if err := s.app.History.RemoveBatch(ctx, params.IDs); err != nil {
		return nil, err
	}
	return s.createJSONResponse(s.history())
}

func (s *KcalServer) handleSelectRecords(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params SelectParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if _, err := s.app.RequireUser(); err != nil {
		return nil, err
	}

	tl := s.app.Timeline
	var err error
	switch params.Action {
	case "enter":
		tl.EnterSelection()
	case "exit":
		tl.ExitSelection()
	case "toggle":
		err = tl.Toggle(params.ID)
	case "all":
		err = tl.SelectAll()
	case "delete":
		_, err = tl.DeleteSelected(ctx)
	default:
		err = fmt.Errorf("%w: unknown action %q", errInvalidParams, params.Action)
	}
	if err != nil {
		return nil, err
	}
	return s.createJSONResponse(s.history())
}

func (s *KcalServer) handleAnalyzeDay(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params AnalyzeDayParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	result, err := s.app.AnalyzeDay(ctx, params.Date)
	if err != nil {
		return nil, err
	}
	return s.createJSONResponse(result)
}

func (s *KcalServer) handleGetNotices(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params NoticesParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	for _, id := range params.Dismiss {
		s.app.Notices.Dismiss(id)
	}
	return s.createJSONResponse(s.app.Notices.Active())
}

type toolDef struct {
	name        string
	description string
	params      interface{}
	handler     toolHandler
}

func (s *KcalServer) toolDefs() []toolDef {
	return []toolDef{
		{"login", "Sign in with email and password", CredentialsParams{}, s.handleLogin},
		{"register", "Create an account and sign in", RegisterParams{}, s.handleRegister},
		{"request_password_reset", "Start password recovery for an email", EmailParams{}, s.handleRequestPasswordReset},
		{"reset_password", "Set a new password using the security answer", ResetPasswordParams{}, s.handleResetPassword},
		{"logout", "Sign out and clear per-user state", nil, s.handleLogout},
		{"get_state", "Current session, capture and history state", nil, s.handleGetState},
		{"next_onboarding_step", "Advance the onboarding walkthrough", nil, s.handleNextOnboardingStep},
		{"complete_onboarding", "Finish onboarding", nil, s.handleCompleteOnboarding},
		{"skip_onboarding", "Skip onboarding", nil, s.handleSkipOnboarding},
		{"get_settings", "Goal and daily calorie target", nil, s.handleGetSettings},
		{"update_settings", "Change the goal or calorie target", UpdateSettingsParams{}, s.handleUpdateSettings},
		{"analyze_image", "Estimate nutrition from a food photo", AnalyzeImageParams{}, s.handleAnalyzeImage},
		{"analyze_text", "Estimate nutrition from a description", AnalyzeTextParams{}, s.handleAnalyzeText},
		{"save_result", "Save the pending analysis as a meal", MealTypeParams{}, s.handleSaveResult},
		{"discard_result", "Drop the pending analysis", nil, s.handleDiscardResult},
		{"get_history", "Records grouped by day", nil, s.handleGetHistory},
		{"update_record", "Change the meal type of a record", UpdateRecordParams{}, s.handleUpdateRecord},
		{"delete_record", "Delete one record", RecordParams{}, s.handleDeleteRecord},
		{"swipe_record", "Replay a swipe gesture on a record", SwipeParams{}, s.handleSwipeRecord},
		{"delete_records", "Delete several records", RecordsParams{}, s.handleDeleteRecords},
		{"select_records", "Drive multi-select mode", SelectParams{}, s.handleSelectRecords},
		{"analyze_day", "Daily nutrition analysis for a complete day", AnalyzeDayParams{}, s.handleAnalyzeDay},
		{"get_notices", "Active notices, optionally dismissing some", NoticesParams{}, s.handleGetNotices},
	}
}

// registerTools wires every tool into the MCP server and the plain /mcp route.
func (s *KcalServer) registerTools() {
	defs := s.toolDefs()
	s.tools = make(map[string]toolHandler, len(defs))
	for _, def := range defs {
		s.tools[def.name] = def.handler
		s.server.RegisterTool(&protocol.Tool{
			Name:        def.name,
			Description: def.description,
			InputSchema: inputSchema(def.params),
		}, s.mcpHandler(def.name, def.handler))
	}
	logger.Debug("Registered %d tools", len(s.tools))
}

// mcpHandler adapts h to the MCP server. Tool failures stay inline results.
func (s *KcalServer) mcpHandler(name string, h toolHandler) server.ToolHandlerFunc {
	return func(req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
		result, err := h(s.ctx, req)
		if err != nil {
			logger.Debug("Tool %s failed: %v", name, err)
			return s.createErrorResponse(err)
		}
		return result, nil
	}
}

// inputSchema describes a params struct from its json and description tags.
func inputSchema(params interface{}) protocol.InputSchema {
	schema := protocol.InputSchema{Type: protocol.Object}
	if params == nil {
		return schema
	}
	t := reflect.TypeOf(params)
	schema.Properties = make(map[string]interface{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		name, opts, _ := strings.Cut(tag, ",")
		if name == "" || name == "-" {
			continue
		}
		schema.Properties[name] = map[string]string{
			"type":        jsonType(f.Type),
			"description": f.Tag.Get("description"),
		}
		if opts != "omitempty" {
			schema.Required = append(schema.Required, name)
		}
	}
	return schema
}

func jsonType(t reflect.Type) string {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Slice:
		return "array"
	case reflect.Int, reflect.Int64, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	default:
		return "string"
	}
}
