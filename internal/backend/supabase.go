// internal/backend/supabase.go
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"silk-kcal/internal/logger"
	"silk-kcal/internal/models"
	"silk-kcal/internal/settings"
)

const recordsTable = "history_records"

// Supabase talks to a hosted Supabase project: GoTrue for auth and PostgREST
// for the history table. Row ownership is left to the project's RLS policies.
type Supabase struct {
	listeners

	baseURL    string
	anonKey    string
	httpClient *http.Client
	tokens     TokenStore

	mu      sync.Mutex
	session *supabaseSession

	// refreshMu serializes token refreshes; refresh tokens are single use.
	refreshMu sync.Mutex
}

type supabaseSession struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	User         models.User `json:"user"`
}

// APIError is a non-2xx reply that maps to no sentinel error.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("supabase error (status %d, %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("supabase error (status %d): %s", e.Status, e.Message)
}

func NewSupabase(baseURL, anonKey string, tokens TokenStore) *Supabase {
	return &Supabase{
		baseURL: strings.TrimRight(baseURL, "/"),
		anonKey: anonKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		tokens: tokens,
	}
}

type authResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

func (s *Supabase) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return nil, ErrMissingFields
	}

	var resp authResponse
	q := url.Values{"grant_type": {"password"}}
	body := map[string]string{"email": normalizeEmail(email), "password": password}
	if err := s.do(ctx, http.MethodPost, "/auth/v1/token", q, body, "", nil, &resp); err != nil {
		return nil, err
	}
	return s.adopt(ctx, &resp)
}

func (s *Supabase) Register(ctx context.Context, email, password string, recovery Recovery) (*models.User, error) {
	if err := ValidateCredentials(email, password); err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"email":    normalizeEmail(email),
		"password": password,
		"data": map[string]string{
			"security_question": strings.TrimSpace(recovery.Question),
			"security_answer":   normalizeAnswer(recovery.Answer),
		},
	}

	var resp authResponse
	if err := s.do(ctx, http.MethodPost, "/auth/v1/signup", nil, body, "", nil, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		// Email confirmation is on: the account exists but nobody is signed in.
		return &models.User{ID: resp.User.ID, Email: resp.User.Email}, nil
	}
	return s.adopt(ctx, &resp)
}

func (s *Supabase) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	if strings.TrimSpace(email) == "" {
		return "", ErrMissingFields
	}
	body := map[string]string{"email": normalizeEmail(email)}
	if err := s.do(ctx, http.MethodPost, "/auth/v1/recover", nil, body, "", nil, nil); err != nil {
		return "", err
	}
	return "", nil
}

func (s *Supabase) SignOut(ctx context.Context) error {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.mu.Unlock()

	var errs []error
	if sess != nil {
		errs = append(errs, s.do(ctx, http.MethodPost, "/auth/v1/logout", nil, nil, sess.AccessToken, nil, nil))
	}
	errs = append(errs, s.tokens.Delete(ctx, settings.SessionKey))

	s.emit(nil)
	return errors.Join(errs...)
}

// GetSession validates the persisted session, refreshing it once when the
// access token has expired.
func (s *Supabase) GetSession(ctx context.Context) (*models.User, error) {
	sess, err := s.loadSession(ctx)
	if err != nil || sess == nil {
		return nil, err
	}

	var user struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	err = s.do(ctx, http.MethodGet, "/auth/v1/user", nil, nil, sess.AccessToken, nil, &user)
	if errors.Is(err, ErrNotAuthenticated) {
		logger.Debug("Access token rejected, refreshing session")
		u, err := s.refresh(ctx, sess.RefreshToken)
		if errors.Is(err, ErrNotAuthenticated) {
			return nil, nil
		}
		return u, err
	}
	if err != nil {
		return nil, err
	}

	u := &models.User{ID: user.ID, Email: user.Email}
	s.mu.Lock()
	sess.User = *u
	s.session = sess
	s.mu.Unlock()
	return u, nil
}

func (s *Supabase) refresh(ctx context.Context, refreshToken string) (*models.User, error) {
	if refreshToken == "" {
		if err := s.tokens.Delete(ctx, settings.SessionKey); err != nil {
			return nil, err
		}
		return nil, ErrNotAuthenticated
	}

	var resp authResponse
	q := url.Values{"grant_type": {"refresh_token"}}
	body := map[string]string{"refresh_token": refreshToken}
	if err := s.do(ctx, http.MethodPost, "/auth/v1/token", q, body, "", nil, &resp); err != nil {
		if derr := s.tokens.Delete(ctx, settings.SessionKey); derr != nil {
			return nil, errors.Join(err, derr)
		}
		return nil, err
	}

	sess := &supabaseSession{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		User:         models.User{ID: resp.User.ID, Email: resp.User.Email},
	}
	if err := s.persist(ctx, sess); err != nil {
		return nil, err
	}
	u := sess.User
	return &u, nil
}

func (s *Supabase) loadSession(ctx context.Context) (*supabaseSession, error) {
	s.mu.Lock()
	if s.session != nil {
		sess := *s.session
		s.mu.Unlock()
		return &sess, nil
	}
	s.mu.Unlock()

	raw, ok, err := s.tokens.Get(ctx, settings.SessionKey)
	if err != nil || !ok {
		return nil, err
	}
	var sess supabaseSession
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		logger.Debug("Discarding unreadable session: %v", err)
		return nil, s.tokens.Delete(ctx, settings.SessionKey)
	}
	return &sess, nil
}

func (s *Supabase) persist(ctx context.Context, sess *supabaseSession) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.tokens.Set(ctx, settings.SessionKey, string(raw)); err != nil {
		return err
	}
	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()
	return nil
}

func (s *Supabase) adopt(ctx context.Context, resp *authResponse) (*models.User, error) {
	sess := &supabaseSession{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		User:         models.User{ID: resp.User.ID, Email: resp.User.Email},
	}
	if err := s.persist(ctx, sess); err != nil {
		return nil, err
	}
	s.emit(&models.User{ID: sess.User.ID, Email: sess.User.Email})
	u := sess.User
	return &u, nil
}

func (s *Supabase) currentSession() (supabaseSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return supabaseSession{}, ErrNotAuthenticated
	}
	return *s.session, nil
}

// authed issues a call with the session's access token. A rejected token is
// refreshed once and the call retried. When the refresh fails the session is
// dropped and listeners are told the user is signed out.
func (s *Supabase) authed(ctx context.Context, method, path string, query url.Values, body interface{}, headers map[string]string, out interface{}) error {
	sess, err := s.currentSession()
	if err != nil {
		return err
	}
	err = s.do(ctx, method, path, query, body, sess.AccessToken, headers, out)
	if !errors.Is(err, ErrNotAuthenticated) {
		return err
	}

	token, err := s.refreshRejected(ctx, sess.AccessToken)
	if err != nil {
		return err
	}
	return s.do(ctx, method, path, query, body, token, headers, out)
}

// refreshRejected returns a fresh access token to replace rejected. Another
// caller may already have refreshed it.
func (s *Supabase) refreshRejected(ctx context.Context, rejected string) (string, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	sess, err := s.currentSession()
	if err != nil {
		return "", err
	}
	if sess.AccessToken != rejected {
		return sess.AccessToken, nil
	}

	logger.Debug("Access token rejected, refreshing session")
	if _, err := s.refresh(ctx, sess.RefreshToken); err != nil {
		logger.Error("Failed to refresh session: %v", err)
		s.mu.Lock()
		s.session = nil
		s.mu.Unlock()
		s.emit(nil)
		return "", ErrNotAuthenticated
	}
	sess, err = s.currentSession()
	if err != nil {
		return "", err
	}
	return sess.AccessToken, nil
}

type recordRow struct {
	ID        string               `json:"id"`
	UserID    string               `json:"user_id"`
	MealType  models.MealType      `json:"meal_type"`
	Data      models.NutritionData `json:"data"`
	CreatedAt string               `json:"created_at"`
}

func (r recordRow) toRecord() (Record, error) {
	created, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("failed to parse created_at of %s: %w", r.ID, err)
	}
	return Record{ID: r.ID, UserID: r.UserID, MealType: r.MealType, Data: r.Data, CreatedAt: created}, nil
}

func (s *Supabase) ListRecords(ctx context.Context, userID string) ([]Record, error) {
	q := url.Values{
		"select":  {"*"},
		"user_id": {"eq." + userID},
		"order":   {"created_at.desc"},
	}
	var rows []recordRow
	if err := s.authed(ctx, http.MethodGet, "/rest/v1/"+recordsTable, q, nil, nil, &rows); err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Supabase) InsertRecord(ctx context.Context, userID string, mealType models.MealType, data models.NutritionData) (*Record, error) {
	body := map[string]interface{}{
		"user_id":   userID,
		"meal_type": mealType,
		"data":      data,
	}
	headers := map[string]string{"Prefer": "return=representation"}

	var rows []recordRow
	if err := s.authed(ctx, http.MethodPost, "/rest/v1/"+recordsTable, nil, body, headers, &rows); err != nil {
		return nil, err
	}
	if len(rows) != 1 {
		return nil, fmt.Errorf("expected one inserted row, got %d", len(rows))
	}

	rec, err := rows[0].toRecord()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Supabase) UpdateRecord(ctx context.Context, id string, mealType models.MealType) error {
	q := url.Values{"id": {"eq." + id}}
	body := map[string]interface{}{"meal_type": mealType}
	return s.authed(ctx, http.MethodPatch, "/rest/v1/"+recordsTable, q, body, nil, nil)
}

func (s *Supabase) DeleteRecord(ctx context.Context, id string) error {
	q := url.Values{"id": {"eq." + id}}
	return s.authed(ctx, http.MethodDelete, "/rest/v1/"+recordsTable, q, nil, nil, nil)
}

func (s *Supabase) DeleteRecords(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = `"` + strings.ReplaceAll(id, `"`, `\"`) + `"`
	}
	q := url.Values{"id": {"in.(" + strings.Join(quoted, ",") + ")"}}
	return s.authed(ctx, http.MethodDelete, "/rest/v1/"+recordsTable, q, nil, nil, nil)
}

// do issues one REST call. An empty bearer falls back to the anon key.
func (s *Supabase) do(ctx context.Context, method, path string, query url.Values, body interface{}, bearer string, headers map[string]string, out interface{}) error {
	endpoint := s.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	if bearer == "" {
		bearer = s.anonKey
	}
	req.Header.Set("apikey", s.anonKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return mapAPIError(resp.StatusCode, respBody)
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// mapAPIError folds the several GoTrue and PostgREST error shapes into the
// package sentinels.
func mapAPIError(status int, body []byte) error {
	res := gjson.ParseBytes(body)

	code := res.Get("error_code").String()
	if code == "" {
		code = res.Get("error").String()
	}
	if code == "" && res.Get("code").Type == gjson.String {
		code = res.Get("code").String()
	}

	msg := ""
	for _, field := range []string{"error_description", "msg", "message"} {
		if v := res.Get(field).String(); v != "" {
			msg = v
			break
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	lower := strings.ToLower(code + " " + msg)
	switch {
	case strings.Contains(lower, "invalid_grant"),
		strings.Contains(lower, "invalid_credentials"),
		strings.Contains(lower, "invalid login credentials"):
		return ErrInvalidCredentials
	case strings.Contains(lower, "user_already_exists"),
		strings.Contains(lower, "already registered"):
		return ErrUserExists
	case strings.Contains(lower, "weak_password"):
		return ErrWeakPassword
	case status == http.StatusUnauthorized:
		return ErrNotAuthenticated
	}

	return &APIError{Status: status, Code: code, Message: msg}
}
