// internal/backend/embedded.go
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"silk-kcal/internal/logger"
	"silk-kcal/internal/models"
	"silk-kcal/internal/settings"
	"silk-kcal/internal/storage"
)

// Embedded serves the Client contract from a local SQLite database. Row
// ownership is enforced against the signed-in user, like row-level security
// on the hosted backend.
type Embedded struct {
	listeners

	store    *storage.SQLiteStorage
	tokens   TokenStore
	now      func() time.Time
	hashCost int

	mu      sync.Mutex
	token   string
	current *models.User
}

type EmbeddedOption func(*Embedded)

// WithClock overrides the time source used for record and session stamps.
func WithClock(now func() time.Time) EmbeddedOption {
	return func(e *Embedded) {
		e.now = now
	}
}

// WithHashCost sets the bcrypt cost. Tests use bcrypt.MinCost.
func WithHashCost(cost int) EmbeddedOption {
	return func(e *Embedded) {
		e.hashCost = cost
	}
}

func NewEmbedded(store *storage.SQLiteStorage, tokens TokenStore, opts ...EmbeddedOption) *Embedded {
	e := &Embedded{
		store:    store,
		tokens:   tokens,
		now:      time.Now,
		hashCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Embedded) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return nil, ErrMissingFields
	}

	u, err := e.store.GetUserByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	return e.startSession(ctx, u)
}

func (e *Embedded) Register(ctx context.Context, email, password string, recovery Recovery) (*models.User, error) {
	if err := ValidateCredentials(email, password); err != nil {
		return nil, err
	}

	pw, err := bcrypt.GenerateFromPassword([]byte(password), e.hashCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	u := &storage.StoredUser{
		ID:               uuid.New().String(),
		Email:            normalizeEmail(email),
		PasswordHash:     string(pw),
		RecoveryQuestion: strings.TrimSpace(recovery.Question),
		CreatedAt:        e.now().UnixMilli(),
	}
	if answer := normalizeAnswer(recovery.Answer); answer != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(answer), e.hashCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash security answer: %w", err)
		}
		u.RecoveryAnswerHash = string(h)
	}

	if err := e.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, ErrUserExists
		}
		return nil, err
	}

	return e.startSession(ctx, u)
}

func (e *Embedded) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	u, err := e.store.GetUserByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if u.RecoveryQuestion == "" || u.RecoveryAnswerHash == "" {
		return "", fmt.Errorf("no security question on file: %w", ErrUnsupported)
	}
	return u.RecoveryQuestion, nil
}

func (e *Embedded) ResetPassword(ctx context.Context, email, answer, newPassword string) error {
	if err := ValidateCredentials(email, newPassword); err != nil {
		return err
	}

	u, err := e.store.GetUserByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if u.RecoveryAnswerHash == "" ||
		bcrypt.CompareHashAndPassword([]byte(u.RecoveryAnswerHash), []byte(normalizeAnswer(answer))) != nil {
		return ErrInvalidRecoveryInfo
	}

	pw, err := bcrypt.GenerateFromPassword([]byte(newPassword), e.hashCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return e.store.UpdatePassword(ctx, u.ID, string(pw))
}

func (e *Embedded) SignOut(ctx context.Context) error {
	e.mu.Lock()
	token := e.token
	e.token = ""
	e.current = nil
	e.mu.Unlock()

	var errs []error
	if token != "" {
		errs = append(errs, e.store.DeleteSession(ctx, token))
	}
	errs = append(errs, e.tokens.Delete(ctx, settings.SessionKey))

	e.emit(nil)
	return errors.Join(errs...)
}

// GetSession restores the device session persisted by an earlier launch.
func (e *Embedded) GetSession(ctx context.Context) (*models.User, error) {
	e.mu.Lock()
	if e.current != nil {
		u := *e.current
		e.mu.Unlock()
		return &u, nil
	}
	e.mu.Unlock()

	token, ok, err := e.tokens.Get(ctx, settings.SessionKey)
	if err != nil {
		return nil, err
	}
	if !ok || token == "" {
		return nil, nil
	}

	su, err := e.store.SessionUser(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Debug("Stale session token discarded")
		return nil, e.tokens.Delete(ctx, settings.SessionKey)
	}
	if err != nil {
		return nil, err
	}

	u := &models.User{ID: su.ID, Email: su.Email}
	e.mu.Lock()
	e.token = token
	e.current = u
	e.mu.Unlock()

	out := *u
	return &out, nil
}

func (e *Embedded) startSession(ctx context.Context, su *storage.StoredUser) (*models.User, error) {
	token := uuid.New().String()
	if err := e.store.CreateSession(ctx, token, su.ID, e.now().UnixMilli()); err != nil {
		return nil, err
	}
	if err := e.tokens.Set(ctx, settings.SessionKey, token); err != nil {
		return nil, err
	}

	u := &models.User{ID: su.ID, Email: su.Email}
	e.mu.Lock()
	e.token = token
	e.current = u
	e.mu.Unlock()

	logger.Info("Signed in %s", su.Email)
	e.emit(&models.User{ID: u.ID, Email: u.Email})

	out := *u
	return &out, nil
}

func (e *Embedded) sessionUserID() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return "", ErrNotAuthenticated
	}
	return e.current.ID, nil
}

func (e *Embedded) ListRecords(ctx context.Context, userID string) ([]Record, error) {
	owner, err := e.sessionUserID()
	if err != nil {
		return nil, err
	}
	if owner != userID {
		return nil, ErrNotAuthenticated
	}

	rows, err := e.store.ListRecords(ctx, userID)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(rows))
	for _, r := range rows {
		records = append(records, Record{
			ID:        r.ID,
			UserID:    r.UserID,
			MealType:  r.MealType,
			Data:      r.Data,
			CreatedAt: time.UnixMilli(r.CreatedAt),
		})
	}
	return records, nil
}

func (e *Embedded) InsertRecord(ctx context.Context, userID string, mealType models.MealType, data models.NutritionData) (*Record, error) {
	owner, err := e.sessionUserID()
	if err != nil {
		return nil, err
	}
	if owner != userID {
		return nil, ErrNotAuthenticated
	}
	if !mealType.Valid() {
		return nil, fmt.Errorf("invalid meal type %q", mealType)
	}

	row := &storage.StoredRecord{
		ID:        uuid.New().String(),
		UserID:    userID,
		MealType:  mealType,
		Data:      data,
		CreatedAt: e.now().UnixMilli(),
	}
	if err := e.store.InsertRecord(ctx, row); err != nil {
		return nil, err
	}

	return &Record{
		ID:        row.ID,
		UserID:    row.UserID,
		MealType:  row.MealType,
		Data:      row.Data,
		CreatedAt: time.UnixMilli(row.CreatedAt),
	}, nil
}

func (e *Embedded) UpdateRecord(ctx context.Context, id string, mealType models.MealType) error {
	owner, err := e.sessionUserID()
	if err != nil {
		return err
	}
	if !mealType.Valid() {
		return fmt.Errorf("invalid meal type %q", mealType)
	}

	err = e.store.UpdateMealType(ctx, owner, id, mealType)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (e *Embedded) DeleteRecord(ctx context.Context, id string) error {
	return e.DeleteRecords(ctx, []string{id})
}

func (e *Embedded) DeleteRecords(ctx context.Context, ids []string) error {
	owner, err := e.sessionUserID()
	if err != nil {
		return err
	}
	return e.store.DeleteRecords(ctx, owner, ids)
}

func normalizeAnswer(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
