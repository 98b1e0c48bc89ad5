// internal/backend/backend.go
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"silk-kcal/internal/models"
	"silk-kcal/internal/settings"
)

var (
	ErrMissingFields       = errors.New("email and password are required")
	ErrInvalidEmail        = errors.New("invalid email address")
	ErrWeakPassword        = errors.New("password must be at least 6 characters")
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrUserExists          = errors.New("user already registered")
	ErrNotAuthenticated    = errors.New("not signed in")
	ErrNotFound            = errors.New("record not found")
	ErrUnsupported         = errors.New("operation not supported by this backend")
	ErrInvalidRecoveryInfo = errors.New("security answer does not match")
)

// MinPasswordLength matches the hosted backend's default policy.
const MinPasswordLength = 6

// Recovery is the account-recovery metadata captured at registration.
type Recovery struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Record is a history row as confirmed by the backend.
type Record struct {
	ID        string
	UserID    string
	MealType  models.MealType
	Data      models.NutritionData
	CreatedAt time.Time
}

// Client is the persistence and identity service the app syncs against.
// GetSession returns (nil, nil) when nobody is signed in.
type Client interface {
	Authenticate(ctx context.Context, email, password string) (*models.User, error)
	Register(ctx context.Context, email, password string, recovery Recovery) (*models.User, error)
	// RequestPasswordReset starts recovery. It returns the security question
	// to answer, or "" when the backend mails a reset link instead.
	RequestPasswordReset(ctx context.Context, email string) (string, error)
	SignOut(ctx context.Context) error
	GetSession(ctx context.Context) (*models.User, error)
	// Subscribe registers fn for session changes (nil user on sign-out).
	Subscribe(fn func(*models.User)) (unsubscribe func())

	ListRecords(ctx context.Context, userID string) ([]Record, error)
	InsertRecord(ctx context.Context, userID string, mealType models.MealType, data models.NutritionData) (*Record, error)
	UpdateRecord(ctx context.Context, id string, mealType models.MealType) error
	DeleteRecord(ctx context.Context, id string) error
	DeleteRecords(ctx context.Context, ids []string) error
}

// Resetter completes a security-question password reset.
type Resetter interface {
	ResetPassword(ctx context.Context, email, answer, newPassword string) error
}

// TokenStore persists the device session between launches.
type TokenStore interface {
	settings.Cache
	Delete(ctx context.Context, key string) error
}

func ValidateCredentials(email, password string) error {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return ErrMissingFields
	}
	if !strings.Contains(email, "@") || strings.HasPrefix(email, "@") || strings.HasSuffix(email, "@") {
		return fmt.Errorf("%w: %s", ErrInvalidEmail, email)
	}
	if len(password) < MinPasswordLength {
		return ErrWeakPassword
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// listeners fans session changes out to subscribers.
type listeners struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(*models.User)
}

func (l *listeners) Subscribe(fn func(*models.User)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fns == nil {
		l.fns = make(map[int]func(*models.User))
	}
	l.nextID++
	id := l.nextID
	l.fns[id] = fn

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.fns, id)
	}
}

// emit calls subscribers outside the lock so they may call back into the
// client.
func (l *listeners) emit(u *models.User) {
	l.mu.Lock()
	fns := make([]func(*models.User), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}
