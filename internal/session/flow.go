// internal/session/flow.go
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"silk-kcal/internal/backend"
	"silk-kcal/internal/logger"
	"silk-kcal/internal/models"
	"silk-kcal/internal/settings"
)

type State string

const (
	CheckingAuth    State = "checking_auth"
	Unauthenticated State = "unauthenticated"
	Onboarding      State = "onboarding"
	Main            State = "main"
)

// OnboardingSteps is the number of intro pages shown before the main screen.
const OnboardingSteps = 3

var (
	ErrNotAuthenticated = errors.New("not signed in")
	ErrPasswordMismatch = errors.New("passwords do not match")
	ErrNotOnboarding    = errors.New("onboarding is not showing")
)

// History is the per-user record list the flow loads and tears down.
type History interface {
	Bind(userID string)
	Reload(ctx context.Context) error
	Clear()
}

// Capture is the capture surface reset on logout.
type Capture interface {
	Discard()
}

// Snapshot is what the top-level screen needs to render.
type Snapshot struct {
	State          State           `json:"state"`
	User           *models.User    `json:"user,omitempty"`
	Settings       models.Settings `json:"settings"`
	OnboardingStep int             `json:"onboardingStep"`
}

// Flow decides which top-level screen is showing. It re-checks on launch
// and on every session change reported by the backend.
type Flow struct {
	backend backend.Client
	cache   settings.Cache
	history History
	capture Capture

	mu          sync.Mutex
	ctx         context.Context
	state       State
	user        *models.User
	settings    models.Settings
	step        int
	unsubscribe func()
}

func New(b backend.Client, cache settings.Cache, history History, capture Capture) *Flow {
	return &Flow{
		backend:  b,
		cache:    cache,
		history:  history,
		capture:  capture,
		ctx:      context.Background(),
		state:    CheckingAuth,
		settings: models.DefaultSettings(),
	}
}

// Start subscribes to session changes and resolves the launch session. A
// failed check is treated as no session.
func (f *Flow) Start(ctx context.Context) {
	f.mu.Lock()
	f.ctx = ctx
	if f.unsubscribe == nil {
		f.unsubscribe = f.backend.Subscribe(f.onSessionChange)
	}
	f.state = CheckingAuth
	f.mu.Unlock()

	u, err := f.backend.GetSession(ctx)
	if err != nil {
		logger.Debug("Session check failed, continuing signed out: %v", err)
		u = nil
	}
	f.resolve(ctx, u)
}

// Stop drops the session subscription.
func (f *Flow) Stop() {
	f.mu.Lock()
	unsubscribe := f.unsubscribe
	f.unsubscribe = nil
	f.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (f *Flow) onSessionChange(u *models.User) {
	f.mu.Lock()
	ctx := f.ctx
	f.state = CheckingAuth
	f.mu.Unlock()

	f.resolve(ctx, u)
}

func (f *Flow) resolve(ctx context.Context, u *models.User) {
	if u == nil {
		f.teardown()
		return
	}
	if err := f.enter(ctx, u); err != nil {
		logger.Debug("Could not enter session for %s: %v", u.Email, err)
		f.teardown()
	}
}

// enter loads history and settings for u, then shows onboarding unless the
// user has seen it before.
func (f *Flow) enter(ctx context.Context, u *models.User) error {
	f.history.Bind(u.ID)
	if err := f.history.Reload(ctx); err != nil {
		if errors.Is(err, backend.ErrNotAuthenticated) {
			// The backend already dropped the session.
			return err
		}
		logger.Error("Failed to load history for %s: %v", u.Email, err)
	}

	s, err := settings.Load(ctx, f.cache, u.Email)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	user := *u
	f.user = &user
	f.settings = s
	f.step = 0
	if s.OnboardingSeen {
		f.state = Main
	} else {
		f.state = Onboarding
	}
	logger.Info("Session ready for %s (%s)", u.Email, f.state)
	return nil
}

func (f *Flow) teardown() {
	f.history.Clear()
	if f.capture != nil {
		f.capture.Discard()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.user = nil
	f.settings = models.DefaultSettings()
	f.step = 0
	f.state = Unauthenticated
}

func (f *Flow) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := Snapshot{State: f.state, Settings: f.settings, OnboardingStep: f.step}
	if f.user != nil {
		u := *f.user
		snap.User = &u
	}
	return snap
}

func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// User returns the signed-in user.
func (f *Flow) User() (models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.user == nil {
		return models.User{}, ErrNotAuthenticated
	}
	return *f.user, nil
}

func (f *Flow) Settings() models.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

// Login signs in. Validation and credential errors are returned as is and
// never posted as notices.
func (f *Flow) Login(ctx context.Context, email, password string) (models.User, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return models.User{}, backend.ErrMissingFields
	}
	u, err := f.backend.Authenticate(ctx, email, password)
	if err != nil {
		return models.User{}, err
	}
	f.ensureEntered(ctx, u)
	return *u, nil
}

// Register creates an account. When the backend signs the new account in,
// the flow moves on to onboarding.
func (f *Flow) Register(ctx context.Context, email, password, confirm string, recovery backend.Recovery) (models.User, error) {
	if err := backend.ValidateCredentials(email, password); err != nil {
		return models.User{}, err
	}
	if password != confirm {
		return models.User{}, ErrPasswordMismatch
	}

	u, err := f.backend.Register(ctx, email, password, recovery)
	if err != nil {
		return models.User{}, err
	}

	s, err := f.backend.GetSession(ctx)
	if err == nil && s != nil && s.ID == u.ID {
		f.ensureEntered(ctx, u)
	}
	return *u, nil
}

// ensureEntered enters u unless the session event already did.
func (f *Flow) ensureEntered(ctx context.Context, u *models.User) {
	f.mu.Lock()
	done := f.user != nil && f.user.ID == u.ID && f.state != CheckingAuth
	f.mu.Unlock()
	if !done {
		f.resolve(ctx, u)
	}
}

// RequestPasswordReset starts recovery and returns the security question,
// or "" when the backend mails a link instead.
func (f *Flow) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	if strings.TrimSpace(email) == "" {
		return "", backend.ErrMissingFields
	}
	return f.backend.RequestPasswordReset(ctx, email)
}

// ResetPassword completes a security-question reset on backends that
// support it.
func (f *Flow) ResetPassword(ctx context.Context, email, answer, newPassword, confirm string) error {
	r, ok := f.backend.(backend.Resetter)
	if !ok {
		return backend.ErrUnsupported
	}
	if strings.TrimSpace(answer) == "" {
		return backend.ErrMissingFields
	}
	if err := backend.ValidateCredentials(email, newPassword); err != nil {
		return err
	}
	if newPassword != confirm {
		return ErrPasswordMismatch
	}
	return r.ResetPassword(ctx, email, answer, newPassword)
}

// NextOnboardingStep advances the intro; past the last page it completes it.
func (f *Flow) NextOnboardingStep(ctx context.Context) (int, error) {
	f.mu.Lock()
	if f.state != Onboarding {
		f.mu.Unlock()
		return 0, ErrNotOnboarding
	}
	if f.step < OnboardingSteps-1 {
		f.step++
		step := f.step
		f.mu.Unlock()
		return step, nil
	}
	f.mu.Unlock()
	return OnboardingSteps, f.CompleteOnboarding(ctx)
}

func (f *Flow) CompleteOnboarding(ctx context.Context) error {
	return f.finishOnboarding(ctx)
}

// SkipOnboarding leaves the intro early. It is remembered like completion.
func (f *Flow) SkipOnboarding(ctx context.Context) error {
	return f.finishOnboarding(ctx)
}

func (f *Flow) finishOnboarding(ctx context.Context) error {
	u, err := f.User()
	if err != nil {
		return err
	}
	if f.State() != Onboarding {
		return ErrNotOnboarding
	}
	if err := settings.MarkOnboardingSeen(ctx, f.cache, u.Email); err != nil {
		return fmt.Errorf("failed to save onboarding flag: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings.OnboardingSeen = true
	f.state = Main
	return nil
}

// Logout signs out and returns to the sign-in screen. Sign-out errors are
// logged only; the local session is torn down regardless.
func (f *Flow) Logout(ctx context.Context) {
	if err := f.backend.SignOut(ctx); err != nil {
		logger.Error("Sign out failed: %v", err)
	}
	f.teardown()
}

func (f *Flow) UpdateGoal(ctx context.Context, goal string) error {
	u, err := f.User()
	if err != nil {
		return err
	}
	if err := settings.SaveGoal(ctx, f.cache, u.Email, goal); err != nil {
		return err
	}
	f.mu.Lock()
	f.settings.Goal = strings.TrimSpace(goal)
	f.mu.Unlock()
	return nil
}

func (f *Flow) UpdateTargetCalories(ctx context.Context, target string) error {
	u, err := f.User()
	if err != nil {
		return err
	}
	if err := settings.SaveTargetCalories(ctx, f.cache, u.Email, target); err != nil {
		return err
	}
	s, err := settings.Load(ctx, f.cache, u.Email)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.settings.TargetCalories = s.TargetCalories
	f.mu.Unlock()
	return nil
}
