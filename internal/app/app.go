// internal/app/app.go
package app

import (
	"context"
	"time"

	"silk-kcal/internal/ai"
	"silk-kcal/internal/backend"
	"silk-kcal/internal/capture"
	"silk-kcal/internal/history"
	"silk-kcal/internal/logger"
	"silk-kcal/internal/models"
	"silk-kcal/internal/notice"
	"silk-kcal/internal/session"
	"silk-kcal/internal/settings"
	"silk-kcal/internal/timeline"
)

type Options struct {
	Location       *time.Location
	SwipeThreshold float64
	NoticeTTL      time.Duration
	Now            func() time.Time
}

// App owns the state of one device session and hands it to the components
// that read or change it.
type App struct {
	Backend  backend.Client
	Analyzer ai.Analyzer
	Cache    settings.Cache

	Notices  *notice.Board
	History  *history.Store
	Timeline *timeline.Timeline
	Capture  *capture.Controller
	Session  *session.Flow
}

func New(b backend.Client, analyzer ai.Analyzer, cache settings.Cache, opts Options) *App {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	board := notice.NewBoard(opts.NoticeTTL)
	store := history.NewStore(b, board,
		history.WithClock(opts.Now),
		history.WithLocation(opts.Location))
	capt := capture.NewController(analyzer, store, board, opts.Now, opts.Location)

	return &App{
		Backend:  b,
		Analyzer: analyzer,
		Cache:    cache,
		Notices:  board,
		History:  store,
		Timeline: timeline.New(store, analyzer, board, opts.SwipeThreshold),
		Capture:  capt,
		Session:  session.New(b, cache, store, capt),
	}
}

// Start resolves the launch session.
func (a *App) Start(ctx context.Context) {
	logger.Info("Checking for an existing session")
	a.Session.Start(ctx)
}

func (a *App) Stop() {
	a.Session.Stop()
}

// RequireUser returns the signed-in user, or session.ErrNotAuthenticated.
func (a *App) RequireUser() (models.User, error) {
	return a.Session.User()
}

// AnalyzeDay runs the daily analysis with the user's current goal and target.
func (a *App) AnalyzeDay(ctx context.Context, date string) (*models.DailyAnalysisResult, error) {
	if _, err := a.RequireUser(); err != nil {
		return nil, err
	}
	s := a.Session.Settings()
	return a.Timeline.AnalyzeDay(ctx, date, s.Goal, s.TargetCalories)
}

// Logout ends the session and leaves selection mode.
func (a *App) Logout(ctx context.Context) {
	a.Timeline.ExitSelection()
	a.Session.Logout(ctx)
}

// Snapshot is the whole screen state.
type Snapshot struct {
	Session   session.Snapshot `json:"session"`
	Capture   capture.State    `json:"capture"`
	Selecting bool             `json:"selecting"`
	Selected  []string         `json:"selected,omitempty"`
	Notices   []notice.Notice  `json:"notices"`
}

func (a *App) Snapshot() Snapshot {
	return Snapshot{
		Session:   a.Session.Snapshot(),
		Capture:   a.Capture.State(),
		Selecting: a.Timeline.Selecting(),
		Selected:  a.Timeline.Selected(),
		Notices:   a.Notices.Active(),
	}
}
