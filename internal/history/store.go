// internal/history/store.go
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"silk-kcal/internal/backend"
	"silk-kcal/internal/logger"
	"silk-kcal/internal/models"
	"silk-kcal/internal/notice"
)

var (
	ErrNoUser        = errors.New("no user bound to history")
	ErrUnknownRecord = errors.New("record not in history")
)

const tempPrefix = "tmp-"

// IsTemporary reports whether id was assigned locally and is still waiting
// for the backend to confirm it.
func IsTemporary(id string) bool {
	return strings.HasPrefix(id, tempPrefix)
}

// Store is the in-memory history of the signed-in user. Every mutation shows
// up locally before the backend confirms it. A failed insert is rolled back;
// any other failure reloads from the backend.
//
// Records with a temporary id are not on the backend yet. Updates and removals
// of such a record are held in pending and applied to the confirmed row once
// its insert returns.
type Store struct {
	backend backend.Client
	notify  notice.Notifier
	now     func() time.Time
	loc     *time.Location

	mu      sync.Mutex
	userID  string
	records []models.HistoryRecord
	pending map[string]*pendingInsert
	seq     uint64
}

// pendingInsert is what happened to a temporary record while it was saving.
type pendingInsert struct {
	removed  bool
	mealType models.MealType // set when updated
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLocation sets the time zone that DateStr is computed in.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func NewStore(b backend.Client, n notice.Notifier, opts ...Option) *Store {
	s := &Store{
		backend: b,
		notify:  n,
		now:     time.Now,
		loc:     time.Local,
		pending: make(map[string]*pendingInsert),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Location returns the time zone used for date keys.
func (s *Store) Location() *time.Location {
	return s.loc
}

// Bind switches the store to userID and drops any records held for the
// previous user.
func (s *Store) Bind(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	s.records = nil
	s.pending = make(map[string]*pendingInsert)
}

// Clear forgets the user and the records.
func (s *Store) Clear() {
	s.Bind("")
}

func (s *Store) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Records returns a copy of the history, newest first.
func (s *Store) Records() []models.HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.HistoryRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Get returns the record with id.
func (s *Store) Get(id string) (models.HistoryRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.records[i], true
	}
	return models.HistoryRecord{}, false
}

func (s *Store) indexLocked(id string) int {
	for i := range s.records {
		if s.records[i].ID == id {
			return i
		}
	}
	return -1
}

// Reload replaces the history with the backend's copy.
func (s *Store) Reload(ctx context.Context) error {
	userID := s.UserID()
	if userID == "" {
		return ErrNoUser
	}

	rows, err := s.backend.ListRecords(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	records := make([]models.HistoryRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, models.NewRecord(r.ID, r.CreatedAt, s.loc, r.MealType, r.Data))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userID != userID {
		// Signed out or switched user while loading.
		return nil
	}
	s.records = records
	logger.Debug("Loaded %d history records for %s", len(records), userID)
	return nil
}

func (s *Store) reloadAfterFailure(ctx context.Context) {
	if err := s.Reload(ctx); err != nil {
		logger.Error("Failed to reload history: %v", err)
	}
}

// Insert prepends a temporary record and then saves it. On success the
// temporary id and timestamp are replaced in place with the confirmed ones,
// and any update or removal made in the meantime is sent for the confirmed id.
func (s *Store) Insert(ctx context.Context, data models.NutritionData, mealType models.MealType) (models.HistoryRecord, error) {
	if !mealType.Valid() {
		return models.HistoryRecord{}, fmt.Errorf("invalid meal type %q", mealType)
	}

	s.mu.Lock()
	if s.userID == "" {
		s.mu.Unlock()
		return models.HistoryRecord{}, ErrNoUser
	}
	userID := s.userID
	s.seq++
	now := s.now()
	tempID := fmt.Sprintf("%s%d-%d", tempPrefix, now.UnixNano(), s.seq)
	temp := models.NewRecord(tempID, now, s.loc, mealType, data)
	s.records = append([]models.HistoryRecord{temp}, s.records...)
	op := &pendingInsert{}
	s.pending[tempID] = op
	s.mu.Unlock()

	confirmed, err := s.backend.InsertRecord(ctx, userID, mealType, data)
	if err != nil {
		s.mu.Lock()
		delete(s.pending, tempID)
		if i := s.indexLocked(tempID); i >= 0 {
			s.records = append(s.records[:i], s.records[i+1:]...)
		}
		s.mu.Unlock()

		logger.Error("Failed to save record: %v", err)
		if !op.removed {
			s.notify.Error("Failed to save record")
		}
		return models.HistoryRecord{}, fmt.Errorf("failed to save record: %w", err)
	}

	s.mu.Lock()
	delete(s.pending, tempID)
	if op.removed {
		s.mu.Unlock()
		logger.Debug("Record %s was removed while saving, deleting %s", tempID, confirmed.ID)
		rec := models.NewRecord(confirmed.ID, confirmed.CreatedAt, s.loc, confirmed.MealType, confirmed.Data)
		if err := s.backend.DeleteRecord(ctx, confirmed.ID); err != nil {
			return rec, s.deleteFailed(ctx, err)
		}
		return rec, nil
	}

	i := s.indexLocked(tempID)
	if i < 0 {
		// Reloaded away or signed out while the save was in flight.
		s.mu.Unlock()
		rec := models.NewRecord(confirmed.ID, confirmed.CreatedAt, s.loc, confirmed.MealType, confirmed.Data)
		if op.mealType != "" && op.mealType != confirmed.MealType {
			if err := s.backend.UpdateRecord(ctx, confirmed.ID, op.mealType); err != nil {
				return rec, s.updateFailed(ctx, confirmed.ID, err)
			}
			rec.MealType = op.mealType
		}
		s.reloadAfterFailure(ctx)
		return rec, nil
	}
	if s.indexLocked(confirmed.ID) >= 0 {
		// A reload already brought in the confirmed row.
		s.records = append(s.records[:i], s.records[i+1:]...)
		i = s.indexLocked(confirmed.ID)
		if op.mealType != "" {
			s.records[i].MealType = op.mealType
		}
	} else {
		s.records[i].ID = confirmed.ID
		s.records[i].Stamp(confirmed.CreatedAt, s.loc)
	}
	rec := s.records[i]
	s.mu.Unlock()

	if op.mealType != "" && op.mealType != confirmed.MealType {
		if err := s.backend.UpdateRecord(ctx, confirmed.ID, op.mealType); err != nil {
			return rec, s.updateFailed(ctx, confirmed.ID, err)
		}
	}

	logger.Debug("Saved record %s (%s, %d kcal)", rec.ID, rec.MealType, rec.Data.Calories)
	return rec, nil
}

// Update changes the meal type in place, then on the backend. A failure
// reloads the history instead of reverting the field.
func (s *Store) Update(ctx context.Context, id string, mealType models.MealType) error {
	if !mealType.Valid() {
		return fmt.Errorf("invalid meal type %q", mealType)
	}

	s.mu.Lock()
	if s.userID == "" {
		s.mu.Unlock()
		return ErrNoUser
	}
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRecord, id)
	}
	s.records[i].MealType = mealType
	if op, ok := s.pending[id]; ok {
		// Sent with the confirmed id once the insert returns.
		op.mealType = mealType
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.backend.UpdateRecord(ctx, id, mealType); err != nil {
		return s.updateFailed(ctx, id, err)
	}
	return nil
}

func (s *Store) updateFailed(ctx context.Context, id string, err error) error {
	logger.Error("Failed to update record %s: %v", id, err)
	s.notify.Error("Failed to update record")
	s.reloadAfterFailure(ctx)
	return fmt.Errorf("failed to update record: %w", err)
}

// Remove deletes one record.
func (s *Store) Remove(ctx context.Context, id string) error {
	ids, err := s.drop([]string{id})
	if err != nil || len(ids) == 0 {
		return err
	}
	if err := s.backend.DeleteRecord(ctx, ids[0]); err != nil {
		return s.deleteFailed(ctx, err)
	}
	return nil
}

// RemoveBatch deletes ids with a single backend call. An empty batch does
// nothing.
func (s *Store) RemoveBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	confirmed, err := s.drop(ids)
	if err != nil || len(confirmed) == 0 {
		return err
	}
	if err := s.backend.DeleteRecords(ctx, confirmed); err != nil {
		return s.deleteFailed(ctx, err)
	}
	return nil
}

// drop removes ids from memory and returns the ones the backend has to
// delete. Temporary ids are marked on their pending insert instead.
func (s *Store) drop(ids []string) ([]string, error) {
	set := make(map[string]bool, len(ids))
	var confirmed []string
	for _, id := range ids {
		if set[id] {
			continue
		}
		set[id] = true
		if !IsTemporary(id) {
			confirmed = append(confirmed, id)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userID == "" {
		return nil, ErrNoUser
	}
	for id := range set {
		if op, ok := s.pending[id]; ok {
			op.removed = true
		}
	}
	kept := make([]models.HistoryRecord, 0, len(s.records))
	for _, r := range s.records {
		if !set[r.ID] {
			kept = append(kept, r)
		}
	}
	s.records = kept
	return confirmed, nil
}

func (s *Store) deleteFailed(ctx context.Context, err error) error {
	logger.Error("Failed to delete records: %v", err)
	s.notify.Error("Failed to delete record")
	s.reloadAfterFailure(ctx)
	return fmt.Errorf("failed to delete record: %w", err)
}
