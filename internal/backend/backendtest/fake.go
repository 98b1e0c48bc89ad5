// internal/backend/backendtest/fake.go
package backendtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"silk-kcal/internal/backend"
	"silk-kcal/internal/models"
)

// Fake is an in-memory backend.Client for tests. The *Err fields make the
// matching call fail; the Before* hooks run inside the call before it
// completes, with no lock held.
type Fake struct {
	mu        sync.Mutex
	users     map[string]fakeUser
	session   *models.User
	records   []backend.Record
	nextID    int
	listeners map[int]func(*models.User)
	nextSub   int
	calls     []string

	Now func() time.Time

	AuthErr    error
	SessionErr error
	ListErr    error
	InsertErr  error
	UpdateErr  error
	DeleteErr  error

	BeforeInsert func()
	BeforeUpdate func()
	BeforeDelete func()
}

type fakeUser struct {
	user     models.User
	password string
	recovery backend.Recovery
}

func New() *Fake {
	return &Fake{
		users:     make(map[string]fakeUser),
		listeners: make(map[int]func(*models.User)),
		Now:       time.Now,
	}
}

// AddUser registers an account without signing it in.
func (f *Fake) AddUser(email, password string) models.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := models.User{ID: "user-" + email, Email: email}
	f.users[email] = fakeUser{user: u, password: password}
	return u
}

// SetSession installs a session as if restored from an earlier launch.
func (f *Fake) SetSession(u *models.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = u
}

// Seed stores a record directly, bypassing the client contract.
func (f *Fake) Seed(userID string, mealType models.MealType, data models.NutritionData, at time.Time) backend.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	r := backend.Record{ID: fmt.Sprintf("rec-%d", f.nextID), UserID: userID, MealType: mealType, Data: data, CreatedAt: at}
	f.insertSorted(r)
	return r
}

// Stored returns the backend's copy of the records, newest first.
func (f *Fake) Stored() []backend.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]backend.Record, len(f.records))
	copy(out, f.records)
	return out
}

// Calls lists the client methods invoked so far.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CountCalls counts invocations of one method.
func (f *Fake) CountCalls(name string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

func (f *Fake) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *Fake) insertSorted(r backend.Record) {
	i := 0
	for i < len(f.records) && f.records[i].CreatedAt.After(r.CreatedAt) {
		i++
	}
	f.records = append(f.records, backend.Record{})
	copy(f.records[i+1:], f.records[i:])
	f.records[i] = r
}

func (f *Fake) emit(u *models.User) {
	f.mu.Lock()
	fns := make([]func(*models.User), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

// Emit delivers a session-change event to subscribers.
func (f *Fake) Emit(u *models.User) { f.emit(u) }

func (f *Fake) Authenticate(_ context.Context, email, password string) (*models.User, error) {
	f.record("Authenticate")
	if f.AuthErr != nil {
		return nil, f.AuthErr
	}
	if strings.TrimSpace(email) == "" || password == "" {
		return nil, backend.ErrMissingFields
	}

	f.mu.Lock()
	fu, ok := f.users[strings.ToLower(strings.TrimSpace(email))]
	if !ok || fu.password != password {
		f.mu.Unlock()
		return nil, backend.ErrInvalidCredentials
	}
	u := fu.user
	f.session = &u
	f.mu.Unlock()

	f.emit(&u)
	out := u
	return &out, nil
}

func (f *Fake) Register(_ context.Context, email, password string, recovery backend.Recovery) (*models.User, error) {
	f.record("Register")
	if err := backend.ValidateCredentials(email, password); err != nil {
		return nil, err
	}
	email = strings.ToLower(strings.TrimSpace(email))

	f.mu.Lock()
	if _, ok := f.users[email]; ok {
		f.mu.Unlock()
		return nil, backend.ErrUserExists
	}
	u := models.User{ID: "user-" + email, Email: email}
	f.users[email] = fakeUser{user: u, password: password, recovery: recovery}
	f.session = &u
	f.mu.Unlock()

	f.emit(&u)
	out := u
	return &out, nil
}

func (f *Fake) RequestPasswordReset(_ context.Context, email string) (string, error) {
	f.record("RequestPasswordReset")
	f.mu.Lock()
	defer f.mu.Unlock()
	fu, ok := f.users[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return "", backend.ErrNotFound
	}
	return fu.recovery.Question, nil
}

func (f *Fake) ResetPassword(_ context.Context, email, answer, newPassword string) error {
	f.record("ResetPassword")
	if err := backend.ValidateCredentials(email, newPassword); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	fu, ok := f.users[email]
	if !ok {
		return backend.ErrNotFound
	}
	if fu.recovery.Answer == "" || !strings.EqualFold(strings.TrimSpace(answer), fu.recovery.Answer) {
		return backend.ErrInvalidRecoveryInfo
	}
	fu.password = newPassword
	f.users[email] = fu
	return nil
}

func (f *Fake) SignOut(_ context.Context) error {
	f.record("SignOut")
	f.mu.Lock()
	f.session = nil
	f.mu.Unlock()
	f.emit(nil)
	return nil
}

func (f *Fake) GetSession(_ context.Context) (*models.User, error) {
	f.record("GetSession")
	if f.SessionErr != nil {
		return nil, f.SessionErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return nil, nil
	}
	u := *f.session
	return &u, nil
}

func (f *Fake) Subscribe(fn func(*models.User)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSub++
	id := f.nextSub
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *Fake) ListRecords(_ context.Context, userID string) ([]backend.Record, error) {
	f.record("ListRecords")
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []backend.Record
	for _, r := range f.records {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *Fake) InsertRecord(_ context.Context, userID string, mealType models.MealType, data models.NutritionData) (*backend.Record, error) {
	f.record("InsertRecord")
	if f.BeforeInsert != nil {
		f.BeforeInsert()
	}
	if f.InsertErr != nil {
		return nil, f.InsertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	r := backend.Record{
		ID:        fmt.Sprintf("rec-%d", f.nextID),
		UserID:    userID,
		MealType:  mealType,
		Data:      data,
		CreatedAt: f.Now(),
	}
	f.insertSorted(r)
	out := r
	return &out, nil
}

func (f *Fake) UpdateRecord(_ context.Context, id string, mealType models.MealType) error {
	f.record("UpdateRecord")
	if f.BeforeUpdate != nil {
		f.BeforeUpdate()
	}
	if f.UpdateErr != nil {
		return f.UpdateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.records {
		if f.records[i].ID == id {
			f.records[i].MealType = mealType
			return nil
		}
	}
	return backend.ErrNotFound
}

func (f *Fake) DeleteRecord(ctx context.Context, id string) error {
	f.record("DeleteRecord")
	return f.deleteIDs([]string{id})
}

func (f *Fake) DeleteRecords(ctx context.Context, ids []string) error {
	f.record("DeleteRecords")
	return f.deleteIDs(ids)
}

func (f *Fake) deleteIDs(ids []string) error {
	if f.BeforeDelete != nil {
		f.BeforeDelete()
	}
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.records[:0]
	for _, r := range f.records {
		if !drop[r.ID] {
			kept = append(kept, r)
		}
	}
	f.records = kept
	return nil
}
