// internal/storage/sqlite.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"silk-kcal/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// SQLiteStorage holds the embedded backend tables: accounts, sessions and
// meal history.
type SQLiteStorage struct {
	db *sql.DB
}

type StoredUser struct {
	ID                 string
	Email              string
	PasswordHash       string
	RecoveryQuestion   string
	RecoveryAnswerHash string
	CreatedAt          int64
}

// StoredRecord is a history row. CreatedAt is epoch millis.
type StoredRecord struct {
	ID        string
	UserID    string
	MealType  models.MealType
	Data      models.NutritionData
	CreatedAt int64
}

func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}

	storage := &SQLiteStorage{db: db}
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

func openDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps pragmas in effect and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return db, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id TEXT PRIMARY KEY,
        email TEXT NOT NULL UNIQUE,
        password_hash TEXT NOT NULL,
        recovery_question TEXT NOT NULL DEFAULT '',
        recovery_answer_hash TEXT NOT NULL DEFAULT '',
        created_at INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS sessions (
        token TEXT PRIMARY KEY,
        user_id TEXT NOT NULL,
        created_at INTEGER NOT NULL,
        FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
    );

    CREATE TABLE IF NOT EXISTS history_records (
        id TEXT PRIMARY KEY,
        user_id TEXT NOT NULL,
        meal_type TEXT NOT NULL,
        data TEXT NOT NULL,
        created_at INTEGER NOT NULL,
        FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
    );

    CREATE INDEX IF NOT EXISTS idx_history_user_created ON history_records(user_id, created_at);
    `

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStorage) CreateUser(ctx context.Context, u *StoredUser) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO users (id, email, password_hash, recovery_question, recovery_answer_hash, created_at)
        VALUES (?, ?, ?, ?, ?, ?)
    `, u.ID, u.Email, u.PasswordHash, u.RecoveryQuestion, u.RecoveryAnswerHash, u.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.Email, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) getUser(ctx context.Context, where string, arg string) (*StoredUser, error) {
	u := &StoredUser{}
	err := s.db.QueryRowContext(ctx, `
        SELECT id, email, password_hash, recovery_question, recovery_answer_hash, created_at
        FROM users WHERE `+where+` = ?
    `, arg).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.RecoveryQuestion, &u.RecoveryAnswerHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return u, nil
}

func (s *SQLiteStorage) GetUserByEmail(ctx context.Context, email string) (*StoredUser, error) {
	return s.getUser(ctx, "email", email)
}

func (s *SQLiteStorage) GetUserByID(ctx context.Context, id string) (*StoredUser, error) {
	return s.getUser(ctx, "id", id)
}

func (s *SQLiteStorage) UpdatePassword(ctx context.Context, userID, hash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = ? WHERE id = ?`, hash, userID)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return expectRows(res)
}

func (s *SQLiteStorage) CreateSession(ctx context.Context, token, userID string, createdAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, created_at) VALUES (?, ?, ?)`,
		token, userID, createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// SessionUser resolves a session token to its user.
func (s *SQLiteStorage) SessionUser(ctx context.Context, token string) (*StoredUser, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM sessions WHERE token = ?`, token).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return s.GetUserByID(ctx, userID)
}

func (s *SQLiteStorage) DeleteSession(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) InsertRecord(ctx context.Context, rec *StoredRecord) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal nutrition data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO history_records (id, user_id, meal_type, data, created_at)
        VALUES (?, ?, ?, ?, ?)
    `, rec.ID, rec.UserID, string(rec.MealType), string(data), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

// ListRecords returns a user's records, newest first.
func (s *SQLiteStorage) ListRecords(ctx context.Context, userID string) ([]*StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, user_id, meal_type, data, created_at
        FROM history_records
        WHERE user_id = ?
        ORDER BY created_at DESC, rowid DESC
    `, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []*StoredRecord
	for rows.Next() {
		rec := &StoredRecord{}
		var mealType, data string
		if err := rows.Scan(&rec.ID, &rec.UserID, &mealType, &data, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.MealType = models.MealType(mealType)
		if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
			return nil, fmt.Errorf("failed to decode record %s: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}

	return records, nil
}

func (s *SQLiteStorage) UpdateMealType(ctx context.Context, userID, id string, mealType models.MealType) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE history_records SET meal_type = ? WHERE id = ? AND user_id = ?`,
		string(mealType), id, userID)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	return expectRows(res)
}

// DeleteRecords removes the given ids owned by userID. Missing ids are ignored.
func (s *SQLiteStorage) DeleteRecords(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM history_records WHERE id = ? AND user_id = ?`, id, userID); err != nil {
			return fmt.Errorf("failed to delete record %s: %w", id, err)
		}
	}

	return tx.Commit()
}

func expectRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
