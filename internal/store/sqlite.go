package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore persists chat transcripts. The in-memory session store remains
// the source of truth for live requests; this store is the durable mirror
// written after each completed exchange.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS sessions (
        id TEXT PRIMARY KEY, -- UUID
        namespace TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS turns (
        id TEXT PRIMARY KEY, -- UUID
        session_id TEXT NOT NULL,
        user_text TEXT NOT NULL,
        assistant_text TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (session_id) REFERENCES sessions (id)
    );

    CREATE INDEX IF NOT EXISTS idx_turns_session ON turns (session_id, created_at);
    `
	_, err := s.db.Exec(schema)
	return err
}

// AppendTurn records one completed exchange, creating the session row on
// first use and bumping its updated_at otherwise.
func (s *SQLiteStore) AppendTurn(sessionID, namespace, userText, assistantText string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, namespace, created_at, updated_at) VALUES (?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		sessionID, namespace, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	_, err = s.db.Exec(
		"INSERT INTO turns (id, session_id, user_text, assistant_text, created_at) VALUES (?, ?, ?, ?, ?)",
		uuid.NewString(), sessionID, userText, assistantText, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(sessionID string) (*Session, error) {
	var session Session
	err := s.db.QueryRow(
		`SELECT s.id, s.namespace, s.created_at, s.updated_at,
                (SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id)
         FROM sessions s WHERE s.id = ?`, sessionID,
	).Scan(&session.ID, &session.Namespace, &session.CreatedAt, &session.UpdatedAt, &session.TurnCount)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

func (s *SQLiteStore) ListSessions(namespace string) ([]Session, error) {
	query := `SELECT s.id, s.namespace, s.created_at, s.updated_at,
                     (SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id)
              FROM sessions s`
	args := []any{}
	if namespace != "" {
		query += " WHERE s.namespace = ?"
		args = append(args, namespace)
	}
	query += " ORDER BY s.updated_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var session Session
		if err := rows.Scan(&session.ID, &session.Namespace, &session.CreatedAt, &session.UpdatedAt, &session.TurnCount); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) GetTurns(sessionID string) ([]Turn, error) {
	rows, err := s.db.Query(
		"SELECT id, session_id, user_text, assistant_text, created_at FROM turns WHERE session_id = ? ORDER BY created_at ASC, id ASC",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var turn Turn
		if err := rows.Scan(&turn.ID, &turn.SessionID, &turn.User, &turn.Assistant, &turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}
