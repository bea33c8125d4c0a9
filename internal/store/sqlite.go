package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"foreman/internal/model"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrStoryClaimed = errors.New("story already claimed by another session")
	ErrStaleSession = errors.New("session was modified concurrently")
)

type SQLiteStore struct {
	DBPath string
	db     *sql.DB
}

func NewSQLiteStore(dbPath string) *SQLiteStore {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = ".foreman/foreman.db"
	}
	return &SQLiteStore{DBPath: dbPath}
}

// Open opens the database at dbPath and ensures the schema exists.
func Open(dbPath string) (*SQLiteStore, error) {
	s := NewSQLiteStore(dbPath)
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Init() error {
	if s.db != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.DBPath), 0o755); err != nil {
		return errors.Wrap(err, "create db dir")
	}
	db, err := sql.Open("sqlite", s.DBPath)
	if err != nil {
		return errors.Wrap(err, "open sqlite")
	}
	// One writer keeps transactions and the optimistic version check simple.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return errors.Wrapf(err, "exec %q", p)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return errors.Wrap(err, "ensure schema")
	}
	s.db = db
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  state TEXT NOT NULL,
  pattern TEXT NOT NULL DEFAULT '',
  version INTEGER NOT NULL,
  started_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  data_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS work_items (
  session_id TEXT NOT NULL,
  epic_id TEXT NOT NULL,
  story_id TEXT NOT NULL,
  position INTEGER NOT NULL,
  status TEXT NOT NULL,
  agent_id TEXT NOT NULL DEFAULT '',
  updated_at TEXT NOT NULL,
  data_json TEXT NOT NULL,
  PRIMARY KEY (session_id, epic_id, story_id)
);
CREATE TABLE IF NOT EXISTS story_claims (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  epic_id TEXT NOT NULL,
  story_id TEXT NOT NULL,
  session_id TEXT NOT NULL,
  claimed_at TEXT NOT NULL,
  released_at TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_story_claims_active
  ON story_claims(epic_id, story_id) WHERE released_at IS NULL;
CREATE TABLE IF NOT EXISTS agents (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  epic_id TEXT NOT NULL,
  story_id TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  data_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS continuations (
  id TEXT PRIMARY KEY,
  agent_id TEXT NOT NULL,
  session_id TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at TEXT NOT NULL,
  data_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS evaluations (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  epic_id TEXT NOT NULL,
  story_id TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at TEXT NOT NULL,
  data_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS reviews (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  epic_id TEXT NOT NULL,
  story_id TEXT NOT NULL,
  iteration INTEGER NOT NULL,
  created_at TEXT NOT NULL,
  data_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS ci_checks (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  epic_id TEXT NOT NULL,
  story_id TEXT NOT NULL,
  name TEXT NOT NULL,
  conclusion TEXT NOT NULL,
  created_at TEXT NOT NULL,
  data_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS detections (
  id TEXT PRIMARY KEY,
  agent_id TEXT NOT NULL,
  session_id TEXT NOT NULL,
  type TEXT NOT NULL,
  resolved INTEGER NOT NULL,
  detected_at TEXT NOT NULL,
  data_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS recovery_attempts (
  id TEXT PRIMARY KEY,
  detection_id TEXT NOT NULL,
  sequence INTEGER NOT NULL,
  outcome TEXT NOT NULL,
  data_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS edge_cases (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  created_at TEXT NOT NULL,
  data_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  entity_type TEXT NOT NULL,
  entity_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  from_state TEXT NOT NULL DEFAULT '',
  to_state TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_work_items_session ON work_items(session_id, position);
CREATE INDEX IF NOT EXISTS idx_agents_session ON agents(session_id);
CREATE INDEX IF NOT EXISTS idx_continuations_agent ON continuations(agent_id, created_at);
CREATE INDEX IF NOT EXISTS idx_evaluations_story ON evaluations(session_id, epic_id, story_id, created_at);
CREATE INDEX IF NOT EXISTS idx_reviews_story ON reviews(session_id, epic_id, story_id, iteration);
CREATE INDEX IF NOT EXISTS idx_ci_checks_story ON ci_checks(session_id, epic_id, story_id, name, created_at);
CREATE INDEX IF NOT EXISTS idx_detections_agent ON detections(agent_id, resolved);
CREATE INDEX IF NOT EXISTS idx_detections_session ON detections(session_id, resolved);
CREATE INDEX IF NOT EXISTS idx_recovery_detection ON recovery_attempts(detection_id, sequence);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);
`

// Change is persisted in one transaction. A non-nil Session is written with an
// optimistic version check and its Version is bumped on success.
type Change struct {
	Session *model.Session
	Items   []model.WorkItem
	Events  []model.EventRecord
}

func (s *SQLiteStore) CreateSession(ctx context.Context, session model.Session, items []model.WorkItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin create session")
	}
	defer tx.Rollback()

	data, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "marshal session")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, state, pattern, version, started_at, updated_at, data_json) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID, string(session.State), session.Pattern, session.Version, formatTime(session.StartedAt), formatTime(session.UpdatedAt), string(data),
	); err != nil {
		return errors.Wrapf(err, "insert session %s", session.ID)
	}
	for i, item := range items {
		if err := upsertWorkItem(ctx, tx, item, i); err != nil {
			return err
		}
	}
	if err := insertEvent(ctx, tx, model.EventRecord{
		SessionID:  session.ID,
		EntityType: "session",
		EntityID:   session.ID,
		EventType:  "created",
		ToState:    string(session.State),
		Message:    session.Pattern,
		CreatedAt:  session.StartedAt,
	}); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit create session")
}

func (s *SQLiteStore) Apply(ctx context.Context, change Change) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin apply")
	}
	defer tx.Rollback()

	var version int64
	if change.Session != nil {
		if version, err = updateSession(ctx, tx, *change.Session); err != nil {
			return err
		}
	}
	for _, item := range change.Items {
		if err := upsertWorkItem(ctx, tx, item, -1); err != nil {
			return err
		}
	}
	for _, event := range change.Events {
		if err := insertEvent(ctx, tx, event); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit apply")
	}
	if change.Session != nil {
		change.Session.Version = version
	}
	return nil
}

func updateSession(ctx context.Context, tx *sql.Tx, session model.Session) (int64, error) {
	expected := session.Version
	next := session
	next.Version = expected + 1
	data, err := json.Marshal(next)
	if err != nil {
		return 0, errors.Wrap(err, "marshal session")
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET state = ?, version = ?, updated_at = ?, data_json = ? WHERE id = ? AND version = ?`,
		string(next.State), next.Version, formatTime(next.UpdatedAt), string(data), next.ID, expected,
	)
	if err != nil {
		return 0, errors.Wrapf(err, "update session %s", session.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, session.ID).Scan(&exists)
		if err != nil {
			return 0, errors.Wrap(err, "check session")
		}
		if exists == 0 {
			return 0, errors.Wrapf(ErrNotFound, "session %s", session.ID)
		}
		return 0, errors.Wrapf(ErrStaleSession, "session %s at version %d", session.ID, expected)
	}
	return next.Version, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (model.Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data_json FROM sessions WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return model.Session{}, errors.Wrapf(ErrNotFound, "session %s", id)
	}
	if err != nil {
		return model.Session{}, errors.Wrapf(err, "get session %s", id)
	}
	var session model.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return model.Session{}, errors.Wrapf(err, "decode session %s", id)
	}
	return session, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data_json FROM sessions ORDER BY started_at DESC, id DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	return scanJSON[model.Session](rows)
}

func upsertWorkItem(ctx context.Context, tx *sql.Tx, item model.WorkItem, position int) error {
	data, err := json.Marshal(item)
	if err != nil {
		return errors.Wrap(err, "marshal work item")
	}
	if position < 0 {
		res, err := tx.ExecContext(ctx,
			`UPDATE work_items SET status = ?, agent_id = ?, updated_at = ?, data_json = ? WHERE session_id = ? AND epic_id = ? AND story_id = ?`,
			string(item.Status), item.AgentID, formatTime(item.UpdatedAt), string(data), item.SessionID, item.EpicID, item.StoryID,
		)
		if err != nil {
			return errors.Wrapf(err, "update work item %s", item.Ref())
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), -1) + 1 FROM work_items WHERE session_id = ?`, item.SessionID).Scan(&position); err != nil {
			return errors.Wrap(err, "next work item position")
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO work_items (session_id, epic_id, story_id, position, status, agent_id, updated_at, data_json) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.SessionID, item.EpicID, item.StoryID, position, string(item.Status), item.AgentID, formatTime(item.UpdatedAt), string(data),
	)
	return errors.Wrapf(err, "insert work item %s", item.Ref())
}

// ListWorkItems returns the session's stories in planned order.
func (s *SQLiteStore) ListWorkItems(ctx context.Context, sessionID string) ([]model.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data_json FROM work_items WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "list work items")
	}
	return scanJSON[model.WorkItem](rows)
}

func (s *SQLiteStore) GetWorkItem(ctx context.Context, sessionID string, ref model.WorkRef) (model.WorkItem, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data_json FROM work_items WHERE session_id = ? AND epic_id = ? AND story_id = ?`,
		sessionID, ref.EpicID, ref.StoryID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return model.WorkItem{}, errors.Wrapf(ErrNotFound, "work item %s", ref)
	}
	if err != nil {
		return model.WorkItem{}, errors.Wrapf(err, "get work item %s", ref)
	}
	var item model.WorkItem
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return model.WorkItem{}, errors.Wrapf(err, "decode work item %s", ref)
	}
	return item, nil
}

// ClaimStory records that sessionID works on ref. Claiming a story the same
// session already holds is a no-op.
func (s *SQLiteStore) ClaimStory(ctx context.Context, sessionID string, ref model.WorkRef) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin claim")
	}
	defer tx.Rollback()

	var holder string
	err = tx.QueryRowContext(ctx,
		`SELECT session_id FROM story_claims WHERE epic_id = ? AND story_id = ? AND released_at IS NULL`,
		ref.EpicID, ref.StoryID,
	).Scan(&holder)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return errors.Wrapf(err, "read claim %s", ref)
	case holder == sessionID:
		return nil
	default:
		return errors.Wrapf(ErrStoryClaimed, "%s held by %s", ref, holder)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO story_claims (epic_id, story_id, session_id, claimed_at) VALUES (?, ?, ?, ?)`,
		ref.EpicID, ref.StoryID, sessionID, formatTime(time.Now()),
	); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return errors.Wrapf(ErrStoryClaimed, "%s", ref)
		}
		return errors.Wrapf(err, "claim %s", ref)
	}
	return errors.Wrap(tx.Commit(), "commit claim")
}

func (s *SQLiteStore) ReleaseStory(ctx context.Context, sessionID string, ref model.WorkRef) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE story_claims SET released_at = ? WHERE session_id = ? AND epic_id = ? AND story_id = ? AND released_at IS NULL`,
		formatTime(time.Now()), sessionID, ref.EpicID, ref.StoryID,
	)
	return errors.Wrapf(err, "release %s", ref)
}

func (s *SQLiteStore) ReleaseSessionClaims(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE story_claims SET released_at = ? WHERE session_id = ? AND released_at IS NULL`,
		formatTime(time.Now()), sessionID,
	)
	return errors.Wrapf(err, "release claims of %s", sessionID)
}

// ClaimHolder returns the session currently holding ref, or "".
func (s *SQLiteStore) ClaimHolder(ctx context.Context, ref model.WorkRef) (string, error) {
	var holder string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM story_claims WHERE epic_id = ? AND story_id = ? AND released_at IS NULL`,
		ref.EpicID, ref.StoryID,
	).Scan(&holder)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return holder, errors.Wrapf(err, "read claim %s", ref)
}

func (s *SQLiteStore) AddEvent(ctx context.Context, event model.EventRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin event")
	}
	defer tx.Rollback()
	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit event")
}

func insertEvent(ctx context.Context, tx *sql.Tx, event model.EventRecord) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO events (session_id, entity_type, entity_id, event_type, from_state, to_state, message, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.SessionID, event.EntityType, event.EntityID, event.EventType, event.FromState, event.ToState, event.Message, formatTime(event.CreatedAt),
	)
	return errors.Wrap(err, "insert event")
}

// ListEvents returns the newest limit events of a session in chronological order.
func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string, limit int) ([]model.EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, entity_type, entity_id, event_type, from_state, to_state, message, created_at
FROM (SELECT * FROM events WHERE session_id = ? ORDER BY id DESC LIMIT ?) ORDER BY id`,
		sessionID, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	defer rows.Close()
	var out []model.EventRecord
	for rows.Next() {
		var event model.EventRecord
		var created string
		if err := rows.Scan(&event.ID, &event.SessionID, &event.EntityType, &event.EntityID, &event.EventType, &event.FromState, &event.ToState, &event.Message, &created); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		event.CreatedAt = parseTime(created)
		out = append(out, event)
	}
	return out, errors.Wrap(rows.Err(), "iterate events")
}

func scanJSON[T any](rows *sql.Rows) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Wrap(err, "scan row")
		}
		var value T
		if err := json.Unmarshal([]byte(data), &value); err != nil {
			return nil, errors.Wrap(err, "decode row")
		}
		out = append(out, value)
	}
	return out, errors.Wrap(rows.Err(), "iterate rows")
}

// timeLayout has a fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}
	}
	return t
}
