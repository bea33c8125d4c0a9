package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"foreman/internal/model"
)

func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent model.AgentRecord) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return errors.Wrap(err, "marshal agent")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, session_id, epic_id, story_id, status, created_at, updated_at, data_json) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at, data_json = excluded.data_json`,
		agent.ID, agent.SessionID, agent.EpicID, agent.StoryID, string(agent.Status), formatTime(agent.CreatedAt), formatTime(agent.UpdatedAt), string(data),
	)
	return errors.Wrapf(err, "upsert agent %s", agent.ID)
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (model.AgentRecord, error) {
	var agent model.AgentRecord
	err := s.getJSON(ctx, &agent, `SELECT data_json FROM agents WHERE id = ?`, id)
	return agent, errors.Wrapf(err, "agent %s", id)
}

func (s *SQLiteStore) ListAgents(ctx context.Context, sessionID string) ([]model.AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data_json FROM agents WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "list agents")
	}
	return scanJSON[model.AgentRecord](rows)
}

func (s *SQLiteStore) InsertContinuation(ctx context.Context, c model.AgentContinuation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal continuation")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO continuations (id, agent_id, session_id, status, created_at, data_json) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.AgentID, c.SessionID, string(c.Status), formatTime(c.CreatedAt), string(data),
	)
	return errors.Wrapf(err, "insert continuation %s", c.ID)
}

func (s *SQLiteStore) UpdateContinuation(ctx context.Context, c model.AgentContinuation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal continuation")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE continuations SET status = ?, data_json = ? WHERE id = ?`, string(c.Status), string(data), c.ID)
	return checkUpdated(res, err, "continuation "+c.ID)
}

func (s *SQLiteStore) ListContinuations(ctx context.Context, agentID string) ([]model.AgentContinuation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data_json FROM continuations WHERE agent_id = ? ORDER BY created_at, id`, agentID)
	if err != nil {
		return nil, errors.Wrap(err, "list continuations")
	}
	return scanJSON[model.AgentContinuation](rows)
}

// InsertEvaluation appends an evaluation. Evaluations are never updated.
func (s *SQLiteStore) InsertEvaluation(ctx context.Context, eval model.WorkEvaluation) error {
	data, err := json.Marshal(eval)
	if err != nil {
		return errors.Wrap(err, "marshal evaluation")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evaluations (id, session_id, epic_id, story_id, status, created_at, data_json) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		eval.ID, eval.SessionID, eval.EpicID, eval.StoryID, string(eval.Status), formatTime(eval.CreatedAt), string(data),
	)
	return errors.Wrapf(err, "insert evaluation %s", eval.ID)
}

func (s *SQLiteStore) LatestEvaluation(ctx context.Context, sessionID string, ref model.WorkRef) (*model.WorkEvaluation, error) {
	var eval model.WorkEvaluation
	err := s.getJSON(ctx, &eval,
		`SELECT data_json FROM evaluations WHERE session_id = ? AND epic_id = ? AND story_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		sessionID, ref.EpicID, ref.StoryID,
	)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "latest evaluation %s", ref)
	}
	return &eval, nil
}

func (s *SQLiteStore) InsertReview(ctx context.Context, review model.CodeReviewResult) error {
	data, err := json.Marshal(review)
	if err != nil {
		return errors.Wrap(err, "marshal review")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reviews (id, session_id, epic_id, story_id, iteration, created_at, data_json) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		review.ID, review.SessionID, review.EpicID, review.StoryID, review.Iteration, formatTime(review.CreatedAt), string(data),
	)
	return errors.Wrapf(err, "insert review %s", review.ID)
}

// LatestReview returns the most recent review of a story, or nil. Iterations
// restart when a blocked story is retried, so recency wins over iteration.
func (s *SQLiteStore) LatestReview(ctx context.Context, sessionID string, ref model.WorkRef) (*model.CodeReviewResult, error) {
	var review model.CodeReviewResult
	err := s.getJSON(ctx, &review,
		`SELECT data_json FROM reviews WHERE session_id = ? AND epic_id = ? AND story_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		sessionID, ref.EpicID, ref.StoryID,
	)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "latest review %s", ref)
	}
	return &review, nil
}

// RecordCICheck stores a check result when its conclusion differs from the
// latest one recorded under the same name. It returns the previous conclusion
// ("" for a new check) and whether a row was written.
func (s *SQLiteStore) RecordCICheck(ctx context.Context, check model.CiCheckResult) (model.CheckConclusion, bool, error) {
	var previous string
	err := s.db.QueryRowContext(ctx,
		`SELECT conclusion FROM ci_checks WHERE session_id = ? AND epic_id = ? AND story_id = ? AND name = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		check.SessionID, check.EpicID, check.StoryID, check.Name,
	).Scan(&previous)
	if err != nil && err != sql.ErrNoRows {
		return "", false, errors.Wrapf(err, "read ci check %s", check.Name)
	}
	if previous == string(check.Conclusion) {
		return model.CheckConclusion(previous), false, nil
	}
	data, err := json.Marshal(check)
	if err != nil {
		return "", false, errors.Wrap(err, "marshal ci check")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ci_checks (id, session_id, epic_id, story_id, name, conclusion, created_at, data_json) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		check.ID, check.SessionID, check.EpicID, check.StoryID, check.Name, string(check.Conclusion), formatTime(check.CreatedAt), string(data),
	)
	if err != nil {
		return "", false, errors.Wrapf(err, "insert ci check %s", check.Name)
	}
	return model.CheckConclusion(previous), true, nil
}

// LatestCIChecks returns the latest result per check name, sorted by name.
func (s *SQLiteStore) LatestCIChecks(ctx context.Context, sessionID string, ref model.WorkRef) ([]model.CiCheckResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.data_json FROM ci_checks c
WHERE c.session_id = ? AND c.epic_id = ? AND c.story_id = ?
  AND c.rowid = (
    SELECT l.rowid FROM ci_checks l
    WHERE l.session_id = c.session_id AND l.epic_id = c.epic_id AND l.story_id = c.story_id AND l.name = c.name
    ORDER BY l.created_at DESC, l.rowid DESC LIMIT 1)
ORDER BY c.name`,
		sessionID, ref.EpicID, ref.StoryID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "latest ci checks")
	}
	return scanJSON[model.CiCheckResult](rows)
}

func (s *SQLiteStore) InsertDetection(ctx context.Context, d model.StuckAgentDetection) error {
	data, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "marshal detection")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO detections (id, agent_id, session_id, type, resolved, detected_at, data_json) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.AgentID, d.SessionID, string(d.Type), boolInt(d.Resolved), formatTime(d.DetectedAt), string(data),
	)
	return errors.Wrapf(err, "insert detection %s", d.ID)
}

func (s *SQLiteStore) UpdateDetection(ctx context.Context, d model.StuckAgentDetection) error {
	data, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "marshal detection")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE detections SET resolved = ?, data_json = ? WHERE id = ?`, boolInt(d.Resolved), string(data), d.ID)
	return checkUpdated(res, err, "detection "+d.ID)
}

func (s *SQLiteStore) GetDetection(ctx context.Context, id string) (model.StuckAgentDetection, error) {
	var d model.StuckAgentDetection
	err := s.getJSON(ctx, &d, `SELECT data_json FROM detections WHERE id = ?`, id)
	return d, errors.Wrapf(err, "detection %s", id)
}

func (s *SQLiteStore) OpenDetections(ctx context.Context, agentID string) ([]model.StuckAgentDetection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data_json FROM detections WHERE agent_id = ? AND resolved = 0 ORDER BY detected_at, id`, agentID)
	if err != nil {
		return nil, errors.Wrap(err, "open detections")
	}
	return scanJSON[model.StuckAgentDetection](rows)
}

// ListDetections returns a session's detections, optionally only unresolved ones.
func (s *SQLiteStore) ListDetections(ctx context.Context, sessionID string, openOnly bool) ([]model.StuckAgentDetection, error) {
	query := `SELECT data_json FROM detections WHERE session_id = ? ORDER BY detected_at, id`
	if openOnly {
		query = `SELECT data_json FROM detections WHERE session_id = ? AND resolved = 0 ORDER BY detected_at, id`
	}
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "list detections")
	}
	return scanJSON[model.StuckAgentDetection](rows)
}

func (s *SQLiteStore) RecoveryAttempts(ctx context.Context, detectionID string) ([]model.RecoveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data_json FROM recovery_attempts WHERE detection_id = ? ORDER BY sequence`, detectionID)
	if err != nil {
		return nil, errors.Wrap(err, "list recovery attempts")
	}
	return scanJSON[model.RecoveryAttempt](rows)
}

func (s *SQLiteStore) InsertRecoveryAttempt(ctx context.Context, attempt model.RecoveryAttempt) error {
	data, err := json.Marshal(attempt)
	if err != nil {
		return errors.Wrap(err, "marshal recovery attempt")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO recovery_attempts (id, detection_id, sequence, outcome, data_json) VALUES (?, ?, ?, ?, ?)`,
		attempt.ID, attempt.DetectionID, attempt.Sequence, string(attempt.Outcome), string(data),
	)
	return errors.Wrapf(err, "insert recovery attempt %s", attempt.ID)
}

func (s *SQLiteStore) UpdateRecoveryAttempt(ctx context.Context, attempt model.RecoveryAttempt) error {
	data, err := json.Marshal(attempt)
	if err != nil {
		return errors.Wrap(err, "marshal recovery attempt")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE recovery_attempts SET outcome = ?, data_json = ? WHERE id = ?`, string(attempt.Outcome), string(data), attempt.ID)
	return checkUpdated(res, err, "recovery attempt "+attempt.ID)
}

func (s *SQLiteStore) InsertEdgeCase(ctx context.Context, event model.EdgeCaseEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal edge case")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO edge_cases (id, session_id, kind, created_at, data_json) VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.SessionID, string(event.Kind), formatTime(event.CreatedAt), string(data),
	)
	return errors.Wrapf(err, "insert edge case %s", event.ID)
}

func (s *SQLiteStore) ListEdgeCases(ctx context.Context, sessionID string) ([]model.EdgeCaseEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data_json FROM edge_cases WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "list edge cases")
	}
	return scanJSON[model.EdgeCaseEvent](rows)
}

func (s *SQLiteStore) getJSON(ctx context.Context, dst any, query string, args ...any) error {
	var data string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&data)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), dst)
}

func checkUpdated(res sql.Result, err error, what string) error {
	if err != nil {
		return errors.Wrapf(err, "update %s", what)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrap(ErrNotFound, what)
	}
	return nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
