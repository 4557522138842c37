package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// --- Records ---

func (s *LibSQLStore) CreateRecord(ctx context.Context, rec *schema.Record) error {
	data, err := marshalMapOrDefault(rec.Data)
	if err != nil {
		return fmt.Errorf("marshal record data: %w", err)
	}
	rec.CreatedAt = timeOrNow(rec.CreatedAt)
	rec.UpdatedAt = timeOrNow(rec.UpdatedAt)
	if rec.Version == 0 {
		rec.Version = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (id, model_id, data, version, created_at, updated_at, deleted_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ModelID, data, rec.Version, rec.CreatedAt, rec.UpdatedAt, nullTime(rec.DeletedAt),
	)
	return err
}

// GetRecord returns a record even if it is soft-deleted; callers decide
// whether a deleted record is usable.
func (s *LibSQLStore) GetRecord(ctx context.Context, id string) (*schema.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, model_id, data, version, created_at, updated_at, deleted_at FROM records WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, storeNotFound("record", id)
	}
	return recs[0], nil
}

func (s *LibSQLStore) ListRecords(ctx context.Context, filter RecordFilter) ([]*schema.Record, error) {
	var where []string
	var args []any

	if filter.ModelID != "" {
		where = append(where, "model_id = ?")
		args = append(args, filter.ModelID)
	}
	if !filter.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}

	query := "SELECT id, model_id, data, version, created_at, updated_at, deleted_at FROM records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *LibSQLStore) SaveRecordFields(ctx context.Context, id string, partial, base map[string]any) (*schema.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var dataJSON string
	var version int64
	var deletedAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT data, version, deleted_at FROM records WHERE id = ?`, id,
	).Scan(&dataJSON, &version, &deletedAt)
	if err == sql.ErrNoRows || (err == nil && deletedAt.Valid) {
		return nil, storeNotFound("record", id)
	}
	if err != nil {
		return nil, err
	}

	data := map[string]any{}
	if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
		return nil, fmt.Errorf("unmarshal record data: %w", err)
	}
	if base != nil {
		if changed := ConflictingFields(data, base, partial); len(changed) > 0 {
			return nil, FieldConflictError(id, changed)
		}
	}
	for k, v := range partial {
		data[k] = v
	}
	merged, err := marshalMapOrDefault(data)
	if err != nil {
		return nil, fmt.Errorf("marshal record data: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE records SET data = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		merged, now, id, version,
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "record %q was modified concurrently", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit record update: %w", err)
	}
	return s.GetRecord(ctx, id)
}

func (s *LibSQLStore) SoftDeleteRecord(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "record", id)
}

func scanRecords(rows *sql.Rows) ([]*schema.Record, error) {
	var recs []*schema.Record
	for rows.Next() {
		r := &schema.Record{}
		var dataJSON string
		var deletedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.ModelID, &dataJSON, &r.Version, &r.CreatedAt, &r.UpdatedAt, &deletedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(dataJSON), &r.Data); err != nil {
			return nil, fmt.Errorf("unmarshal record %s: %w", r.ID, err)
		}
		if r.Data == nil {
			r.Data = map[string]any{}
		}
		r.DeletedAt = timePtr(deletedAt)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *schema.Execution) error {
	result, err := json.Marshal(exec.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	errJSON, err := marshalError(exec.Error)
	if err != nil {
		return err
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, record_id, action_id, agent_id, schedule_id, status, result, error, token_usage, execution_time_ms, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.RecordID, exec.ActionID, exec.AgentID, nullStr(exec.ScheduleID),
		string(exec.Status), string(result), errJSON, exec.TokenUsage, exec.ExecutionTimeMs,
		exec.CreatedAt, nullTime(exec.CompletedAt),
	)
	return err
}

const executionColumns = `id, record_id, action_id, agent_id, schedule_id, status, result, error, token_usage, execution_time_ms, created_at, completed_at`

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	execs, err := scanExecutions(rows)
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		return nil, storeNotFound("execution", id)
	}
	return execs[0], nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Result != nil {
		b, err := json.Marshal(update.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		sets = append(sets, "result = ?")
		args = append(args, string(b))
	}
	if update.Error != nil {
		errJSON, err := marshalError(update.Error)
		if err != nil {
			return err
		}
		sets = append(sets, "error = ?")
		args = append(args, errJSON)
	}
	if update.TokenUsage != nil {
		sets = append(sets, "token_usage = ?")
		args = append(args, *update.TokenUsage)
	}
	if update.ExecutionTimeMs != nil {
		sets = append(sets, "execution_time_ms = ?")
		args = append(args, *update.ExecutionTimeMs)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	var where []string
	var args []any

	if filter.RecordID != "" {
		where = append(where, "record_id = ?")
		args = append(args, filter.RecordID)
	}
	if filter.ActionID != "" {
		where = append(where, "action_id = ?")
		args = append(args, filter.ActionID)
	}
	if filter.ScheduleID != "" {
		where = append(where, "schedule_id = ?")
		args = append(args, filter.ScheduleID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := "SELECT " + executionColumns + " FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExecutions(rows)
}

func scanExecutions(rows *sql.Rows) ([]*schema.Execution, error) {
	var execs []*schema.Execution
	for rows.Next() {
		e := &schema.Execution{}
		var scheduleID, resultJSON, errJSON sql.NullString
		var status string
		var completedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.RecordID, &e.ActionID, &e.AgentID, &scheduleID, &status,
			&resultJSON, &errJSON, &e.TokenUsage, &e.ExecutionTimeMs, &e.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		e.ScheduleID = scheduleID.String
		e.Status = schema.ExecutionStatus(status)
		if raw := rawOrNil(resultJSON); raw != nil {
			if err := json.Unmarshal(raw, &e.Result); err != nil {
				return nil, fmt.Errorf("unmarshal execution %s result: %w", e.ID, err)
			}
		}
		if raw := rawOrNil(errJSON); raw != nil {
			e.Error = &schema.StepflowError{}
			if err := json.Unmarshal(raw, e.Error); err != nil {
				return nil, fmt.Errorf("unmarshal execution %s error: %w", e.ID, err)
			}
		}
		e.CompletedAt = timePtr(completedAt)
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func marshalError(e *schema.StepflowError) (any, error) {
	if e == nil {
		return nil, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal execution error: %w", err)
	}
	return string(b), nil
}

// --- Events ---

// AppendEvent assigns the next per-execution sequence number and inserts the event.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO execution_events (execution_id, step_id, event_type, payload, agent_id, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), nullStr(event.AgentID), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, event_type, payload, agent_id, timestamp, sequence
		 FROM execution_events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, agentID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepID, &e.Type, &payload, &agentID, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.AgentID = agentID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}
