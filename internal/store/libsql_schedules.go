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

// --- Schedules ---

// CreateSchedule inserts a schedule and its pipeline steps in one transaction.
func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *schema.Schedule) error {
	if err := sched.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	sched.CreatedAt = timeOrNow(sched.CreatedAt)
	sched.UpdatedAt = timeOrNow(sched.UpdatedAt)
	var interval any
	if sched.IntervalHours > 0 {
		interval = sched.IntervalHours
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schedules (id, agent_id, name, mode, interval_hours, status, next_run_at, last_run_at, last_run_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.AgentID, sched.Name, string(sched.Mode), interval, string(sched.Status),
		unixMillis(sched.NextRunAt), nullTime(sched.LastRunAt), nullStr(sched.LastRunStatus),
		sched.CreatedAt, sched.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	for i := range sched.Steps {
		st := &sched.Steps[i]
		st.ScheduleID = sched.ID
		q, err := json.Marshal(st.Query)
		if err != nil {
			return fmt.Errorf("marshal schedule step query: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schedule_steps (schedule_id, step_order, model_id, query, action_id) VALUES (?, ?, ?, ?, ?)`,
			sched.ID, st.Order, st.ModelID, string(q), st.ActionID,
		); err != nil {
			return fmt.Errorf("insert schedule step %d: %w", st.Order, err)
		}
	}
	return tx.Commit()
}

const scheduleColumns = `id, agent_id, name, mode, interval_hours, status, next_run_at, last_run_at, last_run_status, created_at, updated_at`

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*schema.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	scheds, err := scanSchedules(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(scheds) == 0 {
		return nil, storeNotFound("schedule", id)
	}
	if err := s.loadScheduleSteps(ctx, scheds[0]); err != nil {
		return nil, err
	}
	return scheds[0], nil
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*schema.Schedule, error) {
	var where []string
	var args []any

	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.DueBy != nil {
		where = append(where, "next_run_at <= ?")
		args = append(args, unixMillis(*filter.DueBy))
	}

	query := "SELECT " + scheduleColumns + " FROM schedules"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY next_run_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	scheds, err := scanSchedules(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	for _, sc := range scheds {
		if err := s.loadScheduleSteps(ctx, sc); err != nil {
			return nil, err
		}
	}
	return scheds, nil
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	sets, args := scheduleSets(update)
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) AdvanceSchedule(ctx context.Context, id string, expectedNextRunAt time.Time, update ScheduleUpdate) (bool, error) {
	sets, args := scheduleSets(update)
	if len(sets) == 0 {
		return false, nil
	}
	args = append(args, id, unixMillis(expectedNextRunAt), string(schema.ScheduleActive))
	query := fmt.Sprintf("UPDATE schedules SET %s WHERE id = ? AND next_run_at = ? AND status = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scheduleSets(update ScheduleUpdate) ([]string, []any) {
	var sets []string
	var args []any
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, unixMillis(*update.NextRunAt))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.LastRunStatus != nil {
		sets = append(sets, "last_run_status = ?")
		args = append(args, *update.LastRunStatus)
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = ?")
		args = append(args, time.Now().UTC())
	}
	return sets, args
}

func scanSchedules(rows *sql.Rows) ([]*schema.Schedule, error) {
	var scheds []*schema.Schedule
	for rows.Next() {
		sc := &schema.Schedule{}
		var mode, status string
		var interval sql.NullInt64
		var nextRunAt int64
		var lastRunAt sql.NullTime
		var lastStatus sql.NullString
		if err := rows.Scan(&sc.ID, &sc.AgentID, &sc.Name, &mode, &interval, &status,
			&nextRunAt, &lastRunAt, &lastStatus, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, err
		}
		sc.Mode = schema.ScheduleMode(mode)
		sc.Status = schema.ScheduleStatus(status)
		sc.IntervalHours = int(interval.Int64)
		sc.NextRunAt = fromMillis(nextRunAt)
		sc.LastRunAt = timePtr(lastRunAt)
		sc.LastRunStatus = lastStatus.String
		scheds = append(scheds, sc)
	}
	return scheds, rows.Err()
}

func (s *LibSQLStore) loadScheduleSteps(ctx context.Context, sc *schema.Schedule) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT schedule_id, step_order, model_id, query, action_id FROM schedule_steps
		 WHERE schedule_id = ? ORDER BY step_order ASC`, sc.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	sc.Steps = nil
	for rows.Next() {
		var st schema.ScheduleStep
		var q string
		if err := rows.Scan(&st.ScheduleID, &st.Order, &st.ModelID, &q, &st.ActionID); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(q), &st.Query); err != nil {
			return fmt.Errorf("unmarshal schedule step query: %w", err)
		}
		sc.Steps = append(sc.Steps, st)
	}
	return rows.Err()
}
