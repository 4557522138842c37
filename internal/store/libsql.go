package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stepflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/stepflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB (used by the event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Agents ---

func (s *LibSQLStore) CreateAgent(ctx context.Context, agent *schema.Agent) error {
	agent.CreatedAt = timeOrNow(agent.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, owner_id, name, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET owner_id=excluded.owner_id, name=excluded.name`,
		agent.ID, agent.OwnerID, agent.Name, agent.CreatedAt,
	)
	return err
}

// GetAgent loads an agent together with all of its models.
func (s *LibSQLStore) GetAgent(ctx context.Context, id string) (*schema.Agent, error) {
	a := &schema.Agent{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, created_at FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.OwnerID, &a.Name, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("agent", id)
	}
	if err != nil {
		return nil, err
	}
	models, err := s.ListModels(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, m := range models {
		a.Models = append(a.Models, *m)
	}
	return a, nil
}

// --- Models ---

func (s *LibSQLStore) CreateModel(ctx context.Context, model *schema.Model) error {
	if err := model.Validate(); err != nil {
		return err
	}
	fields, err := json.Marshal(model.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	var forms any
	if len(model.Forms) > 0 {
		b, err := json.Marshal(model.Forms)
		if err != nil {
			return fmt.Errorf("marshal forms: %w", err)
		}
		forms = string(b)
	}
	model.CreatedAt = timeOrNow(model.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO models (id, agent_id, name, fields, forms, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		model.ID, model.AgentID, model.Name, string(fields), forms, model.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) GetModel(ctx context.Context, id string) (*schema.Model, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, name, fields, forms, created_at FROM models WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	models, err := scanModels(rows)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, storeNotFound("model", id)
	}
	return models[0], nil
}

func (s *LibSQLStore) ListModels(ctx context.Context, agentID string) ([]*schema.Model, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, name, fields, forms, created_at FROM models WHERE agent_id = ? ORDER BY created_at, name`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanModels(rows)
}

func scanModels(rows *sql.Rows) ([]*schema.Model, error) {
	var models []*schema.Model
	for rows.Next() {
		m := &schema.Model{}
		var fieldsJSON string
		var formsJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Name, &fieldsJSON, &formsJSON, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &m.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal fields of model %s: %w", m.ID, err)
		}
		if formsJSON.Valid && formsJSON.String != "" {
			if err := json.Unmarshal([]byte(formsJSON.String), &m.Forms); err != nil {
				return nil, fmt.Errorf("unmarshal forms of model %s: %w", m.ID, err)
			}
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// --- Actions ---

// CreateAction inserts an action and its steps in one transaction.
func (s *LibSQLStore) CreateAction(ctx context.Context, action *schema.Action) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO actions (id, agent_id, target_model, name, title, description) VALUES (?, ?, ?, ?, ?, ?)`,
		action.ID, action.AgentID, action.TargetModel, action.Name, nullStr(action.Title), nullStr(action.Description),
	); err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	for i := range action.Steps {
		st := &action.Steps[i]
		st.ActionID = action.ID
		cfg, err := json.Marshal(st.Config)
		if err != nil {
			return fmt.Errorf("marshal step %s config: %w", st.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO steps (id, action_id, step_order, name, description, type, config) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			st.ID, action.ID, st.Order, st.Name, nullStr(st.Description), string(st.Type), string(cfg),
		); err != nil {
			return fmt.Errorf("insert step %s: %w", st.ID, err)
		}
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetAction(ctx context.Context, id string) (*schema.Action, error) {
	a := &schema.Action{}
	var title, desc sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, target_model, name, title, description FROM actions WHERE id = ?`, id,
	).Scan(&a.ID, &a.AgentID, &a.TargetModel, &a.Name, &title, &desc)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("action", id)
	}
	if err != nil {
		return nil, err
	}
	a.Title = title.String
	a.Description = desc.String
	if a.Steps, err = s.loadSteps(ctx, a.ID); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *LibSQLStore) ListActions(ctx context.Context, agentID string) ([]*schema.Action, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM actions WHERE agent_id = ? ORDER BY name`, agentID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	actions := make([]*schema.Action, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetAction(ctx, id)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func (s *LibSQLStore) loadSteps(ctx context.Context, actionID string) ([]schema.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action_id, step_order, name, description, type, config
		 FROM steps WHERE action_id = ? ORDER BY step_order ASC`, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []schema.Step
	for rows.Next() {
		var st schema.Step
		var desc sql.NullString
		var typ, cfg string
		if err := rows.Scan(&st.ID, &st.ActionID, &st.Order, &st.Name, &desc, &typ, &cfg); err != nil {
			return nil, err
		}
		st.Description = desc.String
		st.Type = schema.StepType(typ)
		if err := json.Unmarshal([]byte(cfg), &st.Config); err != nil {
			return nil, fmt.Errorf("unmarshal step %s config: %w", st.ID, err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.StepflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func unixMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
