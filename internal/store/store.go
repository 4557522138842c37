package store

import (
	"context"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *schema.Agent) error
	GetAgent(ctx context.Context, id string) (*schema.Agent, error)

	// Models
	CreateModel(ctx context.Context, model *schema.Model) error
	GetModel(ctx context.Context, id string) (*schema.Model, error)
	ListModels(ctx context.Context, agentID string) ([]*schema.Model, error)

	// Actions (steps are stored alongside their action)
	CreateAction(ctx context.Context, action *schema.Action) error
	GetAction(ctx context.Context, id string) (*schema.Action, error)
	ListActions(ctx context.Context, agentID string) ([]*schema.Action, error)

	// Records
	CreateRecord(ctx context.Context, rec *schema.Record) error
	GetRecord(ctx context.Context, id string) (*schema.Record, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]*schema.Record, error)
	// SaveRecordFields merges partial into the record's data. When base is
	// non-nil, every key of partial must still hold its base value (or
	// still be absent) in the stored record; otherwise nothing is written
	// and a CONFLICT error names the changed fields. Fields outside partial
	// may change freely.
	SaveRecordFields(ctx context.Context, id string, partial, base map[string]any) (*schema.Record, error)
	SoftDeleteRecord(ctx context.Context, id string) error

	// Executions
	CreateExecution(ctx context.Context, exec *schema.Execution) error
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error)

	// Execution events (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Schedules
	CreateSchedule(ctx context.Context, sched *schema.Schedule) error
	GetSchedule(ctx context.Context, id string) (*schema.Schedule, error)
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*schema.Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	// AdvanceSchedule applies update only if the schedule is still active
	// and its next_run_at equals expectedNextRunAt. It reports whether the
	// row was claimed.
	AdvanceSchedule(ctx context.Context, id string, expectedNextRunAt time.Time, update ScheduleUpdate) (bool, error)

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
