package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedAgent(t *testing.T, s *LibSQLStore) *schema.Agent {
	t.Helper()
	a := &schema.Agent{ID: uuid.New().String(), OwnerID: "user-1", Name: "pets"}
	require.NoError(t, s.CreateAgent(context.Background(), a))
	return a
}

func seedPetModel(t *testing.T, s *LibSQLStore, agentID string) *schema.Model {
	t.Helper()
	m := &schema.Model{
		ID:      uuid.New().String(),
		AgentID: agentID,
		Name:    "Pet",
		Fields: []schema.Field{
			{Name: "name", Type: schema.FieldText, Required: true},
			{Name: "healthStatus", Type: schema.FieldText},
			{Name: "carePlan", Type: schema.FieldText},
		},
	}
	require.NoError(t, s.CreateModel(context.Background(), m))
	return m
}

func seedRecord(t *testing.T, s *LibSQLStore, modelID string, data map[string]any) *schema.Record {
	t.Helper()
	r := &schema.Record{ID: uuid.New().String(), ModelID: modelID, Data: data}
	require.NoError(t, s.CreateRecord(context.Background(), r))
	return r
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	v, err := schemaVersion(context.Background(), s.DB())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestSplitStatements_SkipsComments(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n-- only a comment\n;\nCREATE TABLE b (y INT)")
	assert.Len(t, stmts, 2)
}

// --- Agents & models ---

func TestAgentWithModels(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAgent(t, s)
	m := seedPetModel(t, s, a.ID)

	got, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.OwnerID)
	require.Len(t, got.Models, 1)
	assert.Equal(t, m.ID, got.Models[0].ID)
	assert.Len(t, got.Models[0].Fields, 3)

	byName, ok := got.Model("Pet")
	require.True(t, ok)
	assert.Equal(t, m.ID, byName.ID)
}

func TestGetAgent_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAgent(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestCreateModel_RejectsInvalidField(t *testing.T) {
	s := newTestStore(t)
	a := seedAgent(t, s)
	err := s.CreateModel(context.Background(), &schema.Model{
		ID: "m1", AgentID: a.ID, Name: "Bad",
		Fields: []schema.Field{{Name: "owner", Type: schema.FieldReference}},
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
}

// --- Actions ---

func TestCreateAndGetAction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAgent(t, s)

	action := &schema.Action{
		ID: uuid.New().String(), AgentID: a.ID, TargetModel: "Pet", Name: "AnalyzeHealth",
		Steps: []schema.Step{
			{ID: "s2", Order: 1, Name: "GenerateCarePlan", Type: schema.StepTypeAIReasoning,
				Config: schema.StepConfig{Prompt: "plan", InputFields: []string{"healthAnalysis"}, OutputFields: []string{"carePlan"}}},
			{ID: "s1", Order: 0, Name: "AnalyzeHealth", Type: schema.StepTypeAIReasoning,
				Config: schema.StepConfig{Prompt: "analyze", InputFields: []string{"healthStatus"}, OutputFields: []string{"healthAnalysis"}}},
		},
	}
	require.NoError(t, s.CreateAction(ctx, action))

	got, err := s.GetAction(ctx, action.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "s1", got.Steps[0].ID, "steps load in order")
	assert.Equal(t, []string{"healthStatus"}, got.Steps[0].Config.InputFields)
	assert.Equal(t, action.ID, got.Steps[1].ActionID)

	list, err := s.ListActions(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// --- Records ---

func TestSaveRecordFields_MergesAndBumpsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAgent(t, s)
	m := seedPetModel(t, s, a.ID)
	r := seedRecord(t, s, m.ID, map[string]any{"name": "Rex", "healthStatus": "limping"})
	assert.Equal(t, int64(1), r.Version)

	got, err := s.SaveRecordFields(ctx, r.ID, map[string]any{"carePlan": "rest"}, r.Data)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "Rex", got.Data["name"])
	assert.Equal(t, "limping", got.Data["healthStatus"])
	assert.Equal(t, "rest", got.Data["carePlan"])
}

func TestSaveRecordFields_WrittenFieldConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAgent(t, s)
	m := seedPetModel(t, s, a.ID)
	r := seedRecord(t, s, m.ID, map[string]any{"name": "Rex"})
	base := r.Data

	_, err := s.SaveRecordFields(ctx, r.ID, map[string]any{"carePlan": "a"}, base)
	require.NoError(t, err)

	_, err = s.SaveRecordFields(ctx, r.ID, map[string]any{"carePlan": "b"}, base)
	require.True(t, schema.IsCode(err, schema.ErrCodeConflict))
	assert.Equal(t, []string{"carePlan"}, schema.AsError(err, "").Details["fields"])

	got, err := s.GetRecord(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Data["carePlan"])

	_, err = s.SaveRecordFields(ctx, r.ID, map[string]any{"carePlan": "c"}, nil)
	assert.NoError(t, err, "nil base skips the check")
}

func TestSaveRecordFields_DisjointFieldsBothApply(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAgent(t, s)
	m := seedPetModel(t, s, a.ID)
	r := seedRecord(t, s, m.ID, map[string]any{"name": "Rex", "count": 1})
	base := r.Data

	_, err := s.SaveRecordFields(ctx, r.ID, map[string]any{"count": 2}, base)
	require.NoError(t, err)
	got, err := s.SaveRecordFields(ctx, r.ID, map[string]any{"carePlan": "rest", "name": "Rex"}, base)
	require.NoError(t, err)

	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, float64(2), got.Data["count"])
	assert.Equal(t, "rest", got.Data["carePlan"])
}

func TestConflictingFields(t *testing.T) {
	stored := map[string]any{"a": float64(1), "b": "x", "c": []any{"p"}}
	base := map[string]any{"a": 1, "b": "y", "c": []any{"p"}}

	assert.Empty(t, ConflictingFields(stored, base, map[string]any{"a": 2, "c": nil}))
	assert.Equal(t, []string{"b"}, ConflictingFields(stored, base, map[string]any{"a": 2, "b": "z"}))
	assert.Equal(t, []string{"c"}, ConflictingFields(stored, map[string]any{}, map[string]any{"c": 1, "d": 1}))
	assert.Equal(t, []string{"d"}, ConflictingFields(stored, map[string]any{"d": 1}, map[string]any{"d": 2}))
}

func TestSoftDeleteRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAgent(t, s)
	m := seedPetModel(t, s, a.ID)
	r1 := seedRecord(t, s, m.ID, map[string]any{"name": "Rex"})
	seedRecord(t, s, m.ID, map[string]any{"name": "Fido"})

	require.NoError(t, s.SoftDeleteRecord(ctx, r1.ID))
	assert.True(t, schema.IsCode(s.SoftDeleteRecord(ctx, r1.ID), schema.ErrCodeNotFound))

	live, err := s.ListRecords(ctx, RecordFilter{ModelID: m.ID})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "Fido", live[0].Data["name"])

	all, err := s.ListRecords(ctx, RecordFilter{ModelID: m.ID, IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	got, err := s.GetRecord(ctx, r1.ID)
	require.NoError(t, err, "deleted records stay resolvable")
	assert.True(t, got.Deleted())

	_, err = s.SaveRecordFields(ctx, r1.ID, map[string]any{"name": "x"}, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

// --- Executions ---

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exec := &schema.Execution{
		ID: uuid.New().String(), RecordID: "r1", ActionID: "a1", AgentID: "ag1",
		Status: schema.ExecutionPending,
	}
	require.NoError(t, s.CreateExecution(ctx, exec))

	failed := schema.ExecutionFailed
	tokens := 42
	now := time.Now().UTC()
	require.NoError(t, s.UpdateExecution(ctx, exec.ID, ExecutionUpdate{
		Status: &failed,
		Result: &schema.ExecutionResult{StepResults: []schema.StepResult{{StepName: "AnalyzeHealth", TokensUsed: 42}}},
		Error:  schema.NewError(schema.ErrCodeExecutor, "backend down").WithStep("s2"),
		TokenUsage:  &tokens,
		CompletedAt: &now,
	}))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, got.Status)
	assert.Equal(t, 42, got.TokenUsage)
	require.NotNil(t, got.Error)
	assert.Equal(t, schema.ErrCodeExecutor, got.Error.Code)
	assert.Equal(t, "s2", got.Error.StepID)
	require.Len(t, got.Result.StepResults, 1)
	assert.NotNil(t, got.CompletedAt)

	list, err := s.ListExecutions(ctx, ExecutionFilter{RecordID: "r1", Status: &failed})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.True(t, schema.IsCode(s.UpdateExecution(ctx, "missing", ExecutionUpdate{Status: &failed}), schema.ErrCodeNotFound))
}

// --- Schedules ---

func newSchedule(agentID string, next time.Time) *schema.Schedule {
	return &schema.Schedule{
		ID: uuid.New().String(), AgentID: agentID, Name: "daily",
		Mode: schema.ScheduleRecurring, IntervalHours: 24, Status: schema.ScheduleActive,
		NextRunAt: next,
		Steps: []schema.ScheduleStep{{
			ModelID: "m1", ActionID: "a1", Order: 0,
			Query: schema.FilterExpression{Logic: schema.LogicAnd, Filters: []schema.Filter{
				{Field: "healthStatus", Operator: schema.OpIsNotEmpty},
			}},
		}},
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAgent(t, s)
	next := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	sc := newSchedule(a.ID, next)
	require.NoError(t, s.CreateSchedule(ctx, sc))

	got, err := s.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	assert.True(t, next.Equal(got.NextRunAt))
	assert.Equal(t, 24, got.IntervalHours)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, schema.OpIsNotEmpty, got.Steps[0].Query.Filters[0].Operator)

	active := schema.ScheduleActive
	due := next.Add(time.Minute)
	list, err := s.ListSchedules(ctx, ScheduleFilter{Status: &active, DueBy: &due})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	early := next.Add(-time.Minute)
	list, err = s.ListSchedules(ctx, ScheduleFilter{Status: &active, DueBy: &early})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAdvanceSchedule_CompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAgent(t, s)
	next := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	sc := newSchedule(a.ID, next)
	require.NoError(t, s.CreateSchedule(ctx, sc))

	newNext := next.Add(24 * time.Hour)
	update := ScheduleUpdate{NextRunAt: &newNext, LastRunAt: &next}

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.AdvanceSchedule(ctx, sc.ID, next, update)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claimed, "exactly one claimer advances the schedule")

	got, err := s.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	assert.True(t, newNext.Equal(got.NextRunAt))

	paused := schema.SchedulePaused
	require.NoError(t, s.UpdateSchedule(ctx, sc.ID, ScheduleUpdate{Status: &paused}))
	ok, err := s.AdvanceSchedule(ctx, sc.ID, newNext, update)
	require.NoError(t, err)
	assert.False(t, ok, "paused schedules are not claimed")
}

// --- Secrets ---

func TestSecrets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreSecret(ctx, "credentials/a/x", []byte("v1")))
	require.NoError(t, s.StoreSecret(ctx, "credentials/a/x", []byte("v2")))

	v, err := s.GetSecret(ctx, "credentials/a/x")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)

	keys, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"credentials/a/x"}, keys)

	require.NoError(t, s.DeleteSecret(ctx, "credentials/a/x"))
	_, err = s.GetSecret(ctx, "credentials/a/x")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}
