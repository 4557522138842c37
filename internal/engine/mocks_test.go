package engine

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/rendis/stepflow/internal/backends"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// memStore is an in-memory store for runner tests. Methods the runner does
// not call panic through the nil embedded interface.
type memStore struct {
	store.Store

	mu         sync.Mutex
	agents     map[string]*schema.Agent
	actions    map[string]*schema.Action
	records    map[string]*schema.Record
	executions map[string]*schema.Execution
	events     map[string][]*store.Event

	// onSave runs before SaveRecordFields applies, under no lock.
	onSave func(id string)
}

func newMemStore() *memStore {
	return &memStore{
		agents:     map[string]*schema.Agent{},
		actions:    map[string]*schema.Action{},
		records:    map[string]*schema.Record{},
		executions: map[string]*schema.Execution{},
		events:     map[string][]*store.Event{},
	}
}

func notFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", kind, id)
}

func (m *memStore) GetAgent(_ context.Context, id string) (*schema.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, notFound("agent", id)
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) GetAction(_ context.Context, id string) (*schema.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, notFound("action", id)
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) GetRecord(_ context.Context, id string) (*schema.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, notFound("record", id)
	}
	cp := *r
	cp.Data = maps.Clone(r.Data)
	return &cp, nil
}

func (m *memStore) SaveRecordFields(_ context.Context, id string, partial, base map[string]any) (*schema.Record, error) {
	if m.onSave != nil {
		m.onSave(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.Deleted() {
		return nil, notFound("record", id)
	}
	if base != nil {
		if changed := store.ConflictingFields(r.Data, base, partial); len(changed) > 0 {
			return nil, store.FieldConflictError(id, changed)
		}
	}
	if r.Data == nil {
		r.Data = map[string]any{}
	}
	maps.Copy(r.Data, partial)
	r.Version++
	r.UpdatedAt = time.Now()
	cp := *r
	cp.Data = maps.Clone(r.Data)
	return &cp, nil
}

// setField simulates another writer changing one field of a record.
func (m *memStore) setField(id, field string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.records[id]
	r.Data = maps.Clone(r.Data)
	r.Data[field] = value
	r.Version++
}

func (m *memStore) CreateExecution(_ context.Context, exec *schema.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *exec
	m.executions[exec.ID] = &cp
	return nil
}

func (m *memStore) GetExecution(_ context.Context, id string) (*schema.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, notFound("execution", id)
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) UpdateExecution(_ context.Context, id string, u store.ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return notFound("execution", id)
	}
	if u.Status != nil {
		e.Status = *u.Status
	}
	if u.Result != nil {
		e.Result = *u.Result
	}
	if u.Error != nil {
		e.Error = u.Error
	}
	if u.TokenUsage != nil {
		e.TokenUsage = *u.TokenUsage
	}
	if u.ExecutionTimeMs != nil {
		e.ExecutionTimeMs = *u.ExecutionTimeMs
	}
	if u.CompletedAt != nil {
		e.CompletedAt = u.CompletedAt
	}
	return nil
}

func (m *memStore) ListExecutions(_ context.Context, f store.ExecutionFilter) ([]*schema.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.Execution
	for _, e := range m.executions {
		if f.RecordID != "" && e.RecordID != f.RecordID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) AppendEvent(_ context.Context, ev *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.Sequence = int64(len(m.events[ev.ExecutionID]) + 1)
	ev.Timestamp = time.Now()
	m.events[ev.ExecutionID] = append(m.events[ev.ExecutionID], ev)
	return nil
}

func (m *memStore) GetEvents(_ context.Context, executionID string, since int64) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, e := range m.events[executionID] {
		if e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) eventTypes(executionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events[executionID] {
		out = append(out, e.Type)
	}
	return out
}

// scriptedGenerator answers structured requests by schema name.
type scriptedGenerator struct {
	mu      sync.Mutex
	replies map[string]func(ctx context.Context, req backends.StructuredRequest) (map[string]any, error)
	prompts map[string]string
	calls   []string
}

func newScriptedGenerator() *scriptedGenerator {
	return &scriptedGenerator{
		replies: map[string]func(context.Context, backends.StructuredRequest) (map[string]any, error){},
		prompts: map[string]string{},
	}
}

func (g *scriptedGenerator) on(name string, fn func(ctx context.Context, req backends.StructuredRequest) (map[string]any, error)) {
	g.replies[name] = fn
}

func (g *scriptedGenerator) reply(name string, fields map[string]any) {
	g.on(name, func(context.Context, backends.StructuredRequest) (map[string]any, error) { return fields, nil })
}

func (g *scriptedGenerator) GenerateStructured(ctx context.Context, req backends.StructuredRequest) (map[string]any, backends.Usage, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req.Name)
	g.prompts[req.Name] = req.Prompt
	fn, ok := g.replies[req.Name]
	g.mu.Unlock()
	if !ok {
		return nil, backends.Usage{}, schema.NewErrorf(schema.ErrCodeExecutor, "no scripted reply for %q", req.Name)
	}
	fields, err := fn(ctx, req)
	return fields, backends.Usage{TotalTokens: 10}, err
}

func (g *scriptedGenerator) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

type stubSearcher struct{ text string }

func (s stubSearcher) Search(context.Context, string) (string, backends.Usage, error) {
	return s.text, backends.Usage{TotalTokens: 3}, nil
}

type stubImages struct{ url string }

func (s stubImages) GenerateImage(context.Context, string) (string, backends.Usage, error) {
	return s.url, backends.Usage{}, nil
}

// credentialSet is an in-memory CredentialChecker.
type credentialSet struct {
	mu  sync.Mutex
	has map[string]bool
}

func (c *credentialSet) HasCredential(_ context.Context, agentID, provider string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.has[agentID+"/"+provider], nil
}

func (c *credentialSet) grant(agentID, provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.has == nil {
		c.has = map[string]bool{}
	}
	c.has[agentID+"/"+provider] = true
}
