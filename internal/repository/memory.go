package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"stageflow/backend/pkg/models"
)

// MemoryRepository is an in-process Repository for local development and
// tests. Transactions are serialized by a single lock and applied by
// swapping in a copy of the state, so a failed transaction leaves nothing
// behind.
type MemoryRepository struct {
	mu    sync.RWMutex
	state *memState
	clock func() time.Time
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: newMemState(), clock: time.Now}
}

type memState struct {
	users       map[string]*models.User
	templates   map[string]*models.Template
	definitions map[string]*models.StageDefinition
	processes   map[string]*models.Process
	instances   map[string]*models.StageInstance
	messages    []*models.Message
	documents   []*models.Document
	audit       []*models.AuditEntry
	// seq breaks ties between rows written within the same clock tick
	seq int64
}

func newMemState() *memState {
	return &memState{
		users:       make(map[string]*models.User),
		templates:   make(map[string]*models.Template),
		definitions: make(map[string]*models.StageDefinition),
		processes:   make(map[string]*models.Process),
		instances:   make(map[string]*models.StageInstance),
	}
}

// clone copies the mutable rows. Append-only slices share their elements,
// which are never modified after insertion.
func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.templates {
		c.templates[k] = v
	}
	for k, v := range s.definitions {
		c.definitions[k] = v
	}
	for k, v := range s.processes {
		cp := *v
		c.processes[k] = &cp
	}
	for k, v := range s.instances {
		c.instances[k] = cloneInstance(v)
	}
	c.messages = append([]*models.Message(nil), s.messages...)
	c.documents = append([]*models.Document(nil), s.documents...)
	c.audit = append([]*models.AuditEntry(nil), s.audit...)
	c.seq = s.seq
	return c
}

func cloneInstance(si *models.StageInstance) *models.StageInstance {
	cp := *si
	if si.Assignee != nil {
		a := *si.Assignee
		cp.Assignee = &a
	}
	if si.StartedAt != nil {
		t := *si.StartedAt
		cp.StartedAt = &t
	}
	if si.CompletedAt != nil {
		t := *si.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// InTx runs fn against a private copy of the state and publishes the copy
// only when fn succeeds.
func (r *MemoryRepository) InTx(ctx context.Context, fn func(tx Store) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := r.state.clone()
	if err := fn(&memStore{state: work, clock: r.clock}); err != nil {
		return err
	}
	r.state = work
	return nil
}

// Ping always succeeds.
func (r *MemoryRepository) Ping(ctx context.Context) error { return nil }

func (r *MemoryRepository) read() *memStore {
	return &memStore{state: r.state, clock: r.clock}
}

// write runs a single write as its own transaction.
func (r *MemoryRepository) write(ctx context.Context, fn func(s *memStore) error) error {
	return r.InTx(ctx, func(tx Store) error { return fn(tx.(*memStore)) })
}

func (r *MemoryRepository) GetUser(ctx context.Context, id string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.read().GetUser(ctx, id)
}

func (r *MemoryRepository) GetUserBySubject(ctx context.Context, subject string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.read().GetUserBySubject(ctx, subject)
}

func (r *MemoryRepository) CreateUser(ctx context.Context, user *models.User) error {
	return r.write(ctx, func(s *memStore) error { return s.CreateUser(ctx, user) })
}

func (r *MemoryRepository) ListUsers(ctx context.Context) ([]*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.read().ListUsers(ctx)
}

func (r *MemoryRepository) CreateTemplate(ctx context.Context, template *models.Template) error {
	return r.write(ctx, func(s *memStore) error { return s.CreateTemplate(ctx, template) })
}

func (r *MemoryRepository) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.read().GetTemplate(ctx, id)
}

func (r *MemoryRepository) ListTemplates(ctx context.Context) ([]*models.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.read().ListTemplates(ctx)
}

func (r *MemoryRepository) ListStageDefinitions(ctx context.Context, templateID string) ([]*models.StageDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.read().ListStageDefinitions(ctx, templateID)
}

func (r *MemoryRepository) CreateProcess(ctx context.Context, process *models.Process) error {
	return r.write(ctx, func(s *memStore) error { return s.CreateProcess(ctx, process) })
}

func (r *MemoryRepository) GetProcess(ctx context.Context, id string) (*models.Process, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.read().GetProcess(ctx, id)
}

func (r *MemoryRepository) LockProcess(ctx context.Context, id string) (*models.Process, error) {
	return r.GetProcess(ctx, id)
}

func (r *MemoryRepository) CompleteProcess(ctx context.Context, id string) error {
	return r.write(ctx, func(s *memStore) error { return s.CompleteProcess(ctx, id) })
}

func (r *MemoryRepository) ListProcesses(ctx context.Context, filter ProcessFilter) ([]*models.Process, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.read().ListProcesses(ctx, filter)
}

func (r *MemoryRepository) CreateStageInstances(ctx context.Context, instances []*models.StageInstance) error {
	return r.write(ctx, func(s *memStore) error { return s.CreateStageInstances(ctx, instances) })
}

func (r *MemoryRepository) GetStageInstance(ctx context.Context, id string) (*models.StageInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.read().GetStageInstance(ctx, id)
}

func (r *MemoryRepository) ListStageInstances(ctx context.Context, processID string) ([]*models.StageInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.read().ListStageInstances(ctx, processID)
}

func (r *MemoryRepository) StartStage(ctx context.Context, id string, at time.Time) error {
	return r.write(ctx, func(s *memStore) error { return s.StartStage(ctx, id, at) })
}

func (r *MemoryRepository) CompleteStage(ctx context.Context, id string, at time.Time) error {
	return r.write(ctx, func(s *memStore) error { return s.CompleteStage(ctx, id, at) })
}

func (r *MemoryRepository) SetAssignee(ctx context.Context, id string, assignee *string) error {
	return r.write(ctx, func(s *memStore) error { return s.SetAssignee(ctx, id, assignee) })
}

func (r *MemoryRepository) CreateMessage(ctx context.Context, message *models.Message) error {
	return r.write(ctx, func(s *memStore) error { return s.CreateMessage(ctx, message) })
}

func (r *MemoryRepository) ListMessages(ctx context.Context, stageInstanceID string) ([]*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.read().ListMessages(ctx, stageInstanceID)
}

func (r *MemoryRepository) CreateDocument(ctx context.Context, document *models.Document) error {
	return r.write(ctx, func(s *memStore) error { return s.CreateDocument(ctx, document) })
}

func (r *MemoryRepository) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.read().GetDocument(ctx, id)
}

func (r *MemoryRepository) ListDocuments(ctx context.Context, stageInstanceID string) ([]*models.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.read().ListDocuments(ctx, stageInstanceID)
}

func (r *MemoryRepository) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	return r.write(ctx, func(s *memStore) error { return s.AppendAudit(ctx, entry) })
}

func (r *MemoryRepository) ListAudit(ctx context.Context, processID string) ([]*models.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.read().ListAudit(ctx, processID)
}

// memStore implements Store over one memState without locking; the owner
// holds the lock.
type memStore struct {
	state *memState
	clock func() time.Time
}

func (s *memStore) now() time.Time {
	s.state.seq++
	return s.clock().UTC().Add(time.Duration(s.state.seq) * time.Nanosecond)
}

func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
}

func (s *memStore) GetUser(_ context.Context, id string) (*models.User, error) {
	u, ok := s.state.users[id]
	if !ok {
		return nil, notFound("user", id)
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) GetUserBySubject(_ context.Context, subject string) (*models.User, error) {
	for _, u := range s.state.users {
		if u.Subject == subject {
			cp := *u
			return &cp, nil
		}
	}
	return nil, notFound("user with subject", subject)
}

func (s *memStore) CreateUser(_ context.Context, user *models.User) error {
	if _, ok := s.state.users[user.ID]; ok {
		return fmt.Errorf("insert user %s: %w", user.ID, ErrConflict)
	}
	for _, u := range s.state.users {
		if u.Subject == user.Subject {
			return fmt.Errorf("insert user subject %s: %w", user.Subject, ErrConflict)
		}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	cp := *user
	s.state.users[user.ID] = &cp
	return nil
}

func (s *memStore) ListUsers(_ context.Context) ([]*models.User, error) {
	users := make([]*models.User, 0, len(s.state.users))
	for _, u := range s.state.users {
		cp := *u
		users = append(users, &cp)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Name != users[j].Name {
			return users[i].Name < users[j].Name
		}
		return users[i].Email < users[j].Email
	})
	return users, nil
}

func (s *memStore) CreateTemplate(_ context.Context, template *models.Template) error {
	if _, ok := s.state.templates[template.ID]; ok {
		return fmt.Errorf("insert template %s: %w", template.ID, ErrConflict)
	}
	positions := make(map[int]bool, len(template.Stages))
	for _, st := range template.Stages {
		if st.Order < 1 || positions[st.Order] {
			return fmt.Errorf("insert stage definition %s: order %d: %w", st.Name, st.Order, ErrConflict)
		}
		positions[st.Order] = true
	}
	if template.CreatedAt.IsZero() {
		template.CreatedAt = s.now()
	}
	cp := *template
	cp.Stages = nil
	cp.ProcessCount = 0
	s.state.templates[template.ID] = &cp
	for _, st := range template.Stages {
		st.TemplateID = template.ID
		d := *st
		s.state.definitions[d.ID] = &d
	}
	return nil
}

func (s *memStore) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	t, ok := s.state.templates[id]
	if !ok {
		return nil, notFound("template", id)
	}
	cp := *t
	cp.Stages, _ = s.ListStageDefinitions(ctx, id)
	for _, p := range s.state.processes {
		if p.TemplateID == id {
			cp.ProcessCount++
		}
	}
	return &cp, nil
}

func (s *memStore) ListTemplates(ctx context.Context) ([]*models.Template, error) {
	templates := make([]*models.Template, 0, len(s.state.templates))
	for id := range s.state.templates {
		t, _ := s.GetTemplate(ctx, id)
		templates = append(templates, t)
	}
	sort.Slice(templates, func(i, j int) bool {
		if templates[i].Name != templates[j].Name {
			return templates[i].Name < templates[j].Name
		}
		return templates[i].CreatedAt.Before(templates[j].CreatedAt)
	})
	return templates, nil
}

func (s *memStore) ListStageDefinitions(_ context.Context, templateID string) ([]*models.StageDefinition, error) {
	var defs []*models.StageDefinition
	for _, d := range s.state.definitions {
		if d.TemplateID == templateID {
			cp := *d
			defs = append(defs, &cp)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Order < defs[j].Order })
	return defs, nil
}

func (s *memStore) CreateProcess(_ context.Context, process *models.Process) error {
	if _, ok := s.state.templates[process.TemplateID]; !ok {
		return notFound("template", process.TemplateID)
	}
	if _, ok := s.state.processes[process.ID]; ok {
		return fmt.Errorf("insert process %s: %w", process.ID, ErrConflict)
	}
	if process.CreatedAt.IsZero() {
		process.CreatedAt = s.now()
	}
	cp := *process
	s.state.processes[process.ID] = &cp
	return nil
}

func (s *memStore) GetProcess(_ context.Context, id string) (*models.Process, error) {
	p, ok := s.state.processes[id]
	if !ok {
		return nil, notFound("process", id)
	}
	cp := *p
	return &cp, nil
}

// LockProcess needs no row lock: the transaction already holds the store lock.
func (s *memStore) LockProcess(ctx context.Context, id string) (*models.Process, error) {
	return s.GetProcess(ctx, id)
}

func (s *memStore) CompleteProcess(_ context.Context, id string) error {
	p, ok := s.state.processes[id]
	if !ok {
		return notFound("process", id)
	}
	if p.Status != models.ProcessStatusInProgress {
		return fmt.Errorf("complete process %s: %w", id, ErrStaleState)
	}
	p.Status = models.ProcessStatusCompleted
	return nil
}

func (s *memStore) ListProcesses(_ context.Context, filter ProcessFilter) ([]*models.Process, error) {
	involved := make(map[string]bool)
	if filter.InvolvingUser != "" {
		for _, si := range s.state.instances {
			if si.IsAssignedTo(filter.InvolvingUser) {
				involved[si.ProcessID] = true
			}
		}
	}
	var processes []*models.Process
	for _, p := range s.state.processes {
		if filter.InvolvingUser != "" && p.CreatedBy != filter.InvolvingUser && !involved[p.ID] {
			continue
		}
		cp := *p
		processes = append(processes, &cp)
	}
	sort.Slice(processes, func(i, j int) bool {
		if !processes[i].CreatedAt.Equal(processes[j].CreatedAt) {
			return processes[i].CreatedAt.After(processes[j].CreatedAt)
		}
		return processes[i].ID < processes[j].ID
	})
	return processes, nil
}

func (s *memStore) CreateStageInstances(_ context.Context, instances []*models.StageInstance) error {
	active := make(map[string]int)
	for _, si := range s.state.instances {
		if si.Status == models.StageStatusInProgress {
			active[si.ProcessID]++
		}
	}
	for _, si := range instances {
		if _, ok := s.state.processes[si.ProcessID]; !ok {
			return notFound("process", si.ProcessID)
		}
		if _, ok := s.state.definitions[si.StageDefinitionID]; !ok {
			return notFound("stage definition", si.StageDefinitionID)
		}
		if _, ok := s.state.instances[si.ID]; ok {
			return fmt.Errorf("insert stage instance %s: %w", si.ID, ErrConflict)
		}
		if si.Status == models.StageStatusInProgress {
			active[si.ProcessID]++
			if active[si.ProcessID] > 1 {
				return fmt.Errorf("insert stage instance %s: second active stage: %w", si.ID, ErrConflict)
			}
		}
		s.state.instances[si.ID] = cloneInstance(si)
	}
	return nil
}

func (s *memStore) GetStageInstance(_ context.Context, id string) (*models.StageInstance, error) {
	si, ok := s.state.instances[id]
	if !ok {
		return nil, notFound("stage instance", id)
	}
	return cloneInstance(si), nil
}

func (s *memStore) ListStageInstances(_ context.Context, processID string) ([]*models.StageInstance, error) {
	var instances []*models.StageInstance
	for _, si := range s.state.instances {
		if si.ProcessID == processID {
			instances = append(instances, cloneInstance(si))
		}
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances, nil
}

func (s *memStore) StartStage(_ context.Context, id string, at time.Time) error {
	si, ok := s.state.instances[id]
	if !ok {
		return notFound("stage instance", id)
	}
	if si.Status != models.StageStatusPending {
		return fmt.Errorf("start stage %s: %w", id, ErrStaleState)
	}
	for _, other := range s.state.instances {
		if other.ProcessID == si.ProcessID && other.Status == models.StageStatusInProgress {
			return fmt.Errorf("start stage %s: second active stage: %w", id, ErrConflict)
		}
	}
	si.Status = models.StageStatusInProgress
	si.StartedAt = &at
	return nil
}

func (s *memStore) CompleteStage(_ context.Context, id string, at time.Time) error {
	si, ok := s.state.instances[id]
	if !ok {
		return notFound("stage instance", id)
	}
	if si.Status != models.StageStatusInProgress {
		return fmt.Errorf("complete stage %s: %w", id, ErrStaleState)
	}
	si.Status = models.StageStatusCompleted
	si.CompletedAt = &at
	return nil
}

func (s *memStore) SetAssignee(_ context.Context, id string, assignee *string) error {
	si, ok := s.state.instances[id]
	if !ok {
		return notFound("stage instance", id)
	}
	if assignee != nil {
		if _, ok := s.state.users[*assignee]; !ok {
			return notFound("user", *assignee)
		}
		a := *assignee
		si.Assignee = &a
	} else {
		si.Assignee = nil
	}
	return nil
}

func (s *memStore) CreateMessage(_ context.Context, message *models.Message) error {
	if _, ok := s.state.instances[message.StageInstanceID]; !ok {
		return notFound("stage instance", message.StageInstanceID)
	}
	if message.SentAt.IsZero() {
		message.SentAt = s.now()
	}
	cp := *message
	s.state.messages = append(s.state.messages, &cp)
	return nil
}

func (s *memStore) ListMessages(_ context.Context, stageInstanceID string) ([]*models.Message, error) {
	var messages []*models.Message
	for _, m := range s.state.messages {
		if m.StageInstanceID == stageInstanceID {
			cp := *m
			messages = append(messages, &cp)
		}
	}
	sort.SliceStable(messages, func(i, j int) bool { return messages[i].SentAt.Before(messages[j].SentAt) })
	return messages, nil
}

func (s *memStore) CreateDocument(_ context.Context, document *models.Document) error {
	if _, ok := s.state.instances[document.StageInstanceID]; !ok {
		return notFound("stage instance", document.StageInstanceID)
	}
	if document.UploadedAt.IsZero() {
		document.UploadedAt = s.now()
	}
	cp := *document
	s.state.documents = append(s.state.documents, &cp)
	return nil
}

func (s *memStore) GetDocument(_ context.Context, id string) (*models.Document, error) {
	for _, d := range s.state.documents {
		if d.ID == id {
			cp := *d
			return &cp, nil
		}
	}
	return nil, notFound("document", id)
}

func (s *memStore) ListDocuments(_ context.Context, stageInstanceID string) ([]*models.Document, error) {
	var documents []*models.Document
	for _, d := range s.state.documents {
		if d.StageInstanceID == stageInstanceID {
			cp := *d
			documents = append(documents, &cp)
		}
	}
	sort.SliceStable(documents, func(i, j int) bool { return documents[i].UploadedAt.Before(documents[j].UploadedAt) })
	return documents, nil
}

func (s *memStore) AppendAudit(_ context.Context, entry *models.AuditEntry) error {
	if _, ok := s.state.processes[entry.ProcessID]; !ok {
		return notFound("process", entry.ProcessID)
	}
	if entry.At.IsZero() {
		entry.At = s.now()
	}
	cp := *entry
	s.state.audit = append(s.state.audit, &cp)
	return nil
}

func (s *memStore) ListAudit(_ context.Context, processID string) ([]*models.AuditEntry, error) {
	var entries []*models.AuditEntry
	for _, e := range s.state.audit {
		if e.ProcessID == processID {
			cp := *e
			entries = append(entries, &cp)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].At.Before(entries[j].At) })
	return entries, nil
}
