package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ModerRAS/taskd/pkg/models"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// MemoryStore is an in-memory Store with real transaction semantics: Begin
// takes the store lock and stages writes in an overlay that Commit applies
// atomically and Rollback discards. Serializing transactions through one
// lock gives the same observable contract as the Postgres store, which makes
// it suitable for unit tests, examples, and single-process embedding.
type MemoryStore struct {
	mu      *sync.Mutex
	base    *memoryState
	overlay *memoryState // non-nil only on transaction handles
	tx      bool
	done    bool
}

type memoryState struct {
	tasks         map[string]models.Task
	history       map[string][]models.TaskHistory
	nextHistoryID int64
}

func newMemoryState() *memoryState {
	return &memoryState{
		tasks:   make(map[string]models.Task),
		history: make(map[string][]models.TaskHistory),
	}
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{mu: &sync.Mutex{}, base: newMemoryState()}
}

// Begin locks the store and returns a transaction handle. The lock is held
// until Commit or Rollback, so transactions serialize.
func (m *MemoryStore) Begin(ctx context.Context) (Store, error) {
	if m.tx {
		return nil, errors.Wrap(ErrStorage, "nested transactions are not supported")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(ErrStorage, err.Error())
	}
	m.mu.Lock()
	return &MemoryStore{mu: m.mu, base: m.base, overlay: newMemoryState(), tx: true}, nil
}

func (m *MemoryStore) Commit() error {
	if !m.tx {
		return errors.New("cannot commit: not a transaction")
	}
	if m.done {
		return errors.New("transaction already finished")
	}
	m.done = true
	for id, t := range m.overlay.tasks {
		m.base.tasks[id] = t
	}
	for taskID, rows := range m.overlay.history {
		m.base.history[taskID] = append(m.base.history[taskID], rows...)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Rollback() error {
	if !m.tx {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.done {
		return errors.New("transaction already finished")
	}
	m.done = true
	m.overlay = newMemoryState()
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error {
	return nil // no resources held outside transactions
}

// enter guards a data operation: standalone calls take the store lock,
// transactional calls verify the transaction is still open.
func (m *MemoryStore) enter(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(ErrStorage, err.Error())
	}
	if m.tx {
		if m.done {
			return errors.Wrap(ErrStorage, "transaction already finished")
		}
		return nil
	}
	m.mu.Lock()
	return nil
}

func (m *MemoryStore) exit() {
	if !m.tx {
		m.mu.Unlock()
	}
}

// lookupTask consults the transaction overlay before committed state.
func (m *MemoryStore) lookupTask(id string) (models.Task, bool) {
	if m.overlay != nil {
		if t, ok := m.overlay.tasks[id]; ok {
			return t, true
		}
	}
	t, ok := m.base.tasks[id]
	return t, ok
}

// stageTask records a write in the overlay, or directly in committed state
// for standalone calls.
func (m *MemoryStore) stageTask(t models.Task) {
	if m.overlay != nil {
		m.overlay.tasks[t.ID] = t
		return
	}
	m.base.tasks[t.ID] = t
}

// mergedTasks returns committed tasks with overlay writes applied.
func (m *MemoryStore) mergedTasks() []models.Task {
	out := make([]models.Task, 0, len(m.base.tasks))
	for id, t := range m.base.tasks {
		if m.overlay != nil {
			if ot, ok := m.overlay.tasks[id]; ok {
				out = append(out, ot)
				continue
			}
		}
		out = append(out, t)
	}
	if m.overlay != nil {
		for id, t := range m.overlay.tasks {
			if _, ok := m.base.tasks[id]; !ok {
				out = append(out, t)
			}
		}
	}
	return out
}

func (m *MemoryStore) CreateTask(ctx context.Context, t models.Task) error {
	if err := m.enter(ctx); err != nil {
		return err
	}
	defer m.exit()
	if _, ok := m.lookupTask(t.ID); ok {
		return errors.Wrapf(models.ErrValidation, "task %s already exists", t.ID)
	}
	t.Version = 1
	m.stageTask(cloneTask(t))
	return nil
}

func (m *MemoryStore) GetTask(ctx context.Context, id string) (models.Task, error) {
	if err := m.enter(ctx); err != nil {
		return models.Task{}, err
	}
	defer m.exit()
	t, ok := m.lookupTask(id)
	if !ok {
		return models.Task{}, errors.Wrapf(ErrNotFound, "task %s", id)
	}
	return cloneTask(t), nil
}

func (m *MemoryStore) NextWaitingTask(ctx context.Context, workDirectory string) (models.Task, error) {
	if err := m.enter(ctx); err != nil {
		return models.Task{}, err
	}
	defer m.exit()
	var best *models.Task
	for _, t := range m.mergedTasks() {
		if t.Status != models.StatusWaiting || t.WorkDirectory != workDirectory {
			continue
		}
		t := t
		if best == nil || queueBefore(t, *best) {
			best = &t
		}
	}
	if best == nil {
		return models.Task{}, errors.Wrapf(ErrNotFound, "no waiting task in %s", workDirectory)
	}
	return cloneTask(*best), nil
}

func (m *MemoryStore) UpdateTask(ctx context.Context, t models.Task, expectedVersion int64) (models.Task, error) {
	if err := m.enter(ctx); err != nil {
		return models.Task{}, err
	}
	defer m.exit()
	current, ok := m.lookupTask(t.ID)
	if !ok {
		return models.Task{}, errors.Wrapf(ErrNotFound, "task %s", t.ID)
	}
	if current.Version != expectedVersion {
		return models.Task{}, errors.Wrapf(ErrVersionConflict,
			"task %s is at version %d, expected %d", t.ID, current.Version, expectedVersion)
	}
	t.Version = expectedVersion + 1
	t.CreatedAt = current.CreatedAt // immutable columns are never rewritten
	m.stageTask(cloneTask(t))
	return cloneTask(t), nil
}

func (m *MemoryStore) ListTasks(ctx context.Context, f TaskFilter) ([]models.Task, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	defer m.exit()

	matched := make([]models.Task, 0)
	for _, t := range m.mergedTasks() {
		if taskMatches(t, f) {
			matched = append(matched, t)
		}
	}
	switch f.Order {
	case OrderQueue:
		sort.Slice(matched, func(i, j int) bool { return queueBefore(matched[i], matched[j]) })
	default:
		sort.Slice(matched, func(i, j int) bool {
			if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
				return matched[i].CreatedAt.After(matched[j].CreatedAt)
			}
			return matched[i].ID > matched[j].ID
		})
	}

	limit := ClampLimit(f.Limit)
	start := f.Offset
	if start < 0 {
		start = 0
	}
	if start >= len(matched) {
		return []models.Task{}, nil
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]models.Task, 0, end-start)
	for _, t := range matched[start:end] {
		out = append(out, cloneTask(t))
	}
	return out, nil
}

func (m *MemoryStore) CountTasks(ctx context.Context, f TaskFilter) (int, error) {
	if err := m.enter(ctx); err != nil {
		return 0, err
	}
	defer m.exit()
	n := 0
	for _, t := range m.mergedTasks() {
		if taskMatches(t, f) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AppendHistory(ctx context.Context, h models.TaskHistory) error {
	if err := m.enter(ctx); err != nil {
		return err
	}
	defer m.exit()
	// IDs come from the shared sequence so append order is globally stable;
	// rolled-back transactions leave gaps, like a database sequence would.
	m.base.nextHistoryID++
	h.ID = m.base.nextHistoryID
	h.Details = clonePayload(h.Details)
	if m.overlay != nil {
		m.overlay.history[h.TaskID] = append(m.overlay.history[h.TaskID], h)
		return nil
	}
	m.base.history[h.TaskID] = append(m.base.history[h.TaskID], h)
	return nil
}

func (m *MemoryStore) ListHistory(ctx context.Context, taskID string) ([]models.TaskHistory, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	defer m.exit()
	rows := append([]models.TaskHistory(nil), m.base.history[taskID]...)
	if m.overlay != nil {
		rows = append(rows, m.overlay.history[taskID]...)
	}
	out := make([]models.TaskHistory, 0, len(rows))
	for _, h := range rows {
		h.Details = clonePayload(h.Details)
		if h.WorkerID != nil {
			w := *h.WorkerID
			h.WorkerID = &w
		}
		out = append(out, h)
	}
	return out, nil
}

// queueBefore orders tasks for acquisition: priority desc, created_at asc,
// id as the final tiebreak for determinism.
func queueBefore(a, b models.Task) bool {
	if ar, br := a.Priority.Rank(), b.Priority.Rank(); ar != br {
		return ar > br
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func taskMatches(t models.Task, f TaskFilter) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.WorkDirectory != "" && t.WorkDirectory != f.WorkDirectory {
		return false
	}
	if f.Priority != "" && t.Priority != f.Priority {
		return false
	}
	if f.Tag != "" && !hasTag(t.Tags, f.Tag) {
		return false
	}
	if f.CreatedAfter != nil && !t.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !t.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

func hasTag(tags pq.StringArray, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// cloneTask copies the task and its reference fields so callers can never
// mutate committed state through a returned value.
func cloneTask(t models.Task) models.Task {
	if t.Tags != nil {
		t.Tags = append(pq.StringArray(nil), t.Tags...)
	}
	t.Result = clonePayload(t.Result)
	t.Metadata = clonePayload(t.Metadata)
	t.WorkerID = cloneString(t.WorkerID)
	t.StartedAt = cloneTime(t.StartedAt)
	t.CompletedAt = cloneTime(t.CompletedAt)
	return t
}

func clonePayload(p models.Payload) models.Payload {
	if p == nil {
		return nil
	}
	out := make(models.Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
