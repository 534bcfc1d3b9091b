package mocks

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-tasks/internal/domain"
	"github.com/phrazzld/scry-tasks/internal/store"
	"github.com/stretchr/testify/mock"
)

// TestifyMockTaskStore is a mock of store.TaskStore for use with testify/mock.
// WithTx returns the mock itself unless an expectation says otherwise.
type TestifyMockTaskStore struct {
	mock.Mock
}

var _ store.TaskStore = (*TestifyMockTaskStore)(nil)

// Insert is a mock implementation of store.TaskStore.Insert
func (m *TestifyMockTaskStore) Insert(
	ctx context.Context,
	title string,
	description *string,
	priority domain.TaskPriority,
) (*domain.Task, error) {
	args := m.Called(ctx, title, description, priority)
	if task, ok := args.Get(0).(*domain.Task); ok {
		return task, args.Error(1)
	}
	return nil, args.Error(1)
}

// GetByID is a mock implementation of store.TaskStore.GetByID
func (m *TestifyMockTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	args := m.Called(ctx, id)
	if task, ok := args.Get(0).(*domain.Task); ok {
		return task, args.Error(1)
	}
	return nil, args.Error(1)
}

// GetForUpdate is a mock implementation of store.TaskStore.GetForUpdate
func (m *TestifyMockTaskStore) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	args := m.Called(ctx, id)
	if task, ok := args.Get(0).(*domain.Task); ok {
		return task, args.Error(1)
	}
	return nil, args.Error(1)
}

// List is a mock implementation of store.TaskStore.List
func (m *TestifyMockTaskStore) List(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, int, error) {
	args := m.Called(ctx, filter)
	if tasks, ok := args.Get(0).([]*domain.Task); ok {
		return tasks, args.Int(1), args.Error(2)
	}
	return nil, args.Int(1), args.Error(2)
}

// UpdateStatus is a mock implementation of store.TaskStore.UpdateStatus
func (m *TestifyMockTaskStore) UpdateStatus(
	ctx context.Context,
	task *domain.Task,
	update store.StatusUpdate,
) (*domain.Task, error) {
	args := m.Called(ctx, task, update)
	if updated, ok := args.Get(0).(*domain.Task); ok {
		return updated, args.Error(1)
	}
	return nil, args.Error(1)
}

// WithTx is a mock implementation of store.TaskStore.WithTx
func (m *TestifyMockTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	for _, call := range m.ExpectedCalls {
		if call.Method == "WithTx" {
			args := m.Called(tx)
			if ret, ok := args.Get(0).(store.TaskStore); ok {
				return ret
			}
			break
		}
	}
	return m
}

// DB is a mock implementation of store.TaskStore.DB
func (m *TestifyMockTaskStore) DB() *sql.DB {
	args := m.Called()
	if db, ok := args.Get(0).(*sql.DB); ok {
		return db
	}
	return nil
}

// MemoryTaskStore is a thread-safe in-memory store.TaskStore.
//
// Calls made directly on the store take effect at once. A store returned by
// WithTx for a transaction of a TxDB stages its writes and applies them only
// when that transaction commits. GetForUpdate and UpdateStatus inside a
// transaction hold a row lock until it ends, and direct status updates wait
// for that lock, like row locks in PostgreSQL.
type MemoryTaskStore struct {
	db *sql.DB

	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.Task
	locks map[uuid.UUID]chan struct{}

	// InsertErr, when set, is returned by Insert.
	InsertErr error
}

var _ store.TaskStore = (*MemoryTaskStore)(nil)

// NewMemoryTaskStore creates an empty store whose DB() returns db.
func NewMemoryTaskStore(db *sql.DB) *MemoryTaskStore {
	return &MemoryTaskStore{
		db:    db,
		tasks: make(map[uuid.UUID]*domain.Task),
		locks: make(map[uuid.UUID]chan struct{}),
	}
}

// Put stores a copy of task as is, bypassing validation. Useful to seed a state.
func (s *MemoryTaskStore) Put(task *domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = copyTask(task)
}

// Len returns the number of stored tasks.
func (s *MemoryTaskStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Insert implements store.TaskStore.
func (s *MemoryTaskStore) Insert(
	_ context.Context,
	title string,
	description *string,
	priority domain.TaskPriority,
) (*domain.Task, error) {
	task, err := s.newTask(title, description, priority)
	if err != nil {
		return nil, err
	}

	s.Put(task)
	return copyTask(task), nil
}

func (s *MemoryTaskStore) newTask(title string, description *string, priority domain.TaskPriority) (*domain.Task, error) {
	if s.InsertErr != nil {
		return nil, s.InsertErr
	}

	task, err := domain.NewTask(title, description, priority)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	return task, nil
}

// GetByID implements store.TaskStore.
func (s *MemoryTaskStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return copyTask(task), nil
}

// GetForUpdate implements store.TaskStore. Outside a transaction it takes no lock.
func (s *MemoryTaskStore) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return s.GetByID(ctx, id)
}

// List implements store.TaskStore.
func (s *MemoryTaskStore) List(_ context.Context, filter store.TaskFilter) ([]*domain.Task, int, error) {
	s.mu.Lock()
	snapshot := make([]*domain.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		snapshot = append(snapshot, copyTask(task))
	}
	s.mu.Unlock()

	tasks, total := filterTasks(snapshot, filter)
	return tasks, total, nil
}

// UpdateStatus implements store.TaskStore. It waits for a row lock held by a transaction.
func (s *MemoryTaskStore) UpdateStatus(
	ctx context.Context,
	task *domain.Task,
	update store.StatusUpdate,
) (*domain.Task, error) {
	if err := task.ValidateTransition(update.Status); err != nil {
		return nil, err
	}

	if err := s.lockRow(ctx, task.ID); err != nil {
		return nil, err
	}
	defer s.unlockRow(task.ID)

	s.mu.Lock()
	current, ok := s.tasks[task.ID]
	s.mu.Unlock()

	updated, err := applyUpdate(current, ok, task, update)
	if err != nil {
		return nil, err
	}

	s.Put(updated)
	return copyTask(updated), nil
}

// WithTx implements store.TaskStore. tx must have been started on a TxDB;
// otherwise every write through the returned store fails.
func (s *MemoryTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &memoryTaskTx{
		store:  s,
		tx:     tx,
		staged: make(map[uuid.UUID]*domain.Task),
		locked: make(map[uuid.UUID]bool),
	}
}

// DB implements store.TaskStore.
func (s *MemoryTaskStore) DB() *sql.DB {
	return s.db
}

func (s *MemoryTaskStore) lockRow(ctx context.Context, id uuid.UUID) error {
	for {
		s.mu.Lock()
		held, busy := s.locks[id]
		if !busy {
			s.locks[id] = make(chan struct{})
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		select {
		case <-held:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *MemoryTaskStore) unlockRow(id uuid.UUID) {
	s.mu.Lock()
	held := s.locks[id]
	delete(s.locks, id)
	s.mu.Unlock()
	if held != nil {
		close(held)
	}
}

// memoryTaskTx is a MemoryTaskStore bound to one transaction.
type memoryTaskTx struct {
	store *MemoryTaskStore
	tx    *sql.Tx

	mu         sync.Mutex
	registered bool
	staged     map[uuid.UUID]*domain.Task
	locked     map[uuid.UUID]bool
}

var _ store.TaskStore = (*memoryTaskTx)(nil)

// begin registers the commit and rollback callback on first use.
func (t *memoryTaskTx) begin(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.registered {
		return nil
	}
	if err := OnTxEnd(ctx, t.tx, t.end); err != nil {
		return fmt.Errorf("mocks: memory store needs a TxDB transaction: %w", err)
	}
	t.registered = true
	return nil
}

func (t *memoryTaskTx) lock(ctx context.Context, id uuid.UUID) error {
	t.mu.Lock()
	held := t.locked[id]
	t.mu.Unlock()
	if held {
		return nil
	}

	if err := t.store.lockRow(ctx, id); err != nil {
		return err
	}

	t.mu.Lock()
	t.locked[id] = true
	t.mu.Unlock()
	return nil
}

// end applies staged writes on commit and releases every row lock.
func (t *memoryTaskTx) end(committed bool) {
	t.mu.Lock()
	staged, locked := t.staged, t.locked
	t.staged = make(map[uuid.UUID]*domain.Task)
	t.locked = make(map[uuid.UUID]bool)
	t.mu.Unlock()

	if committed {
		for _, task := range staged {
			t.store.Put(task)
		}
	}
	for id := range locked {
		t.store.unlockRow(id)
	}
}

func (t *memoryTaskTx) get(id uuid.UUID) (*domain.Task, bool) {
	t.mu.Lock()
	task, ok := t.staged[id]
	t.mu.Unlock()
	if ok {
		return copyTask(task), true
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	task, ok = t.store.tasks[id]
	if !ok {
		return nil, false
	}
	return copyTask(task), true
}

func (t *memoryTaskTx) stage(task *domain.Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staged[task.ID] = copyTask(task)
}

func (t *memoryTaskTx) Insert(
	ctx context.Context,
	title string,
	description *string,
	priority domain.TaskPriority,
) (*domain.Task, error) {
	if err := t.begin(ctx); err != nil {
		return nil, err
	}

	task, err := t.store.newTask(title, description, priority)
	if err != nil {
		return nil, err
	}
	if err := t.lock(ctx, task.ID); err != nil {
		return nil, err
	}

	t.stage(task)
	return copyTask(task), nil
}

func (t *memoryTaskTx) GetByID(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	task, ok := t.get(id)
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return task, nil
}

func (t *memoryTaskTx) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	if err := t.begin(ctx); err != nil {
		return nil, err
	}
	if err := t.lock(ctx, id); err != nil {
		return nil, err
	}
	return t.GetByID(ctx, id)
}

func (t *memoryTaskTx) List(_ context.Context, filter store.TaskFilter) ([]*domain.Task, int, error) {
	t.store.mu.Lock()
	merged := make(map[uuid.UUID]*domain.Task, len(t.store.tasks))
	for id, task := range t.store.tasks {
		merged[id] = copyTask(task)
	}
	t.store.mu.Unlock()

	t.mu.Lock()
	for id, task := range t.staged {
		merged[id] = copyTask(task)
	}
	t.mu.Unlock()

	snapshot := make([]*domain.Task, 0, len(merged))
	for _, task := range merged {
		snapshot = append(snapshot, task)
	}
	tasks, total := filterTasks(snapshot, filter)
	return tasks, total, nil
}

func (t *memoryTaskTx) UpdateStatus(
	ctx context.Context,
	task *domain.Task,
	update store.StatusUpdate,
) (*domain.Task, error) {
	if err := task.ValidateTransition(update.Status); err != nil {
		return nil, err
	}
	if err := t.begin(ctx); err != nil {
		return nil, err
	}
	if err := t.lock(ctx, task.ID); err != nil {
		return nil, err
	}

	current, ok := t.get(task.ID)
	updated, err := applyUpdate(current, ok, task, update)
	if err != nil {
		return nil, err
	}

	t.stage(updated)
	return copyTask(updated), nil
}

func (t *memoryTaskTx) WithTx(tx *sql.Tx) store.TaskStore {
	if tx == t.tx {
		return t
	}
	return t.store.WithTx(tx)
}

func (t *memoryTaskTx) DB() *sql.DB {
	return nil
}

// applyUpdate is the compare-and-set both store flavours share.
func applyUpdate(current *domain.Task, found bool, task *domain.Task, update store.StatusUpdate) (*domain.Task, error) {
	if !found {
		return nil, store.ErrTaskNotFound
	}
	if current.Status != task.Status {
		return nil, store.ErrStaleTask
	}

	updated := store.ApplyStatusUpdate(current, update)
	if err := updated.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	return updated, nil
}

// filterTasks applies filter to tasks, newest first, and returns the page and the match count.
func filterTasks(tasks []*domain.Task, filter store.TaskFilter) ([]*domain.Task, int) {
	matching := make([]*domain.Task, 0, len(tasks))
	for _, task := range tasks {
		if filter.Status != nil && task.Status != *filter.Status {
			continue
		}
		if filter.Priority != nil && task.Priority != *filter.Priority {
			continue
		}
		matching = append(matching, task)
	}

	sort.Slice(matching, func(i, j int) bool {
		if !matching[i].CreatedAt.Equal(matching[j].CreatedAt) {
			return matching[i].CreatedAt.After(matching[j].CreatedAt)
		}
		return matching[i].ID.String() > matching[j].ID.String()
	})

	total := len(matching)
	start := min(filter.Offset, total)
	end := min(start+filter.Limit, total)
	return matching[start:end], total
}

func copyTask(task *domain.Task) *domain.Task {
	c := *task
	if task.Result != nil {
		c.Result = append([]byte(nil), task.Result...)
	}
	return &c
}
