package task

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/phrazzld/scry-tasks/internal/domain"
	"github.com/phrazzld/scry-tasks/internal/mocks"
	"github.com/phrazzld/scry-tasks/internal/platform/logger"
	"github.com/phrazzld/scry-tasks/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// countingProcessor returns a fixed outcome and counts calls.
type countingProcessor struct {
	calls  atomic.Int32
	result map[string]any
	err    error
}

func (p *countingProcessor) Process(context.Context, *domain.Task) (map[string]any, error) {
	p.calls.Add(1)
	return p.result, p.err
}

func newMemoryFixture(t *testing.T) (*mocks.MemoryTaskStore, *mocks.TxDB) {
	t.Helper()
	txdb := mocks.NewTxDB()
	t.Cleanup(func() { _ = txdb.DB.Close() })
	return mocks.NewMemoryTaskStore(txdb.DB), txdb
}

func seedTask(t *testing.T, taskStore *mocks.MemoryTaskStore, status domain.TaskStatus) *domain.Task {
	t.Helper()
	task, err := domain.NewTask("seeded", nil, domain.TaskPriorityHigh)
	require.NoError(t, err)
	task.Status = status
	taskStore.Put(task)
	return task
}

func newTestExecutor(taskStore store.TaskStore, processor Processor) *Executor {
	log, _ := logger.NewTestLogger()
	e := NewExecutor(taskStore, processor, log)
	e.claimBackoff = nil
	return e
}

func TestExecutor_CompletesPendingTask(t *testing.T) {
	taskStore, txdb := newMemoryFixture(t)
	task := seedTask(t, taskStore, domain.TaskStatusPending)

	processor := &countingProcessor{result: map[string]any{"answer": 42}}
	executor := newTestExecutor(taskStore, processor)

	require.NoError(t, executor.Execute(context.Background(), task.ID))

	stored, err := taskStore.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, stored.Status)
	assert.JSONEq(t, `{"answer":42}`, string(stored.Result))
	assert.Nil(t, stored.Error)
	require.NotNil(t, stored.StartedAt)
	require.NotNil(t, stored.FinishedAt)
	assert.False(t, stored.FinishedAt.Before(*stored.StartedAt))

	assert.Equal(t, int32(1), processor.calls.Load())
	assert.Equal(t, 2, txdb.Begins(), "claim and finalize run in separate transactions")
	assert.Equal(t, 2, txdb.Commits())
	assert.Equal(t, 0, txdb.Rollbacks())
}

func TestExecutor_NilResultIsStoredAsEmptyObject(t *testing.T) {
	taskStore, _ := newMemoryFixture(t)
	task := seedTask(t, taskStore, domain.TaskStatusPending)

	require.NoError(t, newTestExecutor(taskStore, &countingProcessor{}).Execute(context.Background(), task.ID))

	stored, err := taskStore.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, stored.Status)
	assert.JSONEq(t, `{}`, string(stored.Result))
}

func TestExecutor_RecordsProcessingFailure(t *testing.T) {
	taskStore, _ := newMemoryFixture(t)
	task := seedTask(t, taskStore, domain.TaskStatusPending)

	processor := &countingProcessor{err: errors.New("upstream returned 502")}
	executor := newTestExecutor(taskStore, processor)

	require.NoError(t, executor.Execute(context.Background(), task.ID), "processing failures are absorbed")

	stored, err := taskStore.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, "upstream returned 502", *stored.Error)
	assert.Nil(t, stored.Result)
	assert.NotNil(t, stored.FinishedAt)
}

func TestExecutor_ProcessorPanicMarksTaskFailed(t *testing.T) {
	taskStore, _ := newMemoryFixture(t)
	task := seedTask(t, taskStore, domain.TaskStatusPending)

	executor := newTestExecutor(taskStore, ProcessorFunc(func(context.Context, *domain.Task) (map[string]any, error) {
		panic("boom")
	}))

	require.NoError(t, executor.Execute(context.Background(), task.ID))

	stored, err := taskStore.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Contains(t, *stored.Error, "boom")
}

func TestExecutor_UnencodableResultMarksTaskFailed(t *testing.T) {
	taskStore, _ := newMemoryFixture(t)
	task := seedTask(t, taskStore, domain.TaskStatusPending)

	processor := &countingProcessor{result: map[string]any{"ch": make(chan int)}}
	require.NoError(t, newTestExecutor(taskStore, processor).Execute(context.Background(), task.ID))

	stored, err := taskStore.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	assert.Nil(t, stored.Result)
	require.NotNil(t, stored.Error)
	assert.Contains(t, *stored.Error, "encode")
}

func TestExecutor_SkipsTasksThatAreNotStartable(t *testing.T) {
	statuses := []domain.TaskStatus{
		domain.TaskStatusNew,
		domain.TaskStatusInProgress,
		domain.TaskStatusCompleted,
		domain.TaskStatusFailed,
		domain.TaskStatusCancelled,
	}

	for _, status := range statuses {
		t.Run(string(status), func(t *testing.T) {
			taskStore, txdb := newMemoryFixture(t)
			task := seedTask(t, taskStore, status)

			processor := &countingProcessor{}
			require.NoError(t, newTestExecutor(taskStore, processor).Execute(context.Background(), task.ID))

			stored, err := taskStore.GetByID(context.Background(), task.ID)
			require.NoError(t, err)
			assert.Equal(t, status, stored.Status)
			assert.Equal(t, int32(0), processor.calls.Load())
			assert.Equal(t, 1, txdb.Commits(), "the lock transaction is committed without changes")
		})
	}
}

func TestExecutor_MissingTaskIsSkipped(t *testing.T) {
	taskStore, txdb := newMemoryFixture(t)
	processor := &countingProcessor{}

	require.NoError(t, newTestExecutor(taskStore, processor).Execute(context.Background(), uuid.New()))

	assert.Equal(t, int32(0), processor.calls.Load())
	assert.Equal(t, 0, taskStore.Len())
	assert.Equal(t, 1, txdb.Commits())
}

// commitAfterFirstRead promotes the task to PENDING right after the first
// locked read, the way the creating transaction commits after publishing.
type commitAfterFirstRead struct {
	*mocks.MemoryTaskStore
	once sync.Once
}

func (s *commitAfterFirstRead) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := s.MemoryTaskStore.GetForUpdate(ctx, id)
	if err == nil {
		s.once.Do(func() {
			_, _ = s.MemoryTaskStore.UpdateStatus(ctx, task, store.StatusUpdate{Status: domain.TaskStatusPending})
		})
	}
	return task, err
}

func (s *commitAfterFirstRead) WithTx(*sql.Tx) store.TaskStore { return s }

func TestExecutor_RetriesClaimUntilTaskIsPending(t *testing.T) {
	memStore, txdb := newMemoryFixture(t)
	task := seedTask(t, memStore, domain.TaskStatusNew)

	processor := &countingProcessor{result: map[string]any{"ok": true}}
	executor := newTestExecutor(&commitAfterFirstRead{MemoryTaskStore: memStore}, processor)
	executor.claimBackoff = []time.Duration{time.Millisecond, time.Millisecond}

	require.NoError(t, executor.Execute(context.Background(), task.ID))

	stored, err := memStore.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, stored.Status)
	assert.Equal(t, int32(1), processor.calls.Load())
	assert.Equal(t, 3, txdb.Commits(), "one empty claim, one claim, one finalize")
}

func TestExecutor_MissingTaskIsRetriedThenSkipped(t *testing.T) {
	taskStore, txdb := newMemoryFixture(t)
	executor := newTestExecutor(taskStore, &countingProcessor{})
	executor.claimBackoff = []time.Duration{time.Millisecond, time.Millisecond}

	require.NoError(t, executor.Execute(context.Background(), uuid.New()))

	assert.Equal(t, 3, txdb.Begins())
	assert.Equal(t, 3, txdb.Commits())
}

func TestExecutor_ClaimRetryStopsOnCancel(t *testing.T) {
	taskStore, txdb := newMemoryFixture(t)
	executor := newTestExecutor(taskStore, &countingProcessor{})
	executor.claimBackoff = []time.Duration{time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, executor.Execute(ctx, uuid.New()))
	assert.Equal(t, 0, txdb.Begins(), "no claim is attempted with a done context")
}

func TestExecutor_ClaimRetryStopsWhenCancelledDuringBackoff(t *testing.T) {
	taskStore, txdb := newMemoryFixture(t)
	processor := &countingProcessor{}
	executor := newTestExecutor(taskStore, processor)
	executor.claimBackoff = []time.Duration{time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- executor.Execute(ctx, uuid.New()) }()

	require.Eventually(t, func() bool { return txdb.Commits() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Execute kept waiting after cancel")
	}
	assert.Equal(t, 1, txdb.Begins())
	assert.Zero(t, processor.calls.Load())
}

func TestExecutor_DuplicateDeliveryProcessesOnce(t *testing.T) {
	taskStore, _ := newMemoryFixture(t)
	task := seedTask(t, taskStore, domain.TaskStatusPending)

	processor := &countingProcessor{result: map[string]any{"n": 1}}
	executor := newTestExecutor(taskStore, processor)

	require.NoError(t, executor.Execute(context.Background(), task.ID))
	first, err := taskStore.GetByID(context.Background(), task.ID)
	require.NoError(t, err)

	require.NoError(t, executor.Execute(context.Background(), task.ID))
	second, err := taskStore.GetByID(context.Background(), task.ID)
	require.NoError(t, err)

	assert.Equal(t, int32(1), processor.calls.Load())
	assert.Equal(t, first, second, "second delivery leaves the record untouched")
}

func TestExecutor_RecordsOutcomeWhenContextIsCancelled(t *testing.T) {
	taskStore, _ := newMemoryFixture(t)
	task := seedTask(t, taskStore, domain.TaskStatusPending)

	ctx, cancel := context.WithCancel(context.Background())
	executor := newTestExecutor(taskStore, ProcessorFunc(func(ctx context.Context, _ *domain.Task) (map[string]any, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	require.NoError(t, executor.Execute(ctx, task.ID))

	stored, err := taskStore.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, context.Canceled.Error(), *stored.Error)
}

func TestExecutor_FinishedAtNeverPrecedesStartedAt(t *testing.T) {
	taskStore, _ := newMemoryFixture(t)
	task := seedTask(t, taskStore, domain.TaskStatusPending)

	executor := newTestExecutor(taskStore, &countingProcessor{})
	clock := time.Date(2025, time.April, 1, 12, 0, 0, 0, time.UTC)
	ticks := 0
	executor.now = func() time.Time {
		ticks++
		// The clock steps backwards between start and finish.
		return clock.Add(-time.Duration(ticks) * time.Second)
	}

	require.NoError(t, executor.Execute(context.Background(), task.ID))

	stored, err := taskStore.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.StartedAt)
	require.NotNil(t, stored.FinishedAt)
	assert.Equal(t, *stored.StartedAt, *stored.FinishedAt)
}

func TestExecutor_StoreErrorRollsBackClaim(t *testing.T) {
	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	id := uuid.New()
	taskStore := &mocks.TestifyMockTaskStore{}
	taskStore.On("DB").Return(db)
	taskStore.On("GetForUpdate", mock.Anything, id).Return(nil, errors.New("connection reset"))

	sqlMock.ExpectBegin()
	sqlMock.ExpectRollback()

	processor := &countingProcessor{}
	err = newTestExecutor(taskStore, processor).Execute(context.Background(), id)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, int32(0), processor.calls.Load())
	assert.NoError(t, sqlMock.ExpectationsWereMet())
	taskStore.AssertExpectations(t)
}

func TestExecutor_StaleClaimIsSkipped(t *testing.T) {
	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	task, err := domain.NewTask("stale", nil, domain.TaskPriorityLow)
	require.NoError(t, err)
	task.Status = domain.TaskStatusPending

	taskStore := &mocks.TestifyMockTaskStore{}
	taskStore.On("DB").Return(db)
	taskStore.On("GetForUpdate", mock.Anything, task.ID).Return(task, nil)
	taskStore.On("UpdateStatus", mock.Anything, task, mock.MatchedBy(func(u store.StatusUpdate) bool {
		return u.Status == domain.TaskStatusInProgress && u.StartedAt.IsSet()
	})).Return(nil, store.ErrStaleTask)

	sqlMock.ExpectBegin()
	sqlMock.ExpectCommit()

	processor := &countingProcessor{}
	require.NoError(t, newTestExecutor(taskStore, processor).Execute(context.Background(), task.ID))

	assert.Equal(t, int32(0), processor.calls.Load())
	assert.NoError(t, sqlMock.ExpectationsWereMet())
	taskStore.AssertExpectations(t)
}

func TestExecutor_FinalizeFailureIsReturned(t *testing.T) {
	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	task, err := domain.NewTask("finalize", nil, domain.TaskPriorityMedium)
	require.NoError(t, err)
	task.Status = domain.TaskStatusPending
	running := store.ApplyStatusUpdate(task, store.StatusUpdate{
		Status:    domain.TaskStatusInProgress,
		StartedAt: domain.Set(time.Now().UTC()),
	})

	taskStore := &mocks.TestifyMockTaskStore{}
	taskStore.On("DB").Return(db)
	taskStore.On("GetForUpdate", mock.Anything, task.ID).Return(task, nil)
	taskStore.On("UpdateStatus", mock.Anything, task, mock.MatchedBy(func(u store.StatusUpdate) bool {
		return u.Status == domain.TaskStatusInProgress
	})).Return(running, nil)
	taskStore.On("UpdateStatus", mock.Anything, running, mock.MatchedBy(func(u store.StatusUpdate) bool {
		return u.Status == domain.TaskStatusCompleted
	})).Return(nil, errors.New("disk full"))

	sqlMock.ExpectBegin()
	sqlMock.ExpectCommit()
	sqlMock.ExpectBegin()
	sqlMock.ExpectRollback()

	err = newTestExecutor(taskStore, &countingProcessor{}).Execute(context.Background(), task.ID)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "COMPLETED")
	assert.NoError(t, sqlMock.ExpectationsWereMet())
	taskStore.AssertExpectations(t)
}

// A cancellation racing a delivery of the same PENDING task: exactly one wins.
func TestExecutor_CancelVersusDequeueRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		taskStore, _ := newMemoryFixture(t)
		task := seedTask(t, taskStore, domain.TaskStatusPending)

		processor := &countingProcessor{result: map[string]any{"ok": true}}
		executor := newTestExecutor(taskStore, processor)

		var wg sync.WaitGroup
		var cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, executor.Execute(context.Background(), task.ID))
		}()
		go func() {
			defer wg.Done()
			current, err := taskStore.GetForUpdate(context.Background(), task.ID)
			if err != nil {
				cancelErr = err
				return
			}
			_, cancelErr = taskStore.UpdateStatus(context.Background(), current, store.StatusUpdate{
				Status:     domain.TaskStatusCancelled,
				FinishedAt: domain.Set(time.Now().UTC()),
			})
		}()
		wg.Wait()

		final, err := taskStore.GetByID(context.Background(), task.ID)
		require.NoError(t, err)

		switch final.Status {
		case domain.TaskStatusCancelled:
			assert.NoError(t, cancelErr)
			assert.Equal(t, int32(0), processor.calls.Load(), "cancelled task must not be processed")
			assert.Nil(t, final.StartedAt)
			assert.Nil(t, final.Result)
		case domain.TaskStatusCompleted:
			require.Error(t, cancelErr)
			assert.True(t,
				errors.Is(cancelErr, store.ErrStaleTask) || errors.Is(cancelErr, domain.ErrInvalidTransition),
				"cancel should lose: %v", cancelErr)
			assert.Equal(t, int32(1), processor.calls.Load())
		default:
			t.Fatalf("unexpected final status %s", final.Status)
		}
	}
}
