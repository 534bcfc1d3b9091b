// Package mocks provides centralized test doubles for the task store, the
// publisher and the database handle used to open transactions.
//
// Two styles are offered, matching how tests use them:
//
//   - TestifyMockTaskStore records expectations with testify/mock and suits
//     tests of error paths that need exact call verification.
//   - MemoryTaskStore and MockPublisher keep real state and suit scenario and
//     concurrency tests where the call sequence is not known in advance.
//
// Usage:
//
//	txdb := mocks.NewTxDB()
//	taskStore := mocks.NewMemoryTaskStore(txdb.DB)
//	svc, _ := service.NewTaskService(taskStore, &mocks.MockPublisher{}, nil)
package mocks
