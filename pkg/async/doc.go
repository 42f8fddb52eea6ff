// Package async provides goroutine helpers for background work.
//
// SafeGo runs a single task with a timeout and panic recovery, logging its
// error. WorkerPool runs tasks on a fixed number of workers, and Batch maps a
// function over a slice through a pool, returning one error slot per item.
//
// The sweep uses Batch to dispatch reminders with a per-item timeout;
// notify.Async uses SafeGo so approvals never wait on a notification.
package async
