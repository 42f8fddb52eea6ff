// Package sweep runs the time-driven parts of approval workflows.
//
// Four independent jobs exist: escalation of overdue steps, reminders ahead
// of the due date, recovery of instances a crash left behind, and audit
// retention. Each job has its own cron schedule in a Scheduler and can be
// cancelled on its own. When a lease.Locker is configured a job only runs
// on the replica holding its Redis lease.
//
// Every mutation a job makes is a conditional write in the workflow store,
// so overlapping runs are safe; the lease only saves duplicate work.
package sweep
