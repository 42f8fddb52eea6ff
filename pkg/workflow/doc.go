// Package workflow runs multi-step, role-based approvals.
//
// A Template lists numbered steps. Each step names the role whose holders
// approve it, the context those holders must cover, and the rule that
// resolves the step: any_one (the first approve) or all (every resolved
// approver). A step may name an escalation role and a deadline in hours.
//
// An Instance moves pending -> in_progress -> approved | rejected |
// cancelled. Decide stores an ApprovalAction with a deterministic id before
// it touches the instance, and every instance write is a compare-and-swap
// on (status, current_step, version). A crash between the two writes leaves
// an action the instance does not reflect yet; Recover replays it.
//
// The sweep drives the time-based parts through Overdue/Escalate,
// DueForReminder/Remind, StalePending and Unsettled.
package workflow
