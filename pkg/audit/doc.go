// Package audit records an append-only log of authorization decisions and
// state changes for compliance review.
//
// # Overview
//
// Entries are written once and never updated. Every Authorize call on a
// mutating action, every role/membership/override change and every workflow
// transition lands here with its result (granted, denied, success, failure).
//
// # Usage Example
//
//	rec := audit.NewRecorder(audit.NewStore(db), gate, clock.Real(), logger)
//	err := rec.Append(ctx, &audit.Entry{
//		OrgID:             "acme",
//		UserID:            "u-1",
//		Action:            "approve",
//		ResourceType:      "workflow_instance",
//		ResourceID:        instanceID,
//		PermissionChecked: "workflow_instance:approve:own",
//		Result:            audit.ResultGranted,
//	})
//
// Aggregate a window for a dashboard:
//
//	report, err := rec.Aggregate(ctx, "acme", from, to)
//	for _, b := range report.Denied { ... }
//
// # Retention
//
// Purge removes entries older than N days and is reserved for holders of the
// organization's highest-authority role. The purge itself is appended after
// the delete. The sweeper can run the same delete on a schedule for every
// organization (PurgeExpired).
//
// # Related Packages
//
//   - pkg/rbac: authorization decisions and role changes
//   - pkg/workflow: approval transitions
package audit
