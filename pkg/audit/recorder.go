package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/clock"
	"github.com/platinummonkey/gatekeeper/pkg/storage"
	"github.com/platinummonkey/gatekeeper/pkg/storage/ids"
)

// Recorder appends, aggregates and purges audit entries.
type Recorder struct {
	store  *Store
	gate   Gate
	clock  clock.Clock
	logger logrus.FieldLogger
}

// NewRecorder creates a recorder. gate may be nil until the RBAC layer is
// wired; Purge then refuses every caller.
func NewRecorder(store *Store, gate Gate, clk clock.Clock, logger logrus.FieldLogger) *Recorder {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Recorder{store: store, gate: gate, clock: clk, logger: logger}
}

// SetGate installs the authority checker. RBAC depends on the recorder, so
// the gate is attached after both are constructed.
func (r *Recorder) SetGate(gate Gate) {
	r.gate = gate
}

// Append writes e once. A missing id or timestamp is filled in; Result must
// be set.
func (r *Recorder) Append(ctx context.Context, e *Entry) error {
	if e.OrgID == "" || e.Action == "" {
		return fmt.Errorf("audit entry requires org and action")
	}
	if !e.Result.Valid() {
		return fmt.Errorf("audit entry has invalid result %q", e.Result)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.clock.Now()
	}
	e.Timestamp = clock.Stamp(e.Timestamp)
	if e.ID == "" {
		e.ID = ids.At(e.Timestamp)
	}
	return r.store.Insert(ctx, e)
}

// Get returns one entry.
func (r *Recorder) Get(ctx context.Context, orgID, id string) (*Entry, error) {
	return r.store.Get(ctx, orgID, id)
}

// Search returns entries matching f, newest first.
func (r *Recorder) Search(ctx context.Context, f Filter) ([]Entry, error) {
	if f.OrgID == "" {
		return nil, fmt.Errorf("audit search requires an organization")
	}
	return r.store.Search(ctx, f)
}

// Aggregate summarizes the window [from, to) of orgID. A zero to means now.
func (r *Recorder) Aggregate(ctx context.Context, orgID string, from, to time.Time) (*Report, error) {
	if to.IsZero() {
		to = r.clock.Now()
	}
	if !from.IsZero() && !from.Before(to) {
		return nil, fmt.Errorf("%w: from %s is not before to %s", ErrInvalidWindow, from, to)
	}
	buckets, err := r.store.Aggregate(ctx, Filter{OrgID: orgID, From: from, To: to})
	if err != nil {
		return nil, err
	}

	report := &Report{
		OrgID:    orgID,
		From:     from.UTC(),
		To:       to.UTC(),
		ByResult: make(map[Result]int64),
		Buckets:  buckets,
		Denied:   []Bucket{},
	}
	for _, b := range buckets {
		report.Total += b.Count
		report.ByResult[b.Result] += b.Count
		if b.Result == ResultDenied {
			report.Denied = append(report.Denied, b)
			report.DeniedTotal += b.Count
		}
	}
	return report, nil
}

// Purge removes entries of orgID older than olderThanDays. Only holders of
// the organization's highest-authority role may purge. The purge is appended
// after the delete so it survives its own cutoff.
func (r *Recorder) Purge(ctx context.Context, orgID, actorID string, olderThanDays int) (int64, error) {
	if olderThanDays < 1 {
		return 0, ErrInvalidRetention
	}

	entry := &Entry{
		OrgID:        orgID,
		UserID:       actorID,
		Action:       "purge",
		ResourceType: "audit_log",
		Context:      map[string]string{"older_than_days": strconv.Itoa(olderThanDays)},
	}

	if err := r.requireHighestAuthority(ctx, orgID, actorID); err != nil {
		if isDenial(err) {
			entry.Result = ResultDenied
			if appendErr := r.Append(ctx, entry); appendErr != nil {
				r.logger.WithError(appendErr).WithField("org_id", orgID).Warn("failed to record denied purge")
			}
		}
		return 0, err
	}

	now := r.clock.Now()
	cutoff := now.AddDate(0, 0, -olderThanDays)
	removed, err := r.store.DeleteBefore(ctx, orgID, cutoff)
	if err != nil {
		return 0, err
	}

	entry.Result = ResultSuccess
	entry.Timestamp = now
	entry.Context["removed"] = strconv.FormatInt(removed, 10)
	if err := r.Append(ctx, entry); err != nil {
		return removed, fmt.Errorf("purged %d entries but failed to record the purge: %w", removed, err)
	}

	r.logger.WithFields(logrus.Fields{
		"org_id":  orgID,
		"user_id": actorID,
		"removed": removed,
		"cutoff":  cutoff.Format(time.RFC3339),
	}).Info("audit log purged")
	return removed, nil
}

// PurgeExpired applies the retention window to every organization. It is
// the scheduled counterpart of Purge and carries no actor.
func (r *Recorder) PurgeExpired(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 1 {
		return 0, ErrInvalidRetention
	}
	return r.store.DeleteBefore(ctx, "", r.clock.Now().AddDate(0, 0, -retentionDays))
}

// CheckAccess delegates an organization-wide permission check to the gate.
func (r *Recorder) CheckAccess(ctx context.Context, orgID, userID, action string) error {
	if r.gate == nil {
		return fmt.Errorf("no authority gate configured: %w", ErrAccessDenied)
	}
	return r.gate.CheckAccess(ctx, orgID, userID, "audit_log", action)
}

func (r *Recorder) requireHighestAuthority(ctx context.Context, orgID, actorID string) error {
	if r.gate == nil {
		return fmt.Errorf("no authority gate configured: %w", ErrAccessDenied)
	}
	return r.gate.RequireHighestAuthority(ctx, orgID, actorID)
}

// isDenial separates authority refusals from infrastructure failures.
func isDenial(err error) bool {
	return !errors.Is(err, storage.ErrUnavailable) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
