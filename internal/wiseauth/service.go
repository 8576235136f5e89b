package wiseauth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ciris-run/agent-runtime/internal/apierrors"
)

// Authorization actions. ActionMintWA/ActionCreateWA/ActionBootstrapRoot
// are the three an AUTHORITY-role WA is explicitly denied; the
// observer set is the only four an OBSERVER-role WA is granted.
const (
	ActionMintWA        = "mint_wa"
	ActionCreateWA      = "create_wa"
	ActionBootstrapRoot = "bootstrap_root"
	ActionRead          = "read"
	ActionSendMessage   = "send_message"
	ActionObserve       = "observe"
	ActionGetStatus     = "get_status"
)

var authorityDenied = map[string]bool{
	ActionMintWA:        true,
	ActionCreateWA:      true,
	ActionBootstrapRoot: true,
}

var observerAllowed = map[string]bool{
	ActionRead:        true,
	ActionSendMessage: true,
	ActionObserve:     true,
	ActionGetStatus:   true,
}

const requestApprovalDeferWindow = 24 * time.Hour

// Priority bucket thresholds on tasks.priority's 0-100 scale.
const (
	priorityMediumThreshold = 34
	priorityHighThreshold   = 67
)

// DeferralRecord is the JSON payload stored in a deferred task's
// deferral column: the original deferral request plus, once resolved,
// the resolution outcome.
type DeferralRecord struct {
	DeferralID       string                 `json:"deferral_id"`
	ThoughtID        string                 `json:"thought_id,omitempty"`
	Reason           string                 `json:"reason"`
	DeferUntil       time.Time              `json:"defer_until"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	Resolved         bool                   `json:"resolved,omitempty"`
	Approved         bool                   `json:"approved,omitempty"`
	ResolverWAID     string                 `json:"resolver_wa_id,omitempty"`
	ResolvedAt       *time.Time             `json:"resolved_at,omitempty"`
	ResolutionReason string                 `json:"resolution_reason,omitempty"`
}

// PendingDeferral is a get_pending_deferrals row: the deferral record
// plus the task's bucketed priority.
type PendingDeferral struct {
	DeferralRecord
	TaskID   string
	Priority string // "low", "medium", or "high"
}

type taskRow struct {
	TaskID       string         `db:"task_id"`
	Description  sql.NullString `db:"description"`
	Status       string         `db:"status"`
	Priority     int            `db:"priority"`
	ParentTaskID sql.NullString `db:"parent_task_id"`
	Context      sql.NullString `db:"context"`
	Deferral     sql.NullString `db:"deferral"`
	CreatedAt    string         `db:"created_at"`
	UpdatedAt    sql.NullString `db:"updated_at"`
}

func priorityBucket(p int) string {
	switch {
	case p >= priorityHighThreshold:
		return "high"
	case p >= priorityMediumThreshold:
		return "medium"
	default:
		return "low"
	}
}

// Service implements authorization, deferral, and guidance lookup on
// top of the Authentication service and the shared task table.
type Service struct {
	auth *Authentication
	db   *sqlx.DB
}

// NewService wires a Service to its Authentication dependency and the
// sqlx connection backing the tasks table.
func NewService(auth *Authentication, db *sqlx.DB) *Service {
	return &Service{auth: auth, db: db}
}

// CheckAuthorization reports whether wa is permitted to perform action
// against the optional resource, by role. Inactive WAs are always
// rejected regardless of role.
func (s *Service) CheckAuthorization(ctx context.Context, waID, action, resource string) (bool, error) {
	cert, err := s.auth.store.GetWA(ctx, waID)
	if err != nil {
		if apierrors.Is(err, apierrors.ErrCodeNotFound) {
			return false, nil
		}
		return false, err
	}
	if !cert.Active {
		return false, nil
	}

	switch cert.Role {
	case RoleRoot:
		return true, nil
	case RoleAuthority:
		return !authorityDenied[action], nil
	case RoleObserver:
		return observerAllowed[action], nil
	default:
		return false, nil
	}
}

// RequestApproval auto-approves when waID is already authorized for
// action; otherwise it opens a 24-hour deferral on taskID and returns
// false.
func (s *Service) RequestApproval(ctx context.Context, waID, action, taskID string, reviewContext map[string]interface{}) (bool, error) {
	authorized, err := s.CheckAuthorization(ctx, waID, action, "")
	if err != nil {
		return false, err
	}
	if authorized {
		return true, nil
	}

	_, err = s.SendDeferral(ctx, taskID, "", fmt.Sprintf("approval required for action: %s", action),
		time.Now().Add(requestApprovalDeferWindow), reviewContext)
	if err != nil {
		return false, err
	}
	return false, nil
}

// SendDeferral marks taskID's task row as deferred, embedding a
// DeferralRecord in its deferral column, and returns the minted
// deferral ID.
func (s *Service) SendDeferral(ctx context.Context, taskID, thoughtID, reason string, deferUntil time.Time, metadata map[string]interface{}) (string, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tasks WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apierrors.NotFound("task", taskID)
	}
	if err != nil {
		return "", fmt.Errorf("load task %s: %w", taskID, err)
	}

	now := time.Now().UTC()
	record := DeferralRecord{
		DeferralID: fmt.Sprintf("defer_%s_%d", taskID, now.UnixMilli()),
		ThoughtID:  thoughtID,
		Reason:     reason,
		DeferUntil: deferUntil,
		Metadata:   metadata,
		CreatedAt:  now,
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("marshal deferral record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'deferred', deferral = ?, updated_at = ? WHERE task_id = ?
	`, string(payload), now.Format(time.RFC3339), taskID)
	if err != nil {
		return "", fmt.Errorf("defer task %s: %w", taskID, err)
	}
	return record.DeferralID, nil
}

// GetPendingDeferrals returns every deferred task's embedded deferral
// record with its task priority bucketed into low/medium/high. waID is
// accepted for API symmetry with the original but deferral records
// carry no requester WA to filter on, so it is presently unused — see
// DESIGN.md.
func (s *Service) GetPendingDeferrals(ctx context.Context, waID string) ([]PendingDeferral, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM tasks WHERE status = 'deferred'`); err != nil {
		return nil, fmt.Errorf("list deferred tasks: %w", err)
	}

	out := make([]PendingDeferral, 0, len(rows))
	for _, r := range rows {
		if !r.Deferral.Valid {
			continue
		}
		var record DeferralRecord
		if err := json.Unmarshal([]byte(r.Deferral.String), &record); err != nil {
			continue
		}
		out = append(out, PendingDeferral{
			DeferralRecord: record,
			TaskID:         r.TaskID,
			Priority:       priorityBucket(r.Priority),
		})
	}
	return out, nil
}

var deferralIDPattern = regexp.MustCompile(`^defer_(.+)_(\d+)$`)

// ResolveDeferral locates the deferred task referenced by deferralID —
// first by parsing the task ID out of its defer_<task_id>_<epoch_ms>
// shape, falling back to a LIKE-scan of the deferral column when the
// parse doesn't resolve to a matching row (an open question in the
// original: deferral IDs whose task ID itself contains underscores
// make the parse ambiguous) — then records the resolution, reopens the
// task, and, when approved with a non-empty reason, attaches that
// reason to the task's context as wa_guidance. Returns true iff
// exactly one row was updated.
func (s *Service) ResolveDeferral(ctx context.Context, deferralID string, approved bool, reason, resolverWAID string) (bool, error) {
	row, err := s.findDeferredTask(ctx, deferralID)
	if err != nil {
		return false, err
	}
	if row == nil {
		return false, nil
	}

	var record DeferralRecord
	if row.Deferral.Valid {
		_ = json.Unmarshal([]byte(row.Deferral.String), &record)
	}
	now := time.Now().UTC()
	record.Resolved = true
	record.Approved = approved
	record.ResolverWAID = resolverWAID
	record.ResolvedAt = &now
	record.ResolutionReason = reason

	payload, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("marshal resolved deferral: %w", err)
	}

	contextJSON := row.Context.String
	if approved && reason != "" {
		contextJSON, err = attachGuidance(contextJSON, reason)
		if err != nil {
			return false, err
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', deferral = ?, context = ?, updated_at = ?
		WHERE task_id = ? AND status = 'deferred'
	`, string(payload), nullableStr(contextJSON), now.Format(time.RFC3339), row.TaskID)
	if err != nil {
		return false, fmt.Errorf("resolve deferral %s: %w", deferralID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Service) findDeferredTask(ctx context.Context, deferralID string) (*taskRow, error) {
	if m := deferralIDPattern.FindStringSubmatch(deferralID); m != nil {
		var row taskRow
		err := s.db.GetContext(ctx, &row, `SELECT * FROM tasks WHERE task_id = ? AND status = 'deferred'`, m[1])
		if err == nil {
			return &row, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("load task for deferral %s: %w", deferralID, err)
		}
	}

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM tasks WHERE status = 'deferred' AND deferral LIKE ?`, "%"+deferralID+"%"); err != nil {
		return nil, fmt.Errorf("scan deferred tasks for %s: %w", deferralID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func attachGuidance(contextJSON, guidance string) (string, error) {
	ctxMap := map[string]interface{}{}
	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &ctxMap); err != nil {
			ctxMap = map[string]interface{}{}
		}
	}
	ctxMap["wa_guidance"] = guidance
	out, err := json.Marshal(ctxMap)
	if err != nil {
		return "", fmt.Errorf("marshal task context: %w", err)
	}
	return string(out), nil
}

// FetchGuidance returns the wa_guidance string attached to taskID's
// context, if any. The service never generates guidance itself.
func (s *Service) FetchGuidance(ctx context.Context, taskID string) (*string, error) {
	var contextJSON sql.NullString
	err := s.db.GetContext(ctx, &contextJSON, `SELECT context FROM tasks WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierrors.NotFound("task", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if !contextJSON.Valid || contextJSON.String == "" {
		return nil, nil
	}

	var ctxMap map[string]interface{}
	if err := json.Unmarshal([]byte(contextJSON.String), &ctxMap); err != nil {
		return nil, nil
	}
	guidance, ok := ctxMap["wa_guidance"].(string)
	if !ok || guidance == "" {
		return nil, nil
	}
	if !strings.Contains(contextJSON.String, "wa_guidance") {
		return nil, nil
	}
	return &guidance, nil
}

// observerRetentionWindow is how long an OBSERVER WA may go without a
// login before the retention sweep deactivates it.
const observerRetentionWindow = 90 * 24 * time.Hour

// RunRetentionSweep re-checks the system WA bootstrap (cheap and
// idempotent, using the same seedPath/keyDir the service was
// originally bootstrapped with) and deactivates OBSERVER-role WAs that
// have not authenticated within observerRetentionWindow. Intended to
// run on a periodic schedule (cron), not per-request.
func (s *Service) RunRetentionSweep(ctx context.Context, seedPath, keyDir string) error {
	if err := s.auth.BootstrapIfNeeded(ctx, seedPath, keyDir); err != nil {
		return fmt.Errorf("retention sweep: bootstrap re-check: %w", err)
	}

	was, err := s.auth.store.ListWAs(ctx, WAFilter{Role: RoleObserver, ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("retention sweep: list observer WAs: %w", err)
	}

	cutoff := time.Now().Add(-observerRetentionWindow)
	for _, wa := range was {
		lastSeen := wa.CreatedAt
		if wa.LastLogin != nil {
			lastSeen = *wa.LastLogin
		}
		if lastSeen.After(cutoff) {
			continue
		}
		if err := s.auth.store.DeactivateWA(ctx, wa.WAID); err != nil {
			return fmt.Errorf("retention sweep: deactivate %s: %w", wa.WAID, err)
		}
	}
	return nil
}
