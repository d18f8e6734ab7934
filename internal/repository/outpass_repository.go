package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/outpass-api/internal/models"
)

// OutpassRepository manages persistence for outpass requests. It is the sole
// owner of mutation: lifecycle and gate services change rows only through the
// guarded updates below, each a single conditional statement so concurrent
// writers on one record serialize at the database.
type OutpassRepository struct {
	db *sqlx.DB
}

// NewOutpassRepository constructs an OutpassRepository.
func NewOutpassRepository(db *sqlx.DB) *OutpassRepository {
	return &OutpassRepository{db: db}
}

const outpassColumns = `o.id, o.student_id, u.full_name AS student_name, u.email AS student_email,
        o.reason, o.from_time, o.to_time, o.status, o.exit_time, o.entry_time,
        o.scanned_exit, o.scanned_entry, o.late_return, o.qr_token, o.decided_by, o.decided_at,
        o.version, o.created_at, o.updated_at`

// Create inserts a new pending request.
func (r *OutpassRepository) Create(ctx context.Context, op *models.Outpass) error {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	op.UpdatedAt = now
	if op.Version == 0 {
		op.Version = 1
	}
	const query = `INSERT INTO outpasses (id, student_id, reason, from_time, to_time, status,
        scanned_exit, scanned_entry, late_return, version, created_at, updated_at)
        VALUES (:id, :student_id, :reason, :from_time, :to_time, :status,
        :scanned_exit, :scanned_entry, :late_return, :version, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, op); err != nil {
		return fmt.Errorf("create outpass: %w", err)
	}
	return nil
}

// FindByID fetches one request with denormalized student identity.
func (r *OutpassRepository) FindByID(ctx context.Context, id string) (*models.Outpass, error) {
	query := fmt.Sprintf(`SELECT %s FROM outpasses o JOIN users u ON u.id = o.student_id WHERE o.id = $1`, outpassColumns)
	var op models.Outpass
	if err := r.db.GetContext(ctx, &op, query, id); err != nil {
		return nil, err
	}
	return &op, nil
}

// FindCurrentPass returns the student's approved, not-yet-returned request
// holding a live QR token, if any.
func (r *OutpassRepository) FindCurrentPass(ctx context.Context, studentID string) (*models.Outpass, error) {
	query := fmt.Sprintf(`SELECT %s FROM outpasses o JOIN users u ON u.id = o.student_id
        WHERE o.student_id = $1 AND o.status = $2 AND o.entry_time IS NULL AND o.qr_token IS NOT NULL
        ORDER BY o.created_at DESC LIMIT 1`, outpassColumns)
	var op models.Outpass
	if err := r.db.GetContext(ctx, &op, query, studentID, models.OutpassApproved); err != nil {
		return nil, err
	}
	return &op, nil
}

// List returns requests matching the provided filters.
func (r *OutpassRepository) List(ctx context.Context, filter models.OutpassFilter) ([]models.Outpass, int, error) {
	base := "FROM outpasses o JOIN users u ON u.id = o.student_id"
	args := []interface{}{}
	conditions := []string{"1=1"}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("o.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("o.status = $%d", len(args)+1))
		args = append(args, *filter.Status)
	}
	if filter.CurrentlyOut != nil {
		if *filter.CurrentlyOut {
			conditions = append(conditions, "o.exit_time IS NOT NULL AND o.entry_time IS NULL")
		} else {
			conditions = append(conditions, "(o.exit_time IS NULL OR o.entry_time IS NOT NULL)")
		}
	}

	base = fmt.Sprintf("%s WHERE %s", base, strings.Join(conditions, " AND "))

	sortBy := filter.SortBy
	allowedSorts := map[string]string{
		"created_at": "o.created_at",
		"from_time":  "o.from_time",
		"to_time":    "o.to_time",
	}
	if sortBy == "" {
		sortBy = "created_at"
	}
	column, ok := allowedSorts[sortBy]
	if !ok {
		column = "o.created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT %s %s ORDER BY %s %s LIMIT %d OFFSET %d`, outpassColumns, base, column, order, size, offset)

	var passes []models.Outpass
	if err := r.db.SelectContext(ctx, &passes, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list outpasses: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(o.id) %s", base)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count outpasses: %w", err)
	}
	return passes, total, nil
}

// Snapshot returns every row, newest first. Projections fold over it with the
// pure time-derivation so counters can never drift from the store.
func (r *OutpassRepository) Snapshot(ctx context.Context) ([]models.Outpass, error) {
	query := fmt.Sprintf(`SELECT %s FROM outpasses o JOIN users u ON u.id = o.student_id ORDER BY o.created_at DESC`, outpassColumns)
	var passes []models.Outpass
	if err := r.db.SelectContext(ctx, &passes, query); err != nil {
		return nil, fmt.Errorf("snapshot outpasses: %w", err)
	}
	return passes, nil
}

// ApplyDecision moves a pending request to approved or rejected. The guard on
// status makes the decision exactly-once: a concurrent duplicate sees zero
// rows affected and must re-read.
func (r *OutpassRepository) ApplyDecision(ctx context.Context, id string, status models.OutpassStatus, qrToken *string, decidedBy string, decidedAt time.Time) (bool, error) {
	const query = `UPDATE outpasses
        SET status = $2, qr_token = $3, decided_by = $4, decided_at = $5, version = version + 1, updated_at = $5
        WHERE id = $1 AND status = $6`
	res, err := r.db.ExecContext(ctx, query, id, status, qrToken, decidedBy, decidedAt, models.OutpassPending)
	if err != nil {
		return false, fmt.Errorf("apply decision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("apply decision rows: %w", err)
	}
	return n == 1, nil
}

// RecordExit stamps the exit scan and rotates the pass token in one guarded
// statement. The presented token is part of the guard, so a replayed image
// can never win the race.
func (r *OutpassRepository) RecordExit(ctx context.Context, id, presentedToken, rotatedToken string, exitAt time.Time) (bool, error) {
	const query = `UPDATE outpasses
        SET exit_time = $2, scanned_exit = TRUE, qr_token = $3, version = version + 1, updated_at = $2
        WHERE id = $1 AND status = $4 AND exit_time IS NULL AND qr_token = $5`
	res, err := r.db.ExecContext(ctx, query, id, exitAt, rotatedToken, models.OutpassApproved, presentedToken)
	if err != nil {
		return false, fmt.Errorf("record exit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record exit rows: %w", err)
	}
	return n == 1, nil
}

// RecordEntry stamps the entry scan, flags a late return, and consumes the
// token. After this no token validates for the record again.
func (r *OutpassRepository) RecordEntry(ctx context.Context, id, presentedToken string, entryAt time.Time, late bool) (bool, error) {
	const query = `UPDATE outpasses
        SET entry_time = $2, scanned_entry = TRUE, late_return = $3, qr_token = NULL, version = version + 1, updated_at = $2
        WHERE id = $1 AND status = $4 AND exit_time IS NOT NULL AND entry_time IS NULL AND qr_token = $5`
	res, err := r.db.ExecContext(ctx, query, id, entryAt, late, models.OutpassApproved, presentedToken)
	if err != nil {
		return false, fmt.Errorf("record entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record entry rows: %w", err)
	}
	return n == 1, nil
}
