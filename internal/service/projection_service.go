package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/outpass-api/internal/models"
	appErrors "github.com/noah-isme/outpass-api/pkg/errors"
	"github.com/noah-isme/outpass-api/pkg/export"
)

type projectionRepository interface {
	List(ctx context.Context, filter models.OutpassFilter) ([]models.Outpass, int, error)
	Snapshot(ctx context.Context) ([]models.Outpass, error)
}

// ProjectionConfig tunes the time-derived view rules.
type ProjectionConfig struct {
	MissedExitGrace     time.Duration
	ReturningSoonWindow time.Duration
}

// ProjectionService computes read-only views over the request store plus the
// current time. Everything is recomputed per query through the same pure
// derivation the gate uses; there are no cached counters to drift.
type ProjectionService struct {
	repo   projectionRepository
	logger *zap.Logger
	config ProjectionConfig
}

// NewProjectionService constructs the projection service.
func NewProjectionService(repo projectionRepository, logger *zap.Logger, config ProjectionConfig) *ProjectionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MissedExitGrace <= 0 {
		config.MissedExitGrace = models.DefaultMissedExitGrace
	}
	if config.ReturningSoonWindow <= 0 {
		config.ReturningSoonWindow = models.DefaultReturningSoonWindow
	}
	return &ProjectionService{repo: repo, logger: logger, config: config}
}

// List returns projected records matching the filter, newest first.
func (s *ProjectionService) List(ctx context.Context, filter models.OutpassFilter) ([]models.OutpassView, *models.Pagination, error) {
	passes, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list outpasses")
	}
	now := time.Now().UTC()
	views := make([]models.OutpassView, 0, len(passes))
	for _, op := range passes {
		views = append(views, models.NewOutpassView(op, now, s.config.ReturningSoonWindow))
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return views, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// ListPending returns the warden's decision queue.
func (s *ProjectionService) ListPending(ctx context.Context, page, pageSize int) ([]models.OutpassView, *models.Pagination, error) {
	status := models.OutpassPending
	return s.List(ctx, models.OutpassFilter{Status: &status, Page: page, PageSize: pageSize, SortBy: "created_at", SortOrder: "ASC"})
}

// ListActive returns passes that belong in active views right now: approved,
// not yet returned, and not hidden by the missed-exit grace rule. Passing a
// studentID scopes the view to one student.
func (s *ProjectionService) ListActive(ctx context.Context, studentID string) ([]models.OutpassView, error) {
	status := models.OutpassApproved
	passes, _, err := s.repo.List(ctx, models.OutpassFilter{StudentID: studentID, Status: &status, PageSize: 100})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list active outpasses")
	}
	now := time.Now().UTC()
	views := make([]models.OutpassView, 0, len(passes))
	for _, op := range passes {
		if !op.ActiveVisible(now, s.config.MissedExitGrace) {
			continue
		}
		views = append(views, models.NewOutpassView(op, now, s.config.ReturningSoonWindow))
	}
	return views, nil
}

// ListCurrentlyOut returns students who exited and have not returned, for the
// security and warden dashboards.
func (s *ProjectionService) ListCurrentlyOut(ctx context.Context) ([]models.OutpassView, error) {
	out := true
	status := models.OutpassApproved
	passes, _, err := s.repo.List(ctx, models.OutpassFilter{Status: &status, CurrentlyOut: &out, PageSize: 100})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list students out")
	}
	now := time.Now().UTC()
	views := make([]models.OutpassView, 0, len(passes))
	for _, op := range passes {
		views = append(views, models.NewOutpassView(op, now, s.config.ReturningSoonWindow))
	}
	return views, nil
}

// Analytics folds the whole store through the derivation at the current
// instant. A record lands in at most one of the mutually exclusive
// out/overdue buckets.
func (s *ProjectionService) Analytics(ctx context.Context) (*models.Tally, error) {
	passes, err := s.repo.Snapshot(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load outpasses")
	}
	now := time.Now().UTC()
	tally := &models.Tally{Total: len(passes)}
	for _, op := range passes {
		switch op.Status {
		case models.OutpassPending:
			tally.Pending++
		case models.OutpassApproved:
			tally.Approved++
		case models.OutpassRejected:
			tally.Rejected++
		}
		if op.LateReturn {
			tally.LateReturns++
		}
		if op.CurrentlyOut() {
			tally.CurrentlyOut++
			if op.Overdue(now) {
				tally.Overdue++
			} else if op.ReturningSoon(now, s.config.ReturningSoonWindow) {
				tally.ReturningSoon++
			}
		}
	}
	return tally, nil
}

// Register builds the warden's printable outpass register.
func (s *ProjectionService) Register(ctx context.Context) (export.Dataset, error) {
	passes, err := s.repo.Snapshot(ctx)
	if err != nil {
		return export.Dataset{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load outpasses")
	}
	now := time.Now().UTC()
	headers := []string{"Student", "Email", "Reason", "From", "To", "Status", "Exit", "Entry", "Late"}
	rows := make([]map[string]string, 0, len(passes))
	for _, op := range passes {
		row := map[string]string{
			"Student": op.StudentName,
			"Email":   op.StudentEmail,
			"Reason":  op.Reason,
			"From":    op.FromTime.Format(time.RFC3339),
			"To":      op.ToTime.Format(time.RFC3339),
			"Status":  string(op.DisplayStatus(now)),
			"Exit":    formatOptional(op.ExitTime),
			"Entry":   formatOptional(op.EntryTime),
			"Late":    formatBool(op.LateReturn),
		}
		rows = append(rows, row)
	}
	return export.Dataset{Headers: headers, Rows: rows}, nil
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatBool(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
