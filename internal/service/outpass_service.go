package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/outpass-api/internal/models"
	appErrors "github.com/noah-isme/outpass-api/pkg/errors"
	"github.com/noah-isme/outpass-api/pkg/qrtoken"
)

type outpassRepository interface {
	Create(ctx context.Context, op *models.Outpass) error
	FindByID(ctx context.Context, id string) (*models.Outpass, error)
	FindCurrentPass(ctx context.Context, studentID string) (*models.Outpass, error)
	ApplyDecision(ctx context.Context, id string, status models.OutpassStatus, qrToken *string, decidedBy string, decidedAt time.Time) (bool, error)
}

// LifecycleConfig tunes request validation.
type LifecycleConfig struct {
	// SubmitGrace tolerates small clock skew between clients and the server
	// when checking that a requested window is not in the past.
	SubmitGrace time.Duration
}

// SubmitOutpassRequest is the payload for a student's leave request.
type SubmitOutpassRequest struct {
	Reason   string    `json:"reason" validate:"required"`
	FromTime time.Time `json:"from_time" validate:"required"`
	ToTime   time.Time `json:"to_time" validate:"required"`
}

// DecideRequest carries the warden's verdict on a pending request.
type DecideRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
}

// OutpassService is the lifecycle engine: it creates pending requests and
// applies warden decisions, minting a fresh signed pass token on approval.
type OutpassService struct {
	repo      outpassRepository
	codec     *qrtoken.Codec
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	config    LifecycleConfig
	warm      func(token string)
}

// SetPassWarmer registers a hook invoked with the minted token after each
// approval, used to pre-render the pass image off the request path.
func (s *OutpassService) SetPassWarmer(fn func(token string)) {
	s.warm = fn
}

// NewOutpassService constructs the lifecycle engine.
func NewOutpassService(repo outpassRepository, codec *qrtoken.Codec, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, config LifecycleConfig) *OutpassService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SubmitGrace <= 0 {
		config.SubmitGrace = 5 * time.Minute
	}
	return &OutpassService{repo: repo, codec: codec, metrics: metrics, validator: validate, logger: logger, config: config}
}

// Submit creates a pending request for the student.
func (s *OutpassService) Submit(ctx context.Context, studentID string, req SubmitOutpassRequest) (*models.Outpass, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid outpass payload")
	}
	if !req.FromTime.Before(req.ToTime) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "from_time must be before to_time")
	}
	cutoff := time.Now().UTC().Add(-s.config.SubmitGrace)
	if req.FromTime.Before(cutoff) || req.ToTime.Before(cutoff) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "requested window is in the past")
	}

	op := &models.Outpass{
		StudentID: studentID,
		Reason:    req.Reason,
		FromTime:  req.FromTime.UTC(),
		ToTime:    req.ToTime.UTC(),
		Status:    models.OutpassPending,
	}
	if err := s.repo.Create(ctx, op); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create outpass")
	}

	s.logger.Info("outpass submitted",
		zap.String("outpass_id", op.ID),
		zap.String("student_id", studentID),
		zap.Time("from", op.FromTime),
		zap.Time("to", op.ToTime),
	)
	return op, nil
}

// Decide applies a warden's approve/reject verdict. The pending-only guard in
// the store makes the call exactly-once: a second decision on the same request
// reports the state conflict instead of overwriting the first.
func (s *OutpassService) Decide(ctx context.Context, requestID, approverID string, req DecideRequest) (*models.Outpass, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "decision must be approve or reject")
	}

	op, err := s.repo.FindByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "outpass request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load outpass")
	}
	if op.Status != models.OutpassPending {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "request already decided")
	}

	status := models.OutpassRejected
	var token *string
	if req.Decision == models.DecisionApprove {
		status = models.OutpassApproved
		minted, _, err := s.codec.Mint(op.ID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mint pass token")
		}
		token = &minted
	}

	applied, err := s.repo.ApplyDecision(ctx, op.ID, status, token, approverID, time.Now().UTC())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist decision")
	}
	if !applied {
		// Lost the race against a concurrent decision.
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "request already decided")
	}

	s.metrics.RecordDecision(req.Decision)
	if s.warm != nil && token != nil {
		s.warm(*token)
	}
	s.logger.Info("outpass decided",
		zap.String("outpass_id", op.ID),
		zap.String("warden_id", approverID),
		zap.String("decision", req.Decision),
	)

	updated, err := s.repo.FindByID(ctx, op.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload outpass")
	}
	return updated, nil
}

// CurrentPass returns the student's live approved pass and its token, used to
// render the scannable QR. NotFound when no approved un-returned pass exists.
func (s *OutpassService) CurrentPass(ctx context.Context, studentID string) (*models.Outpass, string, error) {
	op, err := s.repo.FindCurrentPass(ctx, studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", appErrors.Clone(appErrors.ErrNotFound, "no approved outpass with an active pass")
		}
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current pass")
	}
	if op.QRToken == nil {
		return nil, "", appErrors.Clone(appErrors.ErrNotFound, "no approved outpass with an active pass")
	}
	return op, *op.QRToken, nil
}
