package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/outpass-api/internal/models"
	appErrors "github.com/noah-isme/outpass-api/pkg/errors"
	"github.com/noah-isme/outpass-api/pkg/qrtoken"
)

type gateOutpassRepository interface {
	FindByID(ctx context.Context, id string) (*models.Outpass, error)
	RecordExit(ctx context.Context, id, presentedToken, rotatedToken string, exitAt time.Time) (bool, error)
	RecordEntry(ctx context.Context, id, presentedToken string, entryAt time.Time, late bool) (bool, error)
}

// Scan directions, derived server-side from stored state. The token only
// identifies the record; a stale or duplicated client can never force the
// wrong transition.
const (
	DirectionExit    = "exit"
	DirectionEntry   = "entry"
	DirectionUnknown = "unknown"
)

// GateConfig tunes verification behavior.
type GateConfig struct {
	ReturningSoonWindow time.Duration
	// VerifyRetries bounds internal re-reads after losing a write race.
	// Conflicts are invisible to the caller unless retries are exhausted.
	VerifyRetries int
}

// VerifyRequest is the scanned payload from a gate terminal.
type VerifyRequest struct {
	Token string `json:"token" validate:"required"`
}

// VerificationOutcome reports the result of one scan. DisplayStatus is filled
// on failures too, so the terminal can distinguish "wrong QR" from "already
// used" from "too early".
type VerificationOutcome struct {
	RequestID     string               `json:"request_id,omitempty"`
	Direction     string               `json:"direction,omitempty"`
	Message       string               `json:"message,omitempty"`
	LateReturn    bool                 `json:"late_return"`
	ScannedAt     time.Time            `json:"scanned_at"`
	DisplayStatus models.DisplayStatus `json:"display_status,omitempty"`
	Outpass       *models.OutpassView  `json:"outpass,omitempty"`
}

// GateService consumes scanned pass tokens and applies exit/entry transitions.
// Per-record serialization relies on the store's guarded single-statement
// updates: concurrent scans of one pass yield exactly one success.
type GateService struct {
	repo    gateOutpassRepository
	codec   *qrtoken.Codec
	metrics *MetricsService
	logger  *zap.Logger
	config  GateConfig
}

// NewGateService constructs the gate verification service.
func NewGateService(repo gateOutpassRepository, codec *qrtoken.Codec, metrics *MetricsService, logger *zap.Logger, config GateConfig) *GateService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ReturningSoonWindow <= 0 {
		config.ReturningSoonWindow = models.DefaultReturningSoonWindow
	}
	if config.VerifyRetries <= 0 {
		config.VerifyRetries = 3
	}
	return &GateService{repo: repo, codec: codec, metrics: metrics, logger: logger, config: config}
}

// Verify validates a scanned token, derives the direction from current state,
// and applies the transition atomically. Every failure carries a typed error;
// outcomes on failure still include the derived display status when the
// record resolved.
func (s *GateService) Verify(ctx context.Context, token string) (*VerificationOutcome, error) {
	payload, err := s.codec.Decode(token)
	if err != nil {
		// Structurally bad or tampered tokens are a tampering signal, never
		// a transient fault.
		if errors.Is(err, qrtoken.ErrBadSignature) {
			s.metrics.RecordGateScan(DirectionUnknown, "invalid_signature")
			s.logger.Warn("gate scan with invalid signature", zap.Error(err))
			return nil, appErrors.Clone(appErrors.ErrInvalidSignature, "pass token failed signature check")
		}
		s.metrics.RecordGateScan(DirectionUnknown, "malformed")
		s.logger.Warn("gate scan with malformed token", zap.Error(err))
		return nil, appErrors.Clone(appErrors.ErrMalformedToken, "pass token is malformed")
	}

	for attempt := 0; attempt < s.config.VerifyRetries; attempt++ {
		op, err := s.repo.FindByID(ctx, payload.RequestID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				s.metrics.RecordGateScan(DirectionUnknown, "unknown_request")
				s.logger.Warn("gate scan for unknown request", zap.String("request_id", payload.RequestID))
				return nil, appErrors.Clone(appErrors.ErrUnknownRequest, "pass does not match any outpass")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load outpass")
		}

		now := time.Now().UTC()

		if op.Status != models.OutpassApproved {
			return s.fail(op, now, DirectionUnknown, "invalid_state",
				appErrors.Clone(appErrors.ErrInvalidState, "outpass is not approved"))
		}
		if op.EntryTime != nil {
			return s.fail(op, now, DirectionUnknown, "already_completed",
				appErrors.Clone(appErrors.ErrAlreadyCompleted, "outpass already closed"))
		}
		if op.QRToken == nil || *op.QRToken != token {
			// The token was genuinely minted but has since been rotated: a
			// replayed pre-exit image presented again after the exit scan.
			if op.ExitTime != nil {
				return s.fail(op, now, DirectionEntry, "stale_token",
					appErrors.Clone(appErrors.ErrInvalidState, "already exited, awaiting entry; present the refreshed pass"))
			}
			return s.fail(op, now, DirectionExit, "stale_token",
				appErrors.Clone(appErrors.ErrInvalidState, "pass token is no longer valid"))
		}

		if op.ExitTime == nil {
			if tooEarly(now, op.FromTime) {
				return s.fail(op, now, DirectionExit, "too_early",
					appErrors.Clone(appErrors.ErrInvalidState, "outpass is not valid yet"))
			}
			// A scan at or past the deadline is still accepted as a late
			// exit; only the entry side is ever flagged late.
			rotated, _, err := s.codec.Mint(op.ID)
			if err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rotate pass token")
			}
			applied, err := s.repo.RecordExit(ctx, op.ID, token, rotated, now)
			if err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record exit")
			}
			if applied {
				op.ExitTime = &now
				op.ScannedExit = true
				op.QRToken = &rotated
				op.UpdatedAt = now
				view := models.NewOutpassView(*op, now, s.config.ReturningSoonWindow)
				s.metrics.RecordGateScan(DirectionExit, "recorded")
				s.logger.Info("exit recorded",
					zap.String("outpass_id", op.ID),
					zap.String("student_id", op.StudentID),
				)
				return &VerificationOutcome{
					RequestID:     op.ID,
					Direction:     DirectionExit,
					Message:       "exit recorded",
					ScannedAt:     now,
					DisplayStatus: view.DisplayStatus,
					Outpass:       &view,
				}, nil
			}
			// Lost the race; re-read and classify against the new state.
			continue
		}

		late := now.After(op.ToTime)
		applied, err := s.repo.RecordEntry(ctx, op.ID, token, now, late)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record entry")
		}
		if applied {
			op.EntryTime = &now
			op.ScannedEntry = true
			op.LateReturn = late
			op.QRToken = nil
			op.UpdatedAt = now
			view := models.NewOutpassView(*op, now, s.config.ReturningSoonWindow)
			s.metrics.RecordGateScan(DirectionEntry, "recorded")
			s.logger.Info("entry recorded",
				zap.String("outpass_id", op.ID),
				zap.String("student_id", op.StudentID),
				zap.Bool("late_return", late),
			)
			return &VerificationOutcome{
				RequestID:     op.ID,
				Direction:     DirectionEntry,
				Message:       "entry recorded",
				LateReturn:    late,
				ScannedAt:     now,
				DisplayStatus: view.DisplayStatus,
				Outpass:       &view,
			}, nil
		}
	}

	s.metrics.RecordGateScan(DirectionUnknown, "conflict")
	return nil, appErrors.Clone(appErrors.ErrConflict, "scan conflicted with another update; rescan the pass")
}

func (s *GateService) fail(op *models.Outpass, now time.Time, direction, outcome string, err *appErrors.Error) (*VerificationOutcome, error) {
	s.metrics.RecordGateScan(direction, outcome)
	view := models.NewOutpassView(*op, now, s.config.ReturningSoonWindow)
	return &VerificationOutcome{
		RequestID:     op.ID,
		ScannedAt:     now,
		DisplayStatus: view.DisplayStatus,
	}, err
}

// tooEarly rejects exit scans before the pass's validity day begins, matching
// how gate staff treat passes dated for a future day.
func tooEarly(now, fromTime time.Time) bool {
	ny, nm, nd := now.UTC().Date()
	fy, fm, fd := fromTime.UTC().Date()
	nowDay := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)
	fromDay := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	return nowDay.Before(fromDay)
}
