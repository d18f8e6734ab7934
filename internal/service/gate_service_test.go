package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/outpass-api/internal/models"
	appErrors "github.com/noah-isme/outpass-api/pkg/errors"
	"github.com/noah-isme/outpass-api/pkg/qrtoken"
)

func newTestGateService(store *memOutpassStore, codec *qrtoken.Codec) *GateService {
	return NewGateService(store, codec, nil, zap.NewNop(), GateConfig{
		ReturningSoonWindow: 30 * time.Minute,
		VerifyRetries:       3,
	})
}

// seedApproved inserts an approved pass with a freshly minted token and
// returns the record and the scannable token.
func seedApproved(t *testing.T, store *memOutpassStore, codec *qrtoken.Codec, from, to time.Time) (*models.Outpass, string) {
	t.Helper()
	op := &models.Outpass{
		StudentID: "student-1",
		Reason:    "medical appointment",
		FromTime:  from,
		ToTime:    to,
		Status:    models.OutpassPending,
	}
	require.NoError(t, store.Create(context.Background(), op))
	token, _, err := codec.Mint(op.ID)
	require.NoError(t, err)
	applied, err := store.ApplyDecision(context.Background(), op.ID, models.OutpassApproved, &token, "warden-1", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, applied)
	stored, err := store.FindByID(context.Background(), op.ID)
	require.NoError(t, err)
	return stored, token
}

func TestVerifyExitThenEntry(t *testing.T) {
	store := newMemOutpassStore()
	codec := qrtoken.NewCodec("gate-secret")
	svc := newTestGateService(store, codec)
	now := time.Now().UTC()

	op, exitToken := seedApproved(t, store, codec, now.Add(-time.Hour), now.Add(2*time.Hour))

	outcome, err := svc.Verify(context.Background(), exitToken)
	require.NoError(t, err)
	assert.Equal(t, DirectionExit, outcome.Direction)
	assert.Equal(t, op.ID, outcome.RequestID)
	assert.Equal(t, models.DisplayOut, outcome.DisplayStatus)
	require.NotNil(t, outcome.Outpass)
	assert.True(t, outcome.Outpass.ScannedExit)

	// The stored token was rotated during the exit scan.
	stored, err := store.FindByID(context.Background(), op.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.QRToken)
	entryToken := *stored.QRToken
	assert.NotEqual(t, exitToken, entryToken)

	outcome, err = svc.Verify(context.Background(), entryToken)
	require.NoError(t, err)
	assert.Equal(t, DirectionEntry, outcome.Direction)
	assert.False(t, outcome.LateReturn)
	assert.Equal(t, models.DisplayCompleted, outcome.DisplayStatus)

	stored, err = store.FindByID(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.QRToken)
	require.NotNil(t, stored.EntryTime)
}

func TestVerifyReplayedExitTokenAfterExit(t *testing.T) {
	store := newMemOutpassStore()
	codec := qrtoken.NewCodec("gate-secret")
	svc := newTestGateService(store, codec)
	now := time.Now().UTC()

	_, exitToken := seedApproved(t, store, codec, now.Add(-time.Hour), now.Add(2*time.Hour))

	_, err := svc.Verify(context.Background(), exitToken)
	require.NoError(t, err)

	// Re-scanning the same physical code after the exit must never be read
	// as an entry.
	outcome, err := svc.Verify(context.Background(), exitToken)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidState))
	assert.Contains(t, err.Error(), "already exited")
	require.NotNil(t, outcome)
	assert.Equal(t, models.DisplayOut, outcome.DisplayStatus)
}

func TestVerifyLateEntryFlag(t *testing.T) {
	store := newMemOutpassStore()
	codec := qrtoken.NewCodec("gate-secret")
	svc := newTestGateService(store, codec)
	now := time.Now().UTC()

	t.Run("on time", func(t *testing.T) {
		_, exitToken := seedApproved(t, store, codec, now.Add(-time.Hour), now.Add(time.Hour))
		outcome, err := svc.Verify(context.Background(), exitToken)
		require.NoError(t, err)
		entryToken := *outcome.Outpass.QRToken

		outcome, err = svc.Verify(context.Background(), entryToken)
		require.NoError(t, err)
		assert.False(t, outcome.LateReturn)
		assert.Equal(t, models.DisplayCompleted, outcome.DisplayStatus)
	})

	t.Run("late", func(t *testing.T) {
		// Deadline already passed; the exit is still accepted, the entry is
		// flagged.
		op, exitToken := seedApproved(t, store, codec, now.Add(-3*time.Hour), now.Add(-time.Minute))
		outcome, err := svc.Verify(context.Background(), exitToken)
		require.NoError(t, err)
		assert.Equal(t, DirectionExit, outcome.Direction)
		assert.Equal(t, models.DisplayOverdue, outcome.DisplayStatus)

		stored, err := store.FindByID(context.Background(), op.ID)
		require.NoError(t, err)
		outcome, err = svc.Verify(context.Background(), *stored.QRToken)
		require.NoError(t, err)
		assert.True(t, outcome.LateReturn)
		assert.Equal(t, models.DisplayCompletedLate, outcome.DisplayStatus)
	})
}

func TestVerifyTooEarlyForFutureDay(t *testing.T) {
	store := newMemOutpassStore()
	codec := qrtoken.NewCodec("gate-secret")
	svc := newTestGateService(store, codec)
	now := time.Now().UTC()

	_, token := seedApproved(t, store, codec, now.Add(48*time.Hour), now.Add(52*time.Hour))

	outcome, err := svc.Verify(context.Background(), token)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidState))
	assert.Contains(t, err.Error(), "not valid yet")
	require.NotNil(t, outcome)
	assert.Equal(t, models.DisplayReady, outcome.DisplayStatus)
}

func TestVerifyRejectsNonApprovedStates(t *testing.T) {
	store := newMemOutpassStore()
	codec := qrtoken.NewCodec("gate-secret")
	svc := newTestGateService(store, codec)
	now := time.Now().UTC()

	t.Run("pending", func(t *testing.T) {
		op := &models.Outpass{StudentID: "student-1", Reason: "errand", FromTime: now, ToTime: now.Add(time.Hour), Status: models.OutpassPending}
		require.NoError(t, store.Create(context.Background(), op))
		token, _, err := codec.Mint(op.ID)
		require.NoError(t, err)

		_, err = svc.Verify(context.Background(), token)
		require.Error(t, err)
		assert.True(t, appErrors.Is(err, appErrors.ErrInvalidState))
		assert.Contains(t, err.Error(), "not approved")
	})

	t.Run("completed", func(t *testing.T) {
		_, exitToken := seedApproved(t, store, codec, now.Add(-time.Hour), now.Add(time.Hour))
		outcome, err := svc.Verify(context.Background(), exitToken)
		require.NoError(t, err)
		entryToken := *outcome.Outpass.QRToken
		_, err = svc.Verify(context.Background(), entryToken)
		require.NoError(t, err)

		_, err = svc.Verify(context.Background(), entryToken)
		require.Error(t, err)
		assert.True(t, appErrors.Is(err, appErrors.ErrAlreadyCompleted))
	})
}

func TestVerifyTokenFailures(t *testing.T) {
	store := newMemOutpassStore()
	codec := qrtoken.NewCodec("gate-secret")
	svc := newTestGateService(store, codec)

	t.Run("malformed", func(t *testing.T) {
		_, err := svc.Verify(context.Background(), "not-a-pass-token")
		require.Error(t, err)
		assert.True(t, appErrors.Is(err, appErrors.ErrMalformedToken))
	})

	t.Run("tampered signature", func(t *testing.T) {
		token, _, err := codec.Mint(uuid.NewString())
		require.NoError(t, err)
		last := token[len(token)-1]
		flipped := "0"
		if last == '0' {
			flipped = "1"
		}
		_, err = svc.Verify(context.Background(), token[:len(token)-1]+flipped)
		require.Error(t, err)
		assert.True(t, appErrors.Is(err, appErrors.ErrInvalidSignature))
	})

	t.Run("foreign secret", func(t *testing.T) {
		foreign := qrtoken.NewCodec("some-other-secret")
		token, _, err := foreign.Mint(uuid.NewString())
		require.NoError(t, err)
		_, err = svc.Verify(context.Background(), token)
		require.Error(t, err)
		assert.True(t, appErrors.Is(err, appErrors.ErrInvalidSignature))
	})

	t.Run("unknown request", func(t *testing.T) {
		token, _, err := codec.Mint(uuid.NewString())
		require.NoError(t, err)
		_, err = svc.Verify(context.Background(), token)
		require.Error(t, err)
		assert.True(t, appErrors.Is(err, appErrors.ErrUnknownRequest))
	})
}

func TestVerifyParallelScansExactlyOneExit(t *testing.T) {
	store := newMemOutpassStore()
	codec := qrtoken.NewCodec("gate-secret")
	svc := newTestGateService(store, codec)
	now := time.Now().UTC()

	op, token := seedApproved(t, store, codec, now.Add(-time.Hour), now.Add(2*time.Hour))

	const scanners = 50
	var wg sync.WaitGroup
	outcomes := make(chan error, scanners)
	for i := 0; i < scanners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Verify(context.Background(), token)
			outcomes <- err
		}()
	}
	wg.Wait()
	close(outcomes)

	successes := 0
	for err := range outcomes {
		if err == nil {
			successes++
			continue
		}
		ok := appErrors.Is(err, appErrors.ErrInvalidState) || appErrors.Is(err, appErrors.ErrConflict)
		assert.True(t, ok, "unexpected error: %v", err)
	}
	assert.Equal(t, 1, successes)

	stored, err := store.FindByID(context.Background(), op.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ExitTime)
	assert.Nil(t, stored.EntryTime)
	require.NotNil(t, stored.QRToken)
	assert.NotEqual(t, token, *stored.QRToken)
}
