package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/InboxGate/app/models"
)

type memoryAuditRepo struct {
	entries []models.AuditLog
	err     error
}

func (m *memoryAuditRepo) Create(_ context.Context, entry *models.AuditLog) error {
	if m.err != nil {
		return m.err
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	entry.ID = uint(len(m.entries) + 1)
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *memoryAuditRepo) ListByClient(context.Context, string, int, int) ([]models.AuditLog, int64, error) {
	return m.entries, int64(len(m.entries)), nil
}

func (m *memoryAuditRepo) ListOlderThan(context.Context, time.Time, uint, int) ([]models.AuditLog, error) {
	return nil, nil
}

func (m *memoryAuditRepo) PurgeOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func TestRecorder_Success(t *testing.T) {
	repo := &memoryAuditRepo{}
	rec := NewRecorder(repo)

	err := rec.Record(context.Background(), Success("c-1", models.AuditWatchCreated, models.AuditDetails{"historyId": "42"}).
		WithRequest("10.0.0.1", "curl/8"))
	require.NoError(t, err)

	require.Len(t, repo.entries, 1)
	got := repo.entries[0]
	require.NotNil(t, got.ClientID)
	assert.Equal(t, "c-1", *got.ClientID)
	assert.True(t, got.Success)
	assert.Equal(t, "10.0.0.1", got.IPAddress)
	assert.Equal(t, "42", got.Details["historyId"])
}

func TestRecorder_FailureWithoutClient(t *testing.T) {
	repo := &memoryAuditRepo{}
	rec := NewRecorder(repo)

	err := rec.Record(context.Background(), Failure("", models.AuditRegistrationFailed, errors.New("bad code"), nil).
		WithRequest("", strings.Repeat("u", 400)))
	require.NoError(t, err)

	got := repo.entries[0]
	assert.Nil(t, got.ClientID)
	assert.False(t, got.Success)
	assert.Equal(t, "bad code", got.ErrorMessage)
	assert.Len(t, got.UserAgent, 255)
}

func TestRecorder_ErrorForcesFailure(t *testing.T) {
	repo := &memoryAuditRepo{}
	rec := NewRecorder(repo)

	entry := Success("c-1", models.AuditTokenRefreshed, nil)
	entry.Err = errors.New("late failure")
	require.NoError(t, rec.Record(context.Background(), entry))
	assert.False(t, repo.entries[0].Success)
}

func TestRecorder_PropagatesStoreError(t *testing.T) {
	repo := &memoryAuditRepo{err: errors.New("db down")}
	rec := NewRecorder(repo)

	err := rec.Record(context.Background(), Success("c-1", models.AuditWatchRenewed, nil))
	assert.EqualError(t, err, "db down")
}
