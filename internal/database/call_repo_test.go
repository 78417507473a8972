package database

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/observer/teacall/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordFromSummary(t *testing.T) {
	start := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	connected := start.Add(3 * time.Second)
	ended := connected.Add(90 * time.Second)

	rec := recordFromSummary(domain.CallSummary{
		Session: domain.CallSession{
			ID:          "5f0c7c1e-8d0b-4c9a-9b39-1e7b2a1f0a11",
			RoomID:      "A-1",
			Role:        domain.RoleInitiator,
			State:       domain.StateEnded,
			Local:       domain.Participant{ID: "A"},
			Remote:      domain.Participant{ID: "B", DisplayName: "Bob"},
			StartedAt:   start,
			ConnectedAt: &connected,
			EndedAt:     &ended,
			EndReason:   domain.EndRemoteHangup,
		},
		Stats: domain.TransportStats{PacketsReceived: 10, BytesReceived: 1200},
	})

	assert.Equal(t, "ended", rec.FinalState)
	assert.Equal(t, "initiator", rec.Role)
	assert.Equal(t, "remote_hangup", rec.EndReason)
	assert.Equal(t, "Bob", rec.RemoteName)
	assert.Equal(t, 90, rec.DurationSeconds)
	assert.Equal(t, uint64(1200), rec.BytesReceived)
	assert.Nil(t, rec.FailureKind)
}

func TestRecordFromSummary_Failure(t *testing.T) {
	rec := recordFromSummary(domain.CallSummary{
		Session: domain.CallSession{
			State:   domain.StateEnded,
			Failure: domain.NewFailure(domain.FailureAcquisition, domain.CodePermissionDenied, nil),
		},
	})

	require.NotNil(t, rec.FailureKind)
	require.NotNil(t, rec.FailureCode)
	assert.Equal(t, "acquisition", *rec.FailureKind)
	assert.Equal(t, "permission_denied", *rec.FailureCode)
	assert.Zero(t, rec.DurationSeconds)
}

func TestMigrationFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"m/000002_more.up.sql":   {Data: []byte("SELECT 2")},
		"m/000001_init.up.sql":   {Data: []byte("SELECT 1")},
		"m/000001_init.down.sql": {Data: []byte("SELECT 0")},
		"m/README":               {Data: []byte("notes")},
	}

	files, err := migrationFiles(fsys, "m")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, int64(1), files[0].version)
	assert.Equal(t, "000002_more.up.sql", files[1].name)

	_, err = migrationFiles(fstest.MapFS{"m/first_bad.up.sql": {}}, "m")
	assert.Error(t, err)
}

func TestEmbeddedMigrations(t *testing.T) {
	files, err := migrationFiles(migrations, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, int64(1), files[0].version)
}
