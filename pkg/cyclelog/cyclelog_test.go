package cyclelog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "cycles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func entryAt(camera string, at time.Time, mean float64) Entry {
	return Entry{
		ID:         uuid.NewString(),
		Camera:     camera,
		Time:       at,
		Scene:      "GOOD",
		Mean:       mean,
		Contrast:   42,
		Score:      90,
		ISO:        500,
		Iris:       "8",
		Shutter:    180,
		Reasons:    JoinReasons([]string{"in tolerance, snap to native ISO 500"}),
		Confidence: 0.8,
		Applied:    JoinApplied([]string{"iso"}),
	}
}

func TestAppendAndRecent(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, db.Append(entryAt("north", base.Add(time.Duration(i)*time.Minute), 120+float64(i))))
	}
	require.NoError(t, db.Append(entryAt("south", base, 100)))

	got, err := db.Recent("north", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Newest first, only this camera.
	assert.InDelta(t, 124, got[0].Mean, 1e-9)
	assert.InDelta(t, 122, got[2].Mean, 1e-9)
	for _, e := range got {
		assert.Equal(t, "north", e.Camera)
	}
	assert.Equal(t, "iso", got[0].Applied)
	assert.Contains(t, got[0].Reasons, "native ISO 500")
}

func TestDayReconstruction(t *testing.T) {
	db := openTestDB(t)
	day := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)

	require.NoError(t, db.Append(entryAt("north", day.Add(7*time.Hour), 90)))
	require.NoError(t, db.Append(entryAt("north", day.Add(12*time.Hour), 130)))
	require.NoError(t, db.Append(entryAt("north", day.Add(25*time.Hour), 110))) // next day

	got, err := db.Day("north", day)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Time.Before(got[1].Time)) // oldest first
}

func TestRecentEmpty(t *testing.T) {
	db := openTestDB(t)
	got, err := db.Recent("nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}
