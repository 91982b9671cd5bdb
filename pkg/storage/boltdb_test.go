package storage

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, dir string) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	return store
}

func TestDeviceCRUD(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	defer store.Close()

	rec := &DeviceRecord{
		ID:             "tracker-01",
		ModelID:        "dtmi:test;1",
		Registered:     true,
		LastSeen:       time.Now().UTC().Truncate(time.Second),
		Desired:        map[string]json.RawMessage{"Interval": json.RawMessage("2")},
		DesiredVersion: 3,
		Reported:       map[string]json.RawMessage{},
	}
	require.NoError(t, store.SaveDevice(rec))

	got, err := store.GetDevice("tracker-01")
	require.NoError(t, err)
	assert.Equal(t, rec.ModelID, got.ModelID)
	assert.True(t, got.Registered)
	assert.True(t, rec.LastSeen.Equal(got.LastSeen))
	assert.Equal(t, int64(3), got.DesiredVersion)
	assert.JSONEq(t, "2", string(got.Desired["Interval"]))

	rec.DesiredVersion = 4
	require.NoError(t, store.SaveDevice(rec))
	got, err = store.GetDevice("tracker-01")
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.DesiredVersion)

	require.NoError(t, store.DeleteDevice("tracker-01"))
	_, err = store.GetDevice("tracker-01")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, store.DeleteDevice("tracker-01"))
}

func TestSaveDeviceRequiresID(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	defer store.Close()

	assert.Error(t, store.SaveDevice(nil))
	assert.Error(t, store.SaveDevice(&DeviceRecord{}))
}

func TestListDevices(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	defer store.Close()

	recs, err := store.ListDevices()
	require.NoError(t, err)
	assert.Empty(t, recs)

	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, store.SaveDevice(&DeviceRecord{ID: id}))
	}

	recs, err = store.ListDevices()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	// bolt iterates keys in byte order
	assert.Equal(t, "a", recs[0].ID)
	assert.Equal(t, "c", recs[2].ID)
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store := newTestStore(t, dir)
	require.NoError(t, store.SaveDevice(&DeviceRecord{ID: "tracker-01", ReportedVersion: 7}))
	require.NoError(t, store.Close())

	store = newTestStore(t, dir)
	defer store.Close()
	got, err := store.GetDevice("tracker-01")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.ReportedVersion)
}
