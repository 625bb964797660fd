package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-neighbot/internal/log"
)

func openTest(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "test.db"), log.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestOpen_AppliesMigrations(t *testing.T) {
	a := openTest(t)
	v, dirty, err := a.Version()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.EqualValues(t, 2, v)
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	a, err := Open(path, log.Discard())
	require.NoError(t, err)
	require.NoError(t, a.Begin(context.Background(), Incident{ID: "x", Label: "gun", Started: time.Now()}))
	require.NoError(t, a.Close())

	b, err := Open(path, log.Discard())
	require.NoError(t, err)
	defer b.Close()
	_, err = b.Get(context.Background(), "x")
	assert.NoError(t, err)
}

func TestArchive_Lifecycle(t *testing.T) {
	a := openTest(t)
	ctx := context.Background()
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, a.Begin(ctx, Incident{
		ID:        "inc-1",
		Label:     "gun",
		Started:   started,
		TempVideo: "/rec/incident-inc-1.tmp.avi",
		TempImage: "/rec/incident-inc-1.tmp.jpg",
	}))

	got, err := a.Get(ctx, "inc-1")
	require.NoError(t, err)
	assert.Nil(t, got.Closed)
	assert.Equal(t, started, got.Started)

	require.NoError(t, a.Decide(ctx, "CASE_CLOSED"))

	closed := started.Add(90 * time.Second)
	require.NoError(t, a.Finish(ctx, "inc-1", "/cases/1.jpg", "/cases/1.avi", closed, 120))

	got, err = a.Get(ctx, "inc-1")
	require.NoError(t, err)
	want := Incident{
		ID:         "inc-1",
		Label:      "gun",
		Started:    started,
		Closed:     &closed,
		TempVideo:  "/rec/incident-inc-1.tmp.avi",
		TempImage:  "/rec/incident-inc-1.tmp.jpg",
		FinalVideo: "/cases/1.avi",
		FinalImage: "/cases/1.jpg",
		Frames:     120,
		Decision:   "CASE_CLOSED",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("incident mismatch (-want +got):\n%s", diff)
	}
}

func TestArchive_NotFound(t *testing.T) {
	a := openTest(t)
	ctx := context.Background()

	_, err := a.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, a.Finish(ctx, "missing", "a", "b", time.Now(), 0), ErrNotFound)
	assert.ErrorIs(t, a.Decide(ctx, "IGNORE"), ErrNotFound)
}

func TestArchive_ListNewestFirst(t *testing.T) {
	a := openTest(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, a.Begin(ctx, Incident{ID: id, Label: "knife", Started: base.Add(time.Duration(i) * time.Minute)}))
	}

	list, err := a.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	empty := openTest(t)
	list, err = empty.List(ctx, 10)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}
