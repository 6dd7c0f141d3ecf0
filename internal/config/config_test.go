package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaults(t *testing.T) {
	dir := t.TempDir()
	st, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(st.Dir(), "identity.key"), st.Settings.KeyFile)
	require.FileExists(t, filepath.Join(st.Dir(), settingsFile))
}

func TestNicknameSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	st, err := Load(dir)
	require.NoError(t, err)
	require.NoError(t, st.SetNickname("alice"))

	again, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "alice", again.Settings.Nickname)
}

func TestRecentRoomsDedupedAndCapped(t *testing.T) {
	st, err := Load(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, st.AddRecentRoom("room-a"))
	require.NoError(t, st.AddRecentRoom("room-b"))
	require.NoError(t, st.AddRecentRoom("room-a"))
	require.Equal(t, []string{"room-a", "room-b"}, st.Settings.RecentRooms)

	for i := 0; i < maxRecentRooms+5; i++ {
		require.NoError(t, st.AddRecentRoom(fmt.Sprintf("room-%d", i)))
	}
	require.Len(t, st.Settings.RecentRooms, maxRecentRooms)
	require.Equal(t, fmt.Sprintf("room-%d", maxRecentRooms+4), st.Settings.RecentRooms[0])
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, settingsFile), []byte("{nope"), 0o644))
	_, err := Load(dir)
	require.Error(t, err)
}

func TestWatchReportsEdits(t *testing.T) {
	dir := t.TempDir()
	st, err := Load(dir)
	require.NoError(t, err)

	changed := make(chan Settings, 1)
	stop, err := st.Watch(func(fresh Settings) {
		select {
		case changed <- fresh:
		default:
		}
	})
	require.NoError(t, err)
	defer stop()

	// Simulate an external edit of the settings file.
	edited := `{"nickname":"edited","key_file":"identity.key"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, settingsFile), []byte(edited), 0o644))

	select {
	case fresh := <-changed:
		require.Equal(t, "edited", fresh.Nickname)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never reported the edit")
	}
}
