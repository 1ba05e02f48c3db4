package creds

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testCreds() *Credentials {
	return &Credentials{
		ServerHost: "relay.example.com",
		TunnelPort: 443,
		APIKey:     "tk_secret",
		TowerID:    "tower-1",
		TowerName:  "workshop",
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "credentials.json")
	s := NewStore(path)

	want := testCreds()
	require.NoError(t, s.Save(want))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSaveRejectsIncompleteCredentials(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "credentials.json"))
	c := testCreds()
	c.APIKey = ""
	require.Error(t, s.Save(c))
	_, err := os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err), "rejected save must not create the file")
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := NewStore(path).Load()
	require.Error(t, err)
}

func TestPublicURL(t *testing.T) {
	assert.Equal(t, "https://relay.example.com/t/workshop/", testCreds().PublicURL())
}

func TestWatchSeesAtomicSave(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "credentials.json"))
	require.NoError(t, s.Save(testCreds()))

	got := make(chan *Credentials, 1)
	stop, err := s.Watch(zaptest.NewLogger(t), func(c *Credentials) {
		select {
		case got <- c:
		default:
		}
	})
	require.NoError(t, err)
	defer stop()

	rotated := testCreds()
	rotated.APIKey = "tk_rotated"
	require.NoError(t, s.Save(rotated))

	select {
	case c := <-got:
		assert.Equal(t, "tk_rotated", c.APIKey)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never fired for a rewritten credential file")
	}
}

func TestWatchIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "credentials.json"))
	require.NoError(t, s.Save(testCreds()))

	fired := make(chan struct{}, 1)
	stop, err := s.Watch(zaptest.NewLogger(t), func(*Credentials) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	select {
	case <-fired:
		t.Fatal("watcher fired for an unrelated file")
	case <-time.After(300 * time.Millisecond):
	}
}
