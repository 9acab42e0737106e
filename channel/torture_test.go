package channel_test

import (
	"path/filepath"
	"testing"

	"github.com/Readm/memcoh/channel"
	"github.com/Readm/memcoh/channel/chantest"
)

func TestMemoryTorture(t *testing.T) {
	chantest.Channels(t, 8, 50, channel.NewMemory())
}

func TestFileTortureAcrossHandles(t *testing.T) {
	dir := t.TempDir()
	a, err := channel.OpenFile(dir, 4)
	if err != nil {
		t.Fatalf("OpenFile returned error: %v", err)
	}
	b, err := channel.OpenFile(dir, 4)
	if err != nil {
		t.Fatalf("OpenFile returned error: %v", err)
	}
	chantest.Channels(t, 4, 10, a, b)
}

func TestSQLiteTortureAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dir.db")
	a, err := channel.OpenSQLite(path, 0)
	if err != nil {
		t.Fatalf("OpenSQLite returned error: %v", err)
	}
	defer a.Close()
	b, err := channel.OpenSQLite(path, 0)
	if err != nil {
		t.Fatalf("OpenSQLite returned error: %v", err)
	}
	defer b.Close()
	chantest.Channels(t, 3, 10, a, b)
}
