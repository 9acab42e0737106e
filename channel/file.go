package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/Readm/memcoh/codec"
	"github.com/Readm/memcoh/core"
	"github.com/Readm/memcoh/logging"
)

const (
	verFormat     = "ver-%d.json"
	checksumLabel = "xxh64"
	// DefaultRetain is the number of past versions a File channel keeps.
	DefaultRetain = 16
)

// File is a channel kept in a directory visible to every node, one file per
// snapshot version. A version file is written once: a writer prepares a
// temporary file and hard-links it into place, which fails if another writer
// got there first. Old versions are expired after each publish.
type File struct {
	dir    string
	retain int
}

var (
	_ Channel = (*File)(nil)
	_ Watcher = (*File)(nil)
)

// OpenFile uses dir (created if missing) as the channel directory.
func OpenFile(dir string, retain int) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("file channel directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrChannelUnavailable, err)
	}
	if retain < 1 {
		retain = DefaultRetain
	}
	return &File{dir: dir, retain: retain}, nil
}

// Dir returns the channel directory.
func (f *File) Dir() string {
	return f.dir
}

func (f *File) Fetch(ctx context.Context) (core.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return core.Snapshot{}, unavailable(err)
	}
	for {
		versions, err := f.scan()
		if err != nil {
			return core.Snapshot{}, unavailable(err)
		}
		if len(versions) == 0 {
			return core.NewSnapshot(), nil
		}
		latest := versions[len(versions)-1]
		snap, err := f.read(latest)
		if errors.Is(err, os.ErrNotExist) {
			// expired between scan and read
			continue
		}
		if err != nil {
			return core.Snapshot{}, unavailable(err)
		}
		return snap, nil
	}
}

func (f *File) Publish(ctx context.Context, snap core.Snapshot) (core.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return core.Snapshot{}, unavailable(err)
	}
	versions, err := f.scan()
	if err != nil {
		return core.Snapshot{}, unavailable(err)
	}
	var latest int64
	if len(versions) > 0 {
		latest = versions[len(versions)-1]
	}
	if latest != snap.Version {
		return core.Snapshot{}, fmt.Errorf("%w: publish from version %d, latest is %d", core.ErrVersionConflict, snap.Version, latest)
	}

	next := snap.Clone()
	next.Version = snap.Version + 1
	body, err := codec.Encode(next)
	if err != nil {
		return core.Snapshot{}, err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %016x\n", checksumLabel, codec.Digest(body))
	buf.Write(body)

	err = writeFileOnce(f.path(next.Version), buf.Bytes(), 0o644)
	if errors.Is(err, os.ErrExist) {
		return core.Snapshot{}, fmt.Errorf("%w: version %d already published", core.ErrVersionConflict, next.Version)
	}
	if err != nil {
		return core.Snapshot{}, unavailable(err)
	}
	// The version we linked may have been published and already expired by
	// writers that raced ahead; a newer file on disk proves we were stale.
	if versions, err := f.scan(); err == nil && len(versions) > 0 && versions[len(versions)-1] > next.Version {
		os.Remove(f.path(next.Version))
		return core.Snapshot{}, fmt.Errorf("%w: version %d already superseded", core.ErrVersionConflict, next.Version)
	}
	f.expire(next.Version - int64(f.retain) + 1)
	return next, nil
}

// Watch pushes a snapshot whenever a newer version file appears.
func (f *File) Watch(ctx context.Context) (<-chan core.Snapshot, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, unavailable(err)
	}
	if err := watcher.Add(f.dir); err != nil {
		watcher.Close()
		return nil, unavailable(err)
	}
	first, err := f.Fetch(ctx)
	if err != nil {
		watcher.Close()
		return nil, err
	}

	out := make(chan core.Snapshot, 1)
	out <- first
	go func() {
		defer close(out)
		defer watcher.Close()
		last := first.Version
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.GetLogger().Warnf("file channel watch: %v", err)
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) {
					continue
				}
				if v, ok := parseVersionName(filepath.Base(ev.Name)); !ok || v <= last {
					continue
				}
				snap, err := f.Fetch(ctx)
				if err != nil || snap.Version <= last {
					continue
				}
				last = snap.Version
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *File) Close() error {
	return nil
}

func (f *File) path(version int64) string {
	return filepath.Join(f.dir, fmt.Sprintf(verFormat, version))
}

// scan returns the published versions in ascending order.
func (f *File) scan() ([]int64, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var versions []int64
	for _, e := range entries {
		if v, ok := parseVersionName(e.Name()); ok {
			versions = append(versions, v)
		}
	}
	slices.Sort(versions)
	return versions, nil
}

func (f *File) read(version int64) (core.Snapshot, error) {
	data, err := os.ReadFile(f.path(version))
	if err != nil {
		return core.Snapshot{}, err
	}
	source := filepath.Base(f.path(version))
	header, body, found := bytes.Cut(data, []byte("\n"))
	var want uint64
	if found {
		label, sum, _ := strings.Cut(string(header), " ")
		want, err = strconv.ParseUint(sum, 16, 64)
		if label != checksumLabel || err != nil {
			found = false
		}
	}
	if !found || codec.Digest(body) != want {
		logging.GetLogger().Warnf("file channel: %s failed its checksum, treating as empty", source)
		snap := core.NewSnapshot()
		snap.Version = version
		return snap, nil
	}
	snap := decode(source, body)
	// the file name is authoritative for the version
	snap.Version = version
	return snap, nil
}

func (f *File) expire(before int64) {
	if before <= 0 {
		return
	}
	versions, err := f.scan()
	if err != nil {
		return
	}
	for _, v := range versions {
		if v >= before {
			break
		}
		if err := os.Remove(f.path(v)); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.GetLogger().Debugf("file channel: expire version %d: %v", v, err)
		}
	}
}

func parseVersionName(name string) (int64, bool) {
	var v int64
	n, err := fmt.Sscanf(name, verFormat, &v)
	if n < 1 || err != nil || name != fmt.Sprintf(verFormat, v) || v < 1 {
		return 0, false
	}
	return v, true
}

// writeFileOnce writes data to path atomically, failing with os.ErrExist if
// path already exists. Readers never observe a partially written file.
func writeFileOnce(path string, data []byte, perm os.FileMode) error {
	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, name+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Link(tmpName, path)
}
