package disk

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/buildbuddy-io/contentcache/server/interfaces"
	"github.com/buildbuddy-io/contentcache/server/util/log"
	"github.com/buildbuddy-io/contentcache/server/util/random"
	"github.com/buildbuddy-io/contentcache/server/util/status"
	"github.com/jonboulle/clockwork"
)

var tmpWriteFileRe = regexp.MustCompile(`\.[0-9a-zA-Z]{10}\.tmp$`)

type DirUsage struct {
	TotalBytes uint64
	UsedBytes  uint64
	FreeBytes  uint64
	AvailBytes uint64
}

// EnsureDirectoryExists is a synonym for os.MkdirAll(dir, 0755). It returns an
// error if dir exists but isn't a directory.
func EnsureDirectoryExists(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// RemoveIfExists attempts to remove the given named file or (empty) directory,
// ignoring IsNotExist errors.
func RemoveIfExists(filename string) error {
	err := os.Remove(filename)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// IsWriteTempFile reports whether fullPath was named by TempFileName.
func IsWriteTempFile(fullPath string) bool {
	return tmpWriteFileRe.MatchString(fullPath)
}

// TempFileName returns prefix with a random ".XXXXXXXXXX.tmp" suffix.
func TempFileName(prefix string) (string, error) {
	randStr, err := random.RandomString(10)
	if err != nil {
		return "", err
	}
	return prefix + fmt.Sprintf(".%s.tmp", randStr), nil
}

// convertError maps os errors onto status errors so that callers can test
// for NotFound without depending on the os package.
func convertError(err error, op, path string) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return status.NotFoundErrorf("%s %s: %s", op, path, err)
	case errors.Is(err, fs.ErrExist):
		return status.AlreadyExistsErrorf("%s %s: %s", op, path, err)
	case errors.Is(err, fs.ErrPermission):
		return status.FailedPreconditionErrorf("%s %s: %s", op, path, err)
	default:
		return status.InternalErrorf("%s %s: %s", op, path, err)
	}
}

type Option func(*FileSystem)

// WithClock sets the clock used for lock ages, lock bumps and access times.
func WithClock(clock clockwork.Clock) Option {
	return func(f *FileSystem) {
		f.clock = clock
	}
}

// WithAtimeTracking controls whether ReadFile marks files as accessed. It
// defaults to true so that eviction order does not depend on the mount's
// atime options.
func WithAtimeTracking(enabled bool) Option {
	return func(f *FileSystem) {
		f.touchAtimeOnRead = enabled
	}
}

// FileSystem implements interfaces.FileSystem on top of the local disk.
type FileSystem struct {
	clock            clockwork.Clock
	touchAtimeOnRead bool
}

func NewFileSystem(opts ...Option) *FileSystem {
	f := &FileSystem{
		clock:            clockwork.NewRealClock(),
		touchAtimeOnRead: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WriteFile writes data to a temporary sibling of fullPath and renames it
// into place.
func (f *FileSystem) WriteFile(fullPath string, data []byte) error {
	tmpFileName, err := f.WriteTempFile(fullPath, data)
	if err != nil {
		return err
	}
	// If the rename fails the temp file must not be left behind.
	defer func() {
		if err := RemoveIfExists(tmpFileName); err != nil {
			log.Warningf("Failed to delete %s: %s", tmpFileName, err)
		}
	}()
	return f.RenameFile(tmpFileName, fullPath)
}

func (f *FileSystem) WriteTempFile(prefix string, data []byte) (string, error) {
	tmpFileName, err := TempFileName(prefix)
	if err != nil {
		return "", status.InternalErrorf("generate temp file name: %s", err)
	}
	fd, err := os.OpenFile(tmpFileName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", convertError(err, "create", tmpFileName)
	}
	_, writeErr := fd.Write(data)
	closeErr := fd.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		_ = RemoveIfExists(tmpFileName)
		return "", convertError(writeErr, "write", tmpFileName)
	}
	return tmpFileName, nil
}

func (f *FileSystem) RenameFile(oldPath, newPath string) error {
	return convertError(os.Rename(oldPath, newPath), "rename", oldPath)
}

func (f *FileSystem) ReadFile(fullPath string) ([]byte, error) {
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, convertError(err, "read", fullPath)
	}
	if f.touchAtimeOnRead {
		f.touchAtime(fullPath)
	}
	return data, nil
}

// touchAtime sets the access time of fullPath to now while keeping its
// modification time. Failures are ignored: a missed touch only makes the
// entry look older to the cleaner.
func (f *FileSystem) touchAtime(fullPath string) {
	info, err := os.Stat(fullPath)
	if err != nil {
		return
	}
	_ = os.Chtimes(fullPath, f.clock.Now(), info.ModTime())
}

func (f *FileSystem) Size(fullPath string) (int64, error) {
	info, err := os.Stat(fullPath)
	if err != nil {
		return 0, convertError(err, "stat", fullPath)
	}
	return info.Size(), nil
}

func (f *FileSystem) Exists(fullPath string) (bool, error) {
	_, err := os.Stat(fullPath)
	if err == nil {
		return true, nil
	} else if os.IsNotExist(err) {
		return false, nil
	}
	return false, convertError(err, "stat", fullPath)
}

func (f *FileSystem) IsDir(fullPath string) (bool, error) {
	info, err := os.Stat(fullPath)
	if err != nil {
		return false, convertError(err, "stat", fullPath)
	}
	return info.IsDir(), nil
}

func (f *FileSystem) ListContents(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, convertError(err, "list", dir)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}

func (f *FileSystem) RemoveFile(fullPath string) error {
	return convertError(os.Remove(fullPath), "remove", fullPath)
}

func (f *FileSystem) RemoveDir(dir string) error {
	return convertError(os.Remove(dir), "rmdir", dir)
}

func (f *FileSystem) MakeDir(dir string) error {
	return convertError(os.Mkdir(dir, 0755), "mkdir", dir)
}

func (f *FileSystem) RecursivelyMakeDir(dir string) error {
	return convertError(EnsureDirectoryExists(dir), "mkdir", dir)
}

func (f *FileSystem) Mtime(fullPath string) (time.Time, error) {
	info, err := os.Stat(fullPath)
	if err != nil {
		return time.Time{}, convertError(err, "stat", fullPath)
	}
	return info.ModTime(), nil
}

// TryLock creates the lock file exclusively and writes holder into it.
func (f *FileSystem) TryLock(lockPath, holder string) (bool, error) {
	fd, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, convertError(err, "lock", lockPath)
	}
	defer fd.Close()
	if _, err := fd.WriteString(holder); err != nil {
		log.Warningf("Failed to record lock holder in %s: %s", lockPath, err)
	}
	// The lock age is measured against our clock, so stamp it explicitly.
	now := f.clock.Now()
	if err := os.Chtimes(lockPath, now, now); err != nil {
		log.Warningf("Failed to stamp lock %s: %s", lockPath, err)
	}
	return true, nil
}

func (f *FileSystem) TryLockWithTimeout(lockPath, holder string, timeout time.Duration) (bool, error) {
	locked, err := f.TryLock(lockPath, holder)
	if locked || err != nil {
		return locked, err
	}
	mtime, err := f.Mtime(lockPath)
	if status.IsNotFoundError(err) {
		// Released between our attempt and the stat.
		return f.TryLock(lockPath, holder)
	} else if err != nil {
		return false, err
	}
	age := f.clock.Since(mtime)
	if age < timeout {
		return false, nil
	}
	log.Infof("Breaking lock %s held for %s (timeout %s)", lockPath, age, timeout)
	if err := RemoveIfExists(lockPath); err != nil {
		return false, convertError(err, "break lock", lockPath)
	}
	return f.TryLock(lockPath, holder)
}

// checkHolder returns FailedPrecondition if the lock at lockPath was taken
// over by someone other than holder.
func checkHolder(lockPath, holder string) error {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return convertError(err, "read lock", lockPath)
	}
	if string(data) != holder {
		return status.FailedPreconditionErrorf("lock %s is held by %q", lockPath, data)
	}
	return nil
}

func (f *FileSystem) Unlock(lockPath, holder string) error {
	if err := checkHolder(lockPath, holder); err != nil {
		return err
	}
	return convertError(os.Remove(lockPath), "unlock", lockPath)
}

func (f *FileSystem) BumpLockTimeout(lockPath, holder string) error {
	if err := checkHolder(lockPath, holder); err != nil {
		return err
	}
	now := f.clock.Now()
	return convertError(os.Chtimes(lockPath, now, now), "bump lock", lockPath)
}

// GetDirInfo walks dir and reports every regular file with its size and
// access time, along with directories that have no entries at all.
func (f *FileSystem) GetDirInfo(dir string, notifier interfaces.ProgressNotifier) (*interfaces.DirInfo, error) {
	info := &interfaces.DirInfo{}
	entryCounts := make(map[string]int)
	var dirs []string
	root := filepath.Clean(dir)
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			// Entries can vanish while we walk, e.g. when another process
			// is cleaning the same directory.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			log.Warningf("Error walking %s: %s", path, err)
			return nil
		}
		if path == root {
			return nil
		}
		entryCounts[filepath.Dir(path)]++
		info.InodeCount++
		if entry.IsDir() {
			dirs = append(dirs, path)
			if notifier != nil {
				notifier.Notify()
			}
			return nil
		}
		fi, err := entry.Info()
		if err != nil {
			return nil
		}
		if fi.Mode().IsRegular() {
			info.Files = append(info.Files, interfaces.FileInfo{
				Path:      path,
				SizeBytes: fi.Size(),
				Atime:     accessTime(path, fi),
			})
			info.SizeBytes += fi.Size()
		}
		if notifier != nil {
			notifier.Notify()
		}
		return nil
	})
	if err != nil {
		return nil, convertError(err, "walk", dir)
	}
	for _, d := range dirs {
		if entryCounts[d] == 0 {
			info.EmptyDirs = append(info.EmptyDirs, d)
		}
	}
	sort.Strings(info.EmptyDirs)
	return info, nil
}
