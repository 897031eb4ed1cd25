// Package memfs is an in-memory interfaces.FileSystem for tests. Times come
// from a clockwork.Clock so that lock takeover and atime ordering can be
// driven deterministically with a fake clock.
package memfs

import (
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/buildbuddy-io/contentcache/server/interfaces"
	"github.com/buildbuddy-io/contentcache/server/util/disk"
	"github.com/buildbuddy-io/contentcache/server/util/status"
	"github.com/jonboulle/clockwork"
)

// Op names a filesystem operation for error injection.
type Op string

const (
	OpRead   Op = "read"
	OpWrite  Op = "write"
	OpRename Op = "rename"
	OpRemove Op = "remove"
	OpMkdir  Op = "mkdir"
	OpLock   Op = "lock"
	OpWalk   Op = "walk"
)

type node struct {
	isDir bool
	data  []byte
	mtime time.Time
	atime time.Time
}

type injectedError struct {
	path string
	err  error
}

type FileSystem struct {
	clock clockwork.Clock

	mu           sync.Mutex
	nodes        map[string]*node
	atimeEnabled bool
	errors       map[Op][]injectedError
	numWalks     int
}

func New(clock clockwork.Clock) *FileSystem {
	now := clock.Now()
	return &FileSystem{
		clock:        clock,
		nodes:        map[string]*node{"/": {isDir: true, mtime: now, atime: now}},
		atimeEnabled: true,
		errors:       make(map[Op][]injectedError),
	}
}

// SetAtimeEnabled controls whether reads update a file's access time. With
// atime disabled a file's atime stays at the time it was written.
func (f *FileSystem) SetAtimeEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.atimeEnabled = enabled
}

// InjectError makes op fail with err for p, or for every path if p is empty.
func (f *FileSystem) InjectError(op Op, p string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p != "" {
		p = path.Clean(p)
	}
	f.errors[op] = append(f.errors[op], injectedError{path: p, err: err})
}

func (f *FileSystem) ClearErrors() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = make(map[Op][]injectedError)
}

// NumWalks returns the number of GetDirInfo calls made so far.
func (f *FileSystem) NumWalks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numWalks
}

// Files returns the paths of every regular file, sorted.
func (f *FileSystem) Files() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var files []string
	for p, n := range f.nodes {
		if !n.isDir {
			files = append(files, p)
		}
	}
	sort.Strings(files)
	return files
}

// Atime returns the access time recorded for a file or directory.
func (f *FileSystem) Atime(p string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.lookupLocked(p)
	if err != nil {
		return time.Time{}, err
	}
	return n.atime, nil
}

func (f *FileSystem) injectedLocked(op Op, p string) error {
	for _, ie := range f.errors[op] {
		if ie.path == "" || ie.path == p {
			return ie.err
		}
	}
	return nil
}

func (f *FileSystem) lookupLocked(p string) (*node, error) {
	n, ok := f.nodes[path.Clean(p)]
	if !ok {
		return nil, status.NotFoundErrorf("%s: no such file or directory", p)
	}
	return n, nil
}

func (f *FileSystem) checkParentLocked(p string) error {
	parent, err := f.lookupLocked(path.Dir(p))
	if err != nil {
		return err
	}
	if !parent.isDir {
		return status.FailedPreconditionErrorf("%s: parent is not a directory", p)
	}
	return nil
}

// childrenLocked returns the sorted full paths of the entries directly
// inside dir.
func (f *FileSystem) childrenLocked(dir string) []string {
	prefix := dir + "/"
	if dir == "/" {
		prefix = "/"
	}
	var children []string
	for p := range f.nodes {
		if p == dir || !strings.HasPrefix(p, prefix) {
			continue
		}
		if !strings.Contains(p[len(prefix):], "/") {
			children = append(children, p)
		}
	}
	sort.Strings(children)
	return children
}

func (f *FileSystem) writeLocked(p string, data []byte) error {
	if err := f.injectedLocked(OpWrite, p); err != nil {
		return err
	}
	if err := f.checkParentLocked(p); err != nil {
		return err
	}
	if n, ok := f.nodes[p]; ok && n.isDir {
		return status.FailedPreconditionErrorf("%s: is a directory", p)
	}
	now := f.clock.Now()
	f.nodes[p] = &node{
		data:  append([]byte(nil), data...),
		mtime: now,
		atime: now,
	}
	return nil
}

func (f *FileSystem) WriteFile(p string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeLocked(path.Clean(p), data)
}

func (f *FileSystem) WriteTempFile(prefix string, data []byte) (string, error) {
	tmp, err := disk.TempFileName(path.Clean(prefix))
	if err != nil {
		return "", status.InternalErrorf("generate temp file name: %s", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[tmp]; ok {
		return "", status.AlreadyExistsErrorf("%s: file exists", tmp)
	}
	if err := f.writeLocked(tmp, data); err != nil {
		return "", err
	}
	return tmp, nil
}

func (f *FileSystem) RenameFile(oldPath, newPath string) error {
	oldPath, newPath = path.Clean(oldPath), path.Clean(newPath)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injectedLocked(OpRename, oldPath); err != nil {
		return err
	}
	n, err := f.lookupLocked(oldPath)
	if err != nil {
		return err
	}
	if n.isDir {
		return status.UnimplementedErrorf("%s: renaming directories is not supported", oldPath)
	}
	if err := f.checkParentLocked(newPath); err != nil {
		return err
	}
	if dst, ok := f.nodes[newPath]; ok && dst.isDir {
		return status.FailedPreconditionErrorf("%s: is a directory", newPath)
	}
	delete(f.nodes, oldPath)
	f.nodes[newPath] = n
	return nil
}

func (f *FileSystem) ReadFile(p string) ([]byte, error) {
	p = path.Clean(p)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injectedLocked(OpRead, p); err != nil {
		return nil, err
	}
	n, err := f.lookupLocked(p)
	if err != nil {
		return nil, err
	}
	if n.isDir {
		return nil, status.FailedPreconditionErrorf("%s: is a directory", p)
	}
	if f.atimeEnabled {
		n.atime = f.clock.Now()
	}
	return append([]byte(nil), n.data...), nil
}

func (f *FileSystem) Size(p string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.lookupLocked(p)
	if err != nil {
		return 0, err
	}
	return int64(len(n.data)), nil
}

func (f *FileSystem) Exists(p string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[path.Clean(p)]
	return ok, nil
}

func (f *FileSystem) IsDir(p string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.lookupLocked(p)
	if err != nil {
		return false, err
	}
	return n.isDir, nil
}

func (f *FileSystem) ListContents(dir string) ([]string, error) {
	dir = path.Clean(dir)
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.lookupLocked(dir)
	if err != nil {
		return nil, err
	}
	if !n.isDir {
		return nil, status.FailedPreconditionErrorf("%s: not a directory", dir)
	}
	return f.childrenLocked(dir), nil
}

func (f *FileSystem) RemoveFile(p string) error {
	p = path.Clean(p)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injectedLocked(OpRemove, p); err != nil {
		return err
	}
	n, err := f.lookupLocked(p)
	if err != nil {
		return err
	}
	if n.isDir {
		return status.FailedPreconditionErrorf("%s: is a directory", p)
	}
	delete(f.nodes, p)
	return nil
}

func (f *FileSystem) RemoveDir(dir string) error {
	dir = path.Clean(dir)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injectedLocked(OpRemove, dir); err != nil {
		return err
	}
	n, err := f.lookupLocked(dir)
	if err != nil {
		return err
	}
	if !n.isDir {
		return status.FailedPreconditionErrorf("%s: not a directory", dir)
	}
	if dir == "/" {
		return status.FailedPreconditionError("cannot remove the root directory")
	}
	if len(f.childrenLocked(dir)) > 0 {
		return status.FailedPreconditionErrorf("%s: directory not empty", dir)
	}
	delete(f.nodes, dir)
	return nil
}

func (f *FileSystem) makeDirLocked(dir string) error {
	if err := f.injectedLocked(OpMkdir, dir); err != nil {
		return err
	}
	if _, ok := f.nodes[dir]; ok {
		return status.AlreadyExistsErrorf("%s: file exists", dir)
	}
	if err := f.checkParentLocked(dir); err != nil {
		return err
	}
	now := f.clock.Now()
	f.nodes[dir] = &node{isDir: true, mtime: now, atime: now}
	return nil
}

func (f *FileSystem) MakeDir(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.makeDirLocked(path.Clean(dir))
}

func (f *FileSystem) RecursivelyMakeDir(dir string) error {
	dir = path.Clean(dir)
	f.mu.Lock()
	defer f.mu.Unlock()
	var missing []string
	for p := dir; ; p = path.Dir(p) {
		n, ok := f.nodes[p]
		if ok {
			if !n.isDir {
				return status.FailedPreconditionErrorf("%s: not a directory", p)
			}
			break
		}
		missing = append(missing, p)
	}
	for i := len(missing) - 1; i >= 0; i-- {
		if err := f.makeDirLocked(missing[i]); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileSystem) Mtime(p string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.lookupLocked(p)
	if err != nil {
		return time.Time{}, err
	}
	return n.mtime, nil
}

func (f *FileSystem) tryLockLocked(p, holder string) (bool, error) {
	if err := f.injectedLocked(OpLock, p); err != nil {
		return false, err
	}
	if _, ok := f.nodes[p]; ok {
		return false, nil
	}
	if err := f.writeLocked(p, []byte(holder)); err != nil {
		return false, err
	}
	return true, nil
}

func (f *FileSystem) TryLock(p, holder string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tryLockLocked(path.Clean(p), holder)
}

func (f *FileSystem) TryLockWithTimeout(p, holder string, timeout time.Duration) (bool, error) {
	p = path.Clean(p)
	f.mu.Lock()
	defer f.mu.Unlock()
	locked, err := f.tryLockLocked(p, holder)
	if locked || err != nil {
		return locked, err
	}
	if f.clock.Since(f.nodes[p].mtime) < timeout {
		return false, nil
	}
	delete(f.nodes, p)
	return f.tryLockLocked(p, holder)
}

// ownedLockLocked returns the lock node at p if holder owns it.
func (f *FileSystem) ownedLockLocked(p, holder string) (*node, error) {
	n, err := f.lookupLocked(p)
	if err != nil {
		return nil, err
	}
	if string(n.data) != holder {
		return nil, status.FailedPreconditionErrorf("lock %s is held by %q", p, n.data)
	}
	return n, nil
}

func (f *FileSystem) Unlock(p, holder string) error {
	p = path.Clean(p)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injectedLocked(OpRemove, p); err != nil {
		return err
	}
	if _, err := f.ownedLockLocked(p, holder); err != nil {
		return err
	}
	delete(f.nodes, p)
	return nil
}

func (f *FileSystem) BumpLockTimeout(p, holder string) error {
	p = path.Clean(p)
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.ownedLockLocked(p, holder)
	if err != nil {
		return err
	}
	n.mtime = f.clock.Now()
	return nil
}

// GetDirInfo walks dir depth first in lexical order. The lock is released
// around every notifier call, so a notifier may block while other users of
// the filesystem carry on.
func (f *FileSystem) GetDirInfo(dir string, notifier interfaces.ProgressNotifier) (*interfaces.DirInfo, error) {
	dir = path.Clean(dir)
	f.mu.Lock()
	f.numWalks++
	err := f.injectedLocked(OpWalk, dir)
	if err == nil {
		_, err = f.lookupLocked(dir)
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	info := &interfaces.DirInfo{}
	f.walk(dir, info, notifier)
	sort.Strings(info.EmptyDirs)
	return info, nil
}

func (f *FileSystem) walk(dir string, info *interfaces.DirInfo, notifier interfaces.ProgressNotifier) {
	f.mu.Lock()
	children := f.childrenLocked(dir)
	f.mu.Unlock()
	for _, child := range children {
		f.mu.Lock()
		n, ok := f.nodes[child]
		var fi interfaces.FileInfo
		isDir := false
		if ok {
			isDir = n.isDir
			fi = interfaces.FileInfo{Path: child, SizeBytes: int64(len(n.data)), Atime: n.atime}
		}
		f.mu.Unlock()
		if !ok {
			// Removed since the listing.
			continue
		}
		info.InodeCount++
		if isDir {
			f.mu.Lock()
			empty := len(f.childrenLocked(child)) == 0
			f.mu.Unlock()
			if empty {
				info.EmptyDirs = append(info.EmptyDirs, child)
			}
			f.walk(child, info, notifier)
		} else {
			info.Files = append(info.Files, fi)
			info.SizeBytes += fi.SizeBytes
		}
		if notifier != nil {
			notifier.Notify()
		}
	}
}
