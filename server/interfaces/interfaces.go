package interfaces

import (
	"context"
	"time"
)

// CacheKeyState is the outcome of a lookup as reported to a CacheCallback.
type CacheKeyState int

const (
	// The value was found and accepted by the callback's validator.
	Available CacheKeyState = iota
	// The value was missing, unreadable, or rejected by the validator.
	NotFound
)

func (s CacheKeyState) String() string {
	switch s {
	case Available:
		return "Available"
	case NotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// A CacheCallback receives the result of a single Get. The cache stores the
// candidate value with SetValue, asks ValidateCandidate whether to accept it
// and then calls Done exactly once.
//
// Values handed to SetValue are never mutated afterwards by the cache, so a
// callback may retain the slice without copying.
type CacheCallback interface {
	SetValue(value []byte)
	Value() []byte

	// ValidateCandidate may veto a hit. Returning false downgrades the result
	// to NotFound.
	ValidateCandidate(key string, state CacheKeyState) bool

	Done(state CacheKeyState)
}

type MultiGetRequest struct {
	Key      string
	Callback CacheCallback
}

// Cache is the contract shared by every key/value backend. Operations never
// return errors: a cache is an optimization, so failures degrade to misses
// and are reported through the cache's MessageHandler.
type Cache interface {
	Name() string

	// Get looks up key and delivers the result to cb. Blocking
	// implementations call cb.Done before returning.
	Get(ctx context.Context, key string, cb CacheCallback)

	// Put stores value under key, replacing any prior value. The value is
	// fully written before it becomes visible to Get.
	Put(ctx context.Context, key string, value []byte)

	// Delete removes key. A missing key is not an error.
	Delete(ctx context.Context, key string)

	// MultiGet is equivalent to a Get for every request, in order.
	MultiGet(ctx context.Context, reqs []*MultiGetRequest)

	// IsBlocking returns true if Done is guaranteed to have fired by the time
	// Get returns.
	IsBlocking() bool

	// IsHealthy is a fast hint. It must never block on I/O.
	IsHealthy() bool

	ShutDown()
}

// MessageHandler receives diagnostics from cache components.
type MessageHandler interface {
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	FileInfof(file string, line int, format string, args ...interface{})
	FileWarningf(file string, line int, format string, args ...interface{})
	FileErrorf(file string, line int, format string, args ...interface{})
}

// Hasher maps an arbitrary key to a short, fixed width digest string.
type Hasher interface {
	Hash(key string) string
	// HashSizeInChars is the length of every string returned by Hash.
	HashSizeInChars() int
}

// ProgressNotifier is called during long filesystem walks. Tests use it to
// stall a walk at a deterministic point.
type ProgressNotifier interface {
	Notify()
}

// FileInfo describes a single regular file found by GetDirInfo.
type FileInfo struct {
	Path      string
	SizeBytes int64
	Atime     time.Time
}

// DirInfo is the result of a recursive directory walk. InodeCount counts
// every file and directory below the root, excluding the root itself.
type DirInfo struct {
	Files      []FileInfo
	EmptyDirs  []string
	SizeBytes  int64
	InodeCount int64
}

// FileSystem abstracts the storage used by the file cache. Paths are
// absolute and use '/' separators. Methods that look up a missing path
// return a status.NotFoundError.
type FileSystem interface {
	// WriteFile atomically replaces the content of path.
	WriteFile(path string, data []byte) error
	// WriteTempFile writes data to a new, uniquely named file whose name
	// begins with prefix and returns its path.
	WriteTempFile(prefix string, data []byte) (string, error)
	RenameFile(oldPath, newPath string) error
	// ReadFile returns the content of path. If atime tracking is enabled the
	// read marks the file as accessed.
	ReadFile(path string) ([]byte, error)
	Size(path string) (int64, error)
	Exists(path string) (bool, error)
	IsDir(path string) (bool, error)
	// ListContents returns the full paths of the entries directly inside dir.
	ListContents(dir string) ([]string, error)
	RemoveFile(path string) error
	// RemoveDir removes an empty directory.
	RemoveDir(path string) error
	MakeDir(path string) error
	RecursivelyMakeDir(path string) error
	Mtime(path string) (time.Time, error)

	// TryLock creates the lock at path and records holder in it. It returns
	// false if the lock is already held.
	TryLock(path, holder string) (bool, error)
	// TryLockWithTimeout is TryLock, except that a lock whose mtime is older
	// than timeout is broken and re-acquired.
	TryLockWithTimeout(path, holder string, timeout time.Duration) (bool, error)
	// Unlock removes the lock. It returns a FailedPrecondition error and
	// leaves the lock alone if holder no longer owns it.
	Unlock(path, holder string) error
	// BumpLockTimeout sets the lock's mtime to now so that it will not be
	// broken for another timeout period. Like Unlock, it only acts on a
	// lock that holder owns.
	BumpLockTimeout(path, holder string) error

	// GetDirInfo walks dir recursively. notifier, if non-nil, is called
	// after each directory visited and each file considered.
	GetDirInfo(dir string, notifier ProgressNotifier) (*DirInfo, error)
}
