package file_cache

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/buildbuddy-io/contentcache/server/interfaces"
	"github.com/buildbuddy-io/contentcache/server/util/disk"
	"github.com/buildbuddy-io/contentcache/server/util/status"
	"github.com/docker/go-units"
)

const (
	// Pre-existing empty directories younger than this are left alone, since
	// a concurrent Put may have just created them.
	emptyDirCleanAge = 60 * time.Second
)

// cleanTime is the content of the clean-time file as last observed.
type cleanTime struct {
	ms int64
	ok bool
}

func (t cleanTime) String() string {
	if !t.ok {
		return "never"
	}
	return time.UnixMilli(t.ms).UTC().Format(time.RFC3339Nano)
}

func (c *FileCache) readCleanTime() cleanTime {
	data, err := c.fs.ReadFile(c.cleanTime)
	if err != nil {
		if !status.IsNotFoundError(err) {
			c.handler.Warningf("Failed to read clean time %s: %s", c.cleanTime, err)
		}
		return cleanTime{}
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		c.handler.Warningf("Ignoring unparseable clean time %q in %s", data, c.cleanTime)
		return cleanTime{}
	}
	return cleanTime{ms: ms, ok: true}
}

func (c *FileCache) writeCleanTime(now time.Time) {
	data := []byte(strconv.FormatInt(now.UnixMilli(), 10))
	if err := c.fs.WriteFile(c.cleanTime, data); err != nil {
		c.handler.Errorf("Failed to write clean time %s: %s", c.cleanTime, err)
	}
}

// CleanIfNeeded schedules a cleaning pass on the worker if the clean
// interval has passed since the last pass recorded in the clean-time file.
// It is called by every Get, Put and Delete, and never blocks on cleaning.
func (c *FileCache) CleanIfNeeded() {
	if !c.policy.CleaningEnabled() || c.shutDown.Load() {
		return
	}
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.nextCheck) {
		return
	}
	observed := c.readCleanTime()
	if !c.cleanDue(now, observed) {
		c.nextCheck = time.UnixMilli(observed.ms).Add(c.policy.CleanInterval)
		return
	}
	c.nextCheck = now.Add(c.policy.CleanInterval)
	c.worker.RunIfNotBusy(func() {
		c.cleanWithLocking(observed)
	})
}

func (c *FileCache) cleanDue(now time.Time, observed cleanTime) bool {
	if !observed.ok {
		c.handler.Infof("No clean time recorded in %s; checking cache size", c.cleanTime)
		return true
	}
	last := time.UnixMilli(observed.ms)
	if last.After(now.Add(c.policy.CleanInterval)) {
		// Clock skew or a corrupt file; clean now and rewrite it.
		c.handler.Errorf("Last clean time %s is implausibly far in the future; cleaning now", observed)
		return true
	}
	return now.Sub(last) >= c.policy.CleanInterval
}

// lockBumpingNotifier forwards to the test notifier and keeps the clean
// lock fresh while a long walk or eviction is in progress. Once the lock has
// been broken by another cleaner it stops bumping and reports lost.
type lockBumpingNotifier struct {
	c        *FileCache
	next     interfaces.ProgressNotifier
	lastBump time.Time
	lost     bool
}

func (n *lockBumpingNotifier) Notify() {
	if n.next != nil {
		n.next.Notify()
	}
	now := n.c.clock.Now()
	if n.lost || now.Sub(n.lastBump) < n.c.policy.LockTimeout/4 {
		return
	}
	n.lastBump = now
	err := n.c.fs.BumpLockTimeout(n.c.cleanLock, n.c.lockHolder)
	switch {
	case err == nil:
	case status.IsNotFoundError(err) || status.IsFailedPreconditionError(err):
		n.lost = true
		n.c.handler.Warningf("Lost clean lock %s to another cleaner: %s", n.c.cleanLock, err)
	default:
		n.c.handler.Warningf("Failed to bump clean lock %s: %s", n.c.cleanLock, err)
	}
}

// CleanNow runs a cleaning pass on the calling goroutine, ignoring the clean
// interval. It returns false if the pass was skipped because another
// process holds the clean lock.
func (c *FileCache) CleanNow() bool {
	if c.shutDown.Load() {
		return false
	}
	c.mu.Lock()
	observed := c.readCleanTime()
	c.nextCheck = c.clock.Now().Add(c.policy.CleanInterval)
	c.mu.Unlock()
	return c.cleanWithLocking(observed)
}

// cleanWithLocking returns false if the pass was skipped.
func (c *FileCache) cleanWithLocking(observed cleanTime) bool {
	locked, err := c.fs.TryLockWithTimeout(c.cleanLock, c.lockHolder, c.policy.LockTimeout)
	if err != nil {
		c.handler.Errorf("Failed to take clean lock %s: %s", c.cleanLock, err)
		c.skippedCleanups.Add(1)
		return false
	}
	if !locked {
		c.handler.Infof("Another process is cleaning %s; skipping", c.root)
		c.skippedCleanups.Add(1)
		return false
	}
	notifier := &lockBumpingNotifier{c: c, next: c.notifier, lastBump: c.clock.Now()}
	defer func() {
		// A lost lock belongs to whoever broke it.
		if notifier.lost {
			return
		}
		if err := c.fs.Unlock(c.cleanLock, c.lockHolder); err != nil {
			c.handler.Warningf("Failed to release clean lock %s: %s", c.cleanLock, err)
		}
	}()
	if current := c.readCleanTime(); current != observed {
		c.handler.Infof("Cache %s was cleaned at %s by another process; skipping", c.root, current)
		return false
	}
	start := c.clock.Now()
	c.startedCleanups.Add(1)
	c.clean(notifier)
	if notifier.lost {
		return true
	}
	c.writeCleanTime(c.clock.Now())
	c.cleanDuration.Observe(float64(c.clock.Since(start).Microseconds()))
	return true
}

// isBookkeepingFile reports whether path is the clean-time file, the clean
// lock, or the temp file of a write that has not been renamed into place.
func (c *FileCache) isBookkeepingFile(path string) bool {
	return path == c.cleanTime || path == c.cleanLock || disk.IsWriteTempFile(path)
}

// clean walks the root and, if a target is exceeded, evicts entries until
// both are back under 75%. The caller holds the clean lock; clean stops as
// soon as the notifier reports that it was lost.
func (c *FileCache) clean(notifier *lockBumpingNotifier) {
	targetSize := c.policy.TargetSizeBytes
	targetInodes := c.policy.TargetInodeCount
	c.handler.Infof("Checking cache size against target %s and inode count against target %d",
		units.BytesSize(float64(targetSize)), targetInodes)
	c.diskChecks.Add(1)

	info, err := c.fs.GetDirInfo(c.root, notifier)
	if err != nil {
		c.handler.Errorf("Failed to walk %s: %s", c.root, err)
		return
	}
	if notifier.lost {
		return
	}

	// Bookkeeping files are not entries. Leave them out of the totals as
	// well as the candidates.
	candidates := make([]interfaces.FileInfo, 0, len(info.Files))
	cacheSize := info.SizeBytes
	cacheInodes := info.InodeCount
	for _, f := range info.Files {
		if c.isBookkeepingFile(f.Path) {
			cacheSize -= f.SizeBytes
			cacheInodes--
			continue
		}
		candidates = append(candidates, f)
	}
	c.sizeBytes.Set(float64(cacheSize))
	c.inodeCount.Set(float64(cacheInodes))

	if cacheSize <= targetSize && (targetInodes == 0 || cacheInodes <= targetInodes) {
		c.handler.Infof("File cache size is %s and contains %d inodes; no cleanup needed",
			units.BytesSize(float64(cacheSize)), cacheInodes)
		return
	}
	c.handler.Infof("File cache size is %s and contains %d inodes; beginning cleanup",
		units.BytesSize(float64(cacheSize)), cacheInodes)
	c.cleanups.Add(1)

	children := c.countChildren(info)
	for _, dir := range info.EmptyDirs {
		if c.removeStaleEmptyDir(dir) {
			cacheInodes -= 1 + c.dropChild(children, dir)
		}
	}

	if c.policy.AtimeEnabled {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Atime.Before(candidates[j].Atime)
		})
	}

	targetSize = targetSize * 3 / 4
	targetInodes = targetInodes * 3 / 4
	origSize := cacheSize
	var evicted int64
	for _, f := range candidates {
		if cacheSize <= targetSize && (targetInodes == 0 || cacheInodes <= targetInodes) {
			break
		}
		if notifier.lost {
			c.handler.Warningf("Stopping eviction in %s after %d entries", c.root, evicted)
			break
		}
		// Count the entry as gone even if the removal fails; most likely
		// another process already removed it.
		cacheSize -= f.SizeBytes
		cacheInodes--
		evicted++
		if err := c.fs.RemoveFile(f.Path); err != nil && !status.IsNotFoundError(err) {
			c.handler.Warningf("Failed to evict %s: %s", f.Path, err)
		}
		cacheInodes -= c.dropChild(children, f.Path)
		notifier.Notify()
	}

	bytesFreed := origSize - cacheSize
	c.evictions.Add(evicted)
	c.bytesFreed.Add(bytesFreed)
	c.sizeBytes.Set(float64(cacheSize))
	c.inodeCount.Set(float64(cacheInodes))
	c.handler.Infof("File cache cleanup complete; evicted %d entries and freed %s",
		evicted, units.BytesSize(float64(bytesFreed)))
}

// countChildren returns the number of entries in every directory seen by
// the walk, keyed by directory path.
func (c *FileCache) countChildren(info *interfaces.DirInfo) map[string]int {
	children := make(map[string]int)
	seen := make(map[string]bool)
	var addPath func(path string)
	addPath = func(path string) {
		if path == c.root || seen[path] {
			return
		}
		seen[path] = true
		parent := filepath.Dir(path)
		children[parent]++
		addPath(parent)
	}
	for _, f := range info.Files {
		addPath(f.Path)
	}
	for _, d := range info.EmptyDirs {
		addPath(d)
	}
	return children
}

// dropChild records that path is gone and removes every ancestor directory
// below the root that became empty as a result. It returns the number of
// directories removed.
func (c *FileCache) dropChild(children map[string]int, path string) int64 {
	var removed int64
	for dir := filepath.Dir(path); dir != c.root && strings.HasPrefix(dir, c.root); dir = filepath.Dir(dir) {
		children[dir]--
		if children[dir] > 0 {
			break
		}
		if err := c.fs.RemoveDir(dir); err != nil {
			if !status.IsNotFoundError(err) {
				c.handler.Warningf("Failed to remove empty directory %s: %s", dir, err)
			}
			break
		}
		removed++
	}
	return removed
}

func (c *FileCache) removeStaleEmptyDir(dir string) bool {
	if c.isBookkeepingFile(dir) {
		return false
	}
	mtime, err := c.fs.Mtime(dir)
	if err != nil {
		return false
	}
	if c.clock.Since(mtime) <= emptyDirCleanAge {
		return false
	}
	if err := c.fs.RemoveDir(dir); err != nil {
		if !status.IsNotFoundError(err) {
			c.handler.Warningf("Failed to remove empty directory %s: %s", dir, err)
		}
		return false
	}
	return true
}
