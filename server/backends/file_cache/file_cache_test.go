package file_cache_test

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/buildbuddy-io/contentcache/server/backends/file_cache"
	"github.com/buildbuddy-io/contentcache/server/interfaces"
	"github.com/buildbuddy-io/contentcache/server/metrics"
	"github.com/buildbuddy-io/contentcache/server/testutil/memfs"
	"github.com/buildbuddy-io/contentcache/server/testutil/testfs"
	"github.com/buildbuddy-io/contentcache/server/testutil/testmessages"
	"github.com/buildbuddy-io/contentcache/server/testutil/testmetrics"
	"github.com/buildbuddy-io/contentcache/server/util/cacheutil"
	"github.com/buildbuddy-io/contentcache/server/util/disk"
	"github.com/buildbuddy-io/contentcache/server/util/hash"
	"github.com/buildbuddy-io/contentcache/server/util/slow_worker"
	"github.com/buildbuddy-io/contentcache/server/util/status"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	cacheRoot     = "/cache"
	cleanInterval = time.Minute
	// Small enough to overflow with a few entries.
	targetSize       = 12
	targetInodeLimit = 10
)

var _ interfaces.Cache = (*file_cache.FileCache)(nil)

type testEnv struct {
	clock   clockwork.FakeClock
	fs      *memfs.FileSystem
	handler *testmessages.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return &testEnv{
		clock:   clock,
		fs:      memfs.New(clock),
		handler: testmessages.New(),
	}
}

func defaultPolicy() *file_cache.CachePolicy {
	return &file_cache.CachePolicy{
		Hasher:           hash.MD5Hasher(),
		CleanInterval:    cleanInterval,
		TargetSizeBytes:  targetSize,
		TargetInodeCount: targetInodeLimit,
		AtimeEnabled:     true,
	}
}

func (te *testEnv) newCache(t *testing.T, policy *file_cache.CachePolicy, notifier interfaces.ProgressNotifier) (*file_cache.FileCache, *slow_worker.Worker) {
	worker := slow_worker.New("cleaner")
	c, err := file_cache.NewFileCache(&file_cache.Options{
		RootDirectory:    cacheRoot,
		FileSystem:       te.fs,
		Clock:            te.clock,
		Worker:           worker,
		Policy:           policy,
		MessageHandler:   te.handler,
		ProgressNotifier: notifier,
	})
	require.NoError(t, err)
	t.Cleanup(c.ShutDown)
	return c, worker
}

func checkPut(t *testing.T, c interfaces.Cache, key, value string) {
	c.Put(context.Background(), key, []byte(value))
}

func checkGet(t *testing.T, c interfaces.Cache, key, value string) {
	cb := cacheutil.NewCallback()
	c.Get(context.Background(), key, cb)
	require.True(t, cb.Called(), "Get(%q) did not call Done", key)
	require.Equal(t, interfaces.Available, cb.State(), "Get(%q)", key)
	require.Equal(t, value, string(cb.Value()), "Get(%q)", key)
}

func checkNotFound(t *testing.T, c interfaces.Cache, key string) {
	cb := cacheutil.NewCallback()
	c.Get(context.Background(), key, cb)
	require.True(t, cb.Called(), "Get(%q) did not call Done", key)
	require.Equal(t, interfaces.NotFound, cb.State(), "Get(%q)", key)
	require.Empty(t, cb.Value(), "Get(%q)", key)
}

func runClean(c *file_cache.FileCache, worker *slow_worker.Worker) {
	c.CleanIfNeeded()
	worker.Wait()
}

func readCleanTime(t *testing.T, fs interfaces.FileSystem) int64 {
	data, err := fs.ReadFile(filepath.Join(cacheRoot, file_cache.CleanTimeName))
	require.NoError(t, err)
	ms, err := strconv.ParseInt(string(data), 10, 64)
	require.NoError(t, err)
	return ms
}

// bumpCleanLock refreshes the clean lock on behalf of whoever holds it.
func bumpCleanLock(t *testing.T, fs interfaces.FileSystem) {
	lock := filepath.Join(cacheRoot, file_cache.CleanLockName)
	holder, err := fs.ReadFile(lock)
	require.NoError(t, err)
	require.NoError(t, fs.BumpLockTimeout(lock, string(holder)))
}

type countingNotifier struct {
	mu    sync.Mutex
	count int
}

func (n *countingNotifier) Notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
}

func (n *countingNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.count
}

// stallingNotifier blocks the walk that calls it after StallOnNextUse until
// Unstall is called.
type stallingNotifier struct {
	mu          sync.Mutex
	stallOnNext bool
	stalled     chan struct{}
	resume      chan struct{}
}

func newStallingNotifier() *stallingNotifier {
	return &stallingNotifier{
		stalled: make(chan struct{}, 1),
		resume:  make(chan struct{}),
	}
}

func (n *stallingNotifier) Notify() {
	n.mu.Lock()
	stall := n.stallOnNext
	n.stallOnNext = false
	n.mu.Unlock()
	if stall {
		n.stalled <- struct{}{}
		<-n.resume
	}
}

func (n *stallingNotifier) StallOnNextUse() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stallOnNext = true
}

func (n *stallingNotifier) WaitUntilStall() {
	<-n.stalled
}

func (n *stallingNotifier) Unstall() {
	n.resume <- struct{}{}
}

func TestPutGetDelete(t *testing.T) {
	te := newTestEnv(t)
	c, _ := te.newCache(t, defaultPolicy(), nil)

	checkPut(t, c, "Name", "Value")
	checkGet(t, c, "Name", "Value")
	checkNotFound(t, c, "Another Name")

	checkPut(t, c, "Name", "NewValue")
	checkGet(t, c, "Name", "NewValue")

	c.Delete(context.Background(), "Name")
	checkNotFound(t, c, "Name")
	// Deleting a missing key is fine.
	c.Delete(context.Background(), "Name")
	assert.Zero(t, te.handler.Count(testmessages.Warning))
	assert.Zero(t, te.handler.Count(testmessages.Error))
}

func TestFilenameLayout(t *testing.T) {
	te := newTestEnv(t)
	c, _ := te.newCache(t, defaultPolicy(), nil)

	// md5("Name") = 49ee3087348e8d44e1feda1917443987
	assert.Equal(t, "/cache/49/ee3087348e8d44e1feda1917443987,", c.FilenameForKey("Name"))
	assert.Equal(t, "FileCache(/cache)", c.Name())

	checkPut(t, c, "Name", "Value")
	assert.Equal(t, []string{"/cache/49/ee3087348e8d44e1feda1917443987,"}, te.fs.Files())
}

func TestValidatorVeto(t *testing.T) {
	te := newTestEnv(t)
	c, _ := te.newCache(t, defaultPolicy(), nil)
	checkPut(t, c, "Name", "Value")

	var seenKey string
	var seenState interfaces.CacheKeyState
	cb := cacheutil.NewValidatingCallback(func(key string, state interfaces.CacheKeyState) bool {
		seenKey, seenState = key, state
		return false
	})
	c.Get(context.Background(), "Name", cb)
	assert.Equal(t, "Name", seenKey)
	assert.Equal(t, interfaces.Available, seenState)
	assert.Equal(t, interfaces.NotFound, cb.State())
	assert.Empty(t, cb.Value())
}

func TestMultiGet(t *testing.T) {
	te := newTestEnv(t)
	c, _ := te.newCache(t, defaultPolicy(), nil)
	checkPut(t, c, "k1", "v1")
	checkPut(t, c, "k3", "v3")

	reqs := []*interfaces.MultiGetRequest{
		{Key: "k1", Callback: cacheutil.NewCallback()},
		{Key: "k2", Callback: cacheutil.NewCallback()},
		{Key: "k3", Callback: cacheutil.NewCallback()},
	}
	c.MultiGet(context.Background(), reqs)

	wantStates := []interfaces.CacheKeyState{interfaces.Available, interfaces.NotFound, interfaces.Available}
	wantValues := []string{"v1", "", "v3"}
	for i, req := range reqs {
		cb := req.Callback.(*cacheutil.Callback)
		require.True(t, cb.Called(), req.Key)
		assert.Equal(t, wantStates[i], cb.State(), req.Key)
		assert.Equal(t, wantValues[i], string(cb.Value()), req.Key)
	}
}

func TestIOErrorsDegradeToMisses(t *testing.T) {
	te := newTestEnv(t)
	c, _ := te.newCache(t, defaultPolicy(), nil)
	checkPut(t, c, "Name", "Value")

	te.fs.InjectError(memfs.OpRead, c.FilenameForKey("Name"), status.InternalError("bad sector"))
	checkNotFound(t, c, "Name")
	assert.True(t, te.handler.Contains(testmessages.Warning, "bad sector"))

	te.fs.InjectError(memfs.OpWrite, "", status.UnavailableError("read-only filesystem"))
	checkPut(t, c, "Other", "Value")
	assert.True(t, te.handler.Contains(testmessages.Error, "read-only filesystem"))

	te.fs.ClearErrors()
	checkGet(t, c, "Name", "Value")
	checkNotFound(t, c, "Other")
}

func TestRenameFailureLeavesNoTempFile(t *testing.T) {
	te := newTestEnv(t)
	c, _ := te.newCache(t, defaultPolicy(), nil)
	checkPut(t, c, "Name", "Value")

	te.fs.InjectError(memfs.OpRename, "", status.InternalError("rename failed"))
	checkPut(t, c, "Name", "NewValue")
	assert.True(t, te.handler.Contains(testmessages.Error, "rename failed"))
	assert.Equal(t, []string{c.FilenameForKey("Name")}, te.fs.Files())

	te.fs.ClearErrors()
	checkGet(t, c, "Name", "Value")
}

func TestShutDown(t *testing.T) {
	te := newTestEnv(t)
	c, _ := te.newCache(t, defaultPolicy(), nil)
	checkPut(t, c, "Name", "Value")
	require.True(t, c.IsHealthy())
	require.True(t, c.IsBlocking())

	c.ShutDown()
	assert.False(t, c.IsHealthy())
	checkNotFound(t, c, "Name")
	c.ShutDown()
}

func TestBadPolicy(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(p *file_cache.CachePolicy)
	}{
		{"no hasher", func(p *file_cache.CachePolicy) { p.Hasher = nil }},
		{"zero interval", func(p *file_cache.CachePolicy) { p.CleanInterval = 0 }},
		{"negative interval", func(p *file_cache.CachePolicy) { p.CleanInterval = -2 * time.Second }},
		{"negative size", func(p *file_cache.CachePolicy) { p.TargetSizeBytes = -1 }},
		{"negative inodes", func(p *file_cache.CachePolicy) { p.TargetInodeCount = -1 }},
		{"negative lock timeout", func(p *file_cache.CachePolicy) { p.LockTimeout = -time.Second }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			te := newTestEnv(t)
			policy := defaultPolicy()
			tc.mutate(policy)
			c, err := file_cache.NewFileCache(&file_cache.Options{
				RootDirectory:  cacheRoot,
				FileSystem:     te.fs,
				Clock:          te.clock,
				Worker:         slow_worker.New("cleaner"),
				Policy:         policy,
				MessageHandler: te.handler,
			})
			require.Error(t, err)
			assert.True(t, status.IsInvalidArgumentError(err), "%s", err)
			assert.Nil(t, c)
		})
	}

	te := newTestEnv(t)
	_, err := file_cache.NewFileCache(&file_cache.Options{
		FileSystem:     te.fs,
		Clock:          te.clock,
		Worker:         slow_worker.New("cleaner"),
		Policy:         defaultPolicy(),
		MessageHandler: te.handler,
	})
	assert.True(t, status.IsInvalidArgumentError(err), "%s", err)
}

func TestCheckClean(t *testing.T) {
	te := newTestEnv(t)
	c, worker := te.newCache(t, defaultPolicy(), nil)

	checkPut(t, c, "Name1", "Value")
	// Cache should not clean at first.
	runClean(c, worker)
	assert.Zero(t, c.Stats().DiskChecks)

	te.clock.Advance(cleanInterval + time.Millisecond)
	// There is no timestamp yet, so the cache is checked...
	timeMs := te.clock.Now().UnixMilli()
	runClean(c, worker)
	assert.Equal(t, int64(1), c.Stats().DiskChecks)
	// ...but it is under the target, so nothing is removed.
	checkGet(t, c, "Name1", "Value")
	assert.Zero(t, c.Stats().Cleanups)
	assert.Equal(t, timeMs, readCleanTime(t, te.fs))

	// Make the cache oversize.
	checkPut(t, c, "Name2", "Value2")
	checkPut(t, c, "Name3", "Value3")
	// Not enough time has elapsed.
	runClean(c, worker)
	assert.Equal(t, int64(1), c.Stats().DiskChecks)

	te.clock.Advance(cleanInterval + time.Millisecond)
	// Cleaning must work even if atime is not maintained.
	te.fs.SetAtimeEnabled(false)
	timeMs = te.clock.Now().UnixMilli()
	runClean(c, worker)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.DiskChecks)
	assert.Equal(t, int64(2), stats.StartedCleanups)
	assert.Equal(t, int64(1), stats.Cleanups)
	assert.Positive(t, stats.Evictions)
	assert.Equal(t, timeMs, readCleanTime(t, te.fs))

	remaining := int64(0)
	for _, f := range te.fs.Files() {
		if filepath.Base(f) == file_cache.CleanTimeName {
			continue
		}
		size, err := te.fs.Size(f)
		require.NoError(t, err)
		remaining += size
	}
	assert.LessOrEqual(t, remaining, int64(targetSize*3/4))
	assert.Equal(t, int64(len("Value")+2*len("Value2"))-remaining, stats.BytesFreedInCleanup)
}

// The target holds the two newest entries even after cleaning down to 75%
// of it, so only the oldest entry is evicted.
func TestPartialClean(t *testing.T) {
	te := newTestEnv(t)
	policy := defaultPolicy()
	policy.TargetSizeBytes = 16
	policy.TargetInodeCount = 0
	c, worker := te.newCache(t, policy, nil)

	checkPut(t, c, "Name1", "Value1")
	te.clock.Advance(time.Millisecond)
	checkPut(t, c, "Name2", "Value2")
	te.clock.Advance(time.Millisecond)
	checkPut(t, c, "Name3", "Value3")
	te.clock.Advance(cleanInterval + time.Millisecond)

	runClean(c, worker)

	checkNotFound(t, c, "Name1")
	checkGet(t, c, "Name2", "Value2")
	checkGet(t, c, "Name3", "Value3")
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Cleanups)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, int64(6), stats.BytesFreedInCleanup)
}

// The inode budget can force evictions beyond what the size budget needs.
// Name1 and Name3 share the "f1" fan-out directory, Name2 lives in "a0".
func TestPartialCleanInodeBudget(t *testing.T) {
	te := newTestEnv(t)
	policy := defaultPolicy()
	policy.TargetSizeBytes = int64(len("Name1Value1Name2Value2"))
	// 3 files + 2 directories exceed 4; cleaning goes down to 3.
	policy.TargetInodeCount = 4
	c, worker := te.newCache(t, policy, nil)

	checkPut(t, c, "Name1", "Value1")
	te.clock.Advance(time.Millisecond)
	checkPut(t, c, "Name2", "Value2")
	te.clock.Advance(time.Millisecond)
	checkPut(t, c, "Name3", "Value3")
	te.clock.Advance(cleanInterval + time.Millisecond)

	runClean(c, worker)

	checkNotFound(t, c, "Name1")
	checkNotFound(t, c, "Name2")
	checkGet(t, c, "Name3", "Value3")
	assert.Equal(t, int64(2), c.Stats().Evictions)

	// a0 became empty and was removed; f1 still holds Name3.
	exists, err := te.fs.Exists("/cache/a0")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = te.fs.Exists("/cache/f1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPartialCleanWithCleaningDisabled(t *testing.T) {
	te := newTestEnv(t)
	policy := defaultPolicy()
	policy.CleanInterval = file_cache.DisableCleaning
	policy.TargetSizeBytes = 16
	policy.TargetInodeCount = 0
	c, worker := te.newCache(t, policy, nil)

	checkPut(t, c, "Name1", "Value1")
	te.clock.Advance(time.Millisecond)
	checkPut(t, c, "Name2", "Value2")
	te.clock.Advance(time.Millisecond)
	checkPut(t, c, "Name3", "Value3")
	te.clock.Advance(cleanInterval + time.Millisecond)

	// The cache is oversize, but cleaning is turned off.
	runClean(c, worker)

	checkGet(t, c, "Name1", "Value1")
	checkGet(t, c, "Name2", "Value2")
	checkGet(t, c, "Name3", "Value3")
	assert.Equal(t, file_cache.Stats{}, c.Stats())
	exists, err := te.fs.Exists(filepath.Join(cacheRoot, file_cache.CleanTimeName))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCleanNotifier(t *testing.T) {
	te := newTestEnv(t)
	policy := defaultPolicy()
	// Delete everything.
	policy.TargetSizeBytes = 1
	policy.TargetInodeCount = 0
	notifier := &countingNotifier{}
	c, worker := te.newCache(t, policy, notifier)

	checkPut(t, c, "Name1", "Value1")
	checkPut(t, c, "Name2", "Value2")
	checkPut(t, c, "Name3", "Value3")
	te.clock.Advance(cleanInterval + time.Millisecond)
	runClean(c, worker)

	expectedNotifications := 1 + // the clean lock
		2 + // the a0 and f1 directories
		3 + // the three entries
		3 // deleting the three entries
	assert.Equal(t, expectedNotifications, notifier.Count())
	checkNotFound(t, c, "Name1")
	checkNotFound(t, c, "Name2")
	checkNotFound(t, c, "Name3")
	// Emptied directories are gone; only the clean-time file is left.
	assert.Equal(t, []string{filepath.Join(cacheRoot, file_cache.CleanTimeName)}, te.fs.Files())
	contents, err := te.fs.ListContents(cacheRoot)
	require.NoError(t, err)
	assert.Len(t, contents, 1)
}

func TestCleanRemovesStaleEmptyDirectories(t *testing.T) {
	te := newTestEnv(t)
	policy := defaultPolicy()
	policy.TargetInodeCount = 0
	c, worker := te.newCache(t, policy, nil)

	require.NoError(t, te.fs.RecursivelyMakeDir("/cache/zz/yy"))
	checkPut(t, c, "Name1", "Value1")
	checkPut(t, c, "Name2", "Value2")
	checkPut(t, c, "Name3", "Value3")
	te.clock.Advance(cleanInterval + time.Millisecond)
	require.NoError(t, te.fs.MakeDir("/cache/fresh"))
	runClean(c, worker)

	for _, dir := range []string{"/cache/zz/yy", "/cache/zz"} {
		exists, err := te.fs.Exists(dir)
		require.NoError(t, err)
		assert.False(t, exists, dir)
	}
	exists, err := te.fs.Exists("/cache/fresh")
	require.NoError(t, err)
	assert.True(t, exists, "recently created directories are kept")
}

func TestImplausibleCleanTime(t *testing.T) {
	te := newTestEnv(t)
	c, worker := te.newCache(t, defaultPolicy(), nil)
	future := te.clock.Now().Add(24 * time.Hour).UnixMilli()
	require.NoError(t, te.fs.WriteFile(filepath.Join(cacheRoot, file_cache.CleanTimeName), []byte(strconv.FormatInt(future, 10))))

	te.clock.Advance(cleanInterval)
	runClean(c, worker)
	assert.Equal(t, int64(1), c.Stats().DiskChecks)
	assert.Equal(t, te.clock.Now().UnixMilli(), readCleanTime(t, te.fs))
}

func TestRecentCleanByAnotherProcessIsRespected(t *testing.T) {
	te := newTestEnv(t)
	c, worker := te.newCache(t, defaultPolicy(), nil)
	te.clock.Advance(cleanInterval)
	recent := te.clock.Now().Add(-time.Second).UnixMilli()
	require.NoError(t, te.fs.WriteFile(filepath.Join(cacheRoot, file_cache.CleanTimeName), []byte(strconv.FormatInt(recent, 10))))

	runClean(c, worker)
	assert.Zero(t, c.Stats().DiskChecks)
	assert.Zero(t, te.fs.NumWalks())
}

// If a cleaning pass takes longer than the cleaning interval and another
// process starts a pass, the second one quits immediately unless the lock
// has timed out.
func TestMultipleSimultaneousCacheCleans(t *testing.T) {
	te := newTestEnv(t)
	notifier := newStallingNotifier()
	c1, worker1 := te.newCache(t, defaultPolicy(), notifier)

	// No timestamp yet, but the first check is deferred.
	checkPut(t, c1, "Name", "Value")
	worker1.Wait()
	assert.Zero(t, c1.Stats().StartedCleanups)
	assert.Zero(t, c1.Stats().SkippedCleanups)

	// This put triggers a pass that decides nothing needs cleaning.
	te.clock.Advance(cleanInterval + time.Millisecond)
	checkPut(t, c1, "Name", "Value")
	worker1.Wait()
	assert.Equal(t, int64(1), c1.Stats().StartedCleanups)
	assert.Zero(t, c1.Stats().SkippedCleanups)

	// Trigger cleaning again, but stall it.
	notifier.StallOnNextUse()
	te.clock.Advance(cleanInterval + time.Millisecond)
	checkPut(t, c1, "Name", "Value")
	notifier.WaitUntilStall()

	// A second cache on the same directory stands in for another machine.
	// Its tiny target means it deletes everything whenever it cleans.
	policy2 := defaultPolicy()
	policy2.TargetSizeBytes = 1
	c2, worker2 := te.newCache(t, policy2, nil)

	// Advance time, bump the lock, and watch the second cache fail to take
	// the lock.
	te.clock.Advance(cleanInterval + time.Millisecond)
	bumpCleanLock(t, te.fs)
	checkPut(t, c2, "Name", "Value")
	worker2.Wait()
	assert.Equal(t, int64(1), c2.Stats().SkippedCleanups)
	assert.Zero(t, c2.Stats().StartedCleanups)

	// Let the first pass finish. It scanned the directory but did not need
	// to delete anything.
	notifier.Unstall()
	worker1.Wait()
	assert.Equal(t, int64(2), c1.Stats().StartedCleanups)
	assert.Zero(t, c1.Stats().Cleanups)

	checkGet(t, c1, "Name", "Value")
	checkGet(t, c2, "Name", "Value")

	// Now stall the first cache again and let the lock time out.
	notifier.StallOnNextUse()
	te.clock.Advance(cleanInterval + time.Millisecond)
	checkPut(t, c1, "Name", "Value")
	notifier.WaitUntilStall()
	te.clock.Advance(cleanInterval + file_cache.DefaultLockTimeout)

	// Without a bump the second cleaner breaks the lock and cleans.
	checkPut(t, c2, "Name", "Value")
	worker2.Wait()
	assert.Equal(t, int64(1), c2.Stats().StartedCleanups)
	assert.Equal(t, int64(1), c2.Stats().Cleanups)
	checkNotFound(t, c1, "Name")

	notifier.Unstall()
	worker1.Wait()
	assert.Equal(t, int64(3), c1.Stats().StartedCleanups)
	assert.Zero(t, c1.Stats().Cleanups)
	assert.Equal(t, int64(1), c2.Stats().SkippedCleanups)
	assert.Zero(t, c1.Stats().SkippedCleanups)
}

func TestShutDownWaitsForCleaning(t *testing.T) {
	te := newTestEnv(t)
	notifier := newStallingNotifier()
	c, worker := te.newCache(t, defaultPolicy(), notifier)
	checkPut(t, c, "Name", "Value")

	notifier.StallOnNextUse()
	te.clock.Advance(cleanInterval + time.Millisecond)
	c.CleanIfNeeded()
	notifier.WaitUntilStall()
	require.True(t, worker.IsBusy())

	done := make(chan struct{})
	go func() {
		c.ShutDown()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("ShutDown returned while cleaning was in progress")
	case <-time.After(50 * time.Millisecond):
	}
	notifier.Unstall()
	<-done
	assert.False(t, worker.IsBusy())
}

func TestDiskFileSystem(t *testing.T) {
	root := testfs.MakeTempDir(t)
	clock := clockwork.NewFakeClockAt(time.Now())
	handler := testmessages.New()
	worker := slow_worker.New("cleaner")
	policy := defaultPolicy()
	policy.TargetSizeBytes = 16
	policy.TargetInodeCount = 0
	c, err := file_cache.NewFileCache(&file_cache.Options{
		RootDirectory:  root,
		FileSystem:     disk.NewFileSystem(disk.WithClock(clock)),
		Clock:          clock,
		Worker:         worker,
		Policy:         policy,
		MessageHandler: handler,
	})
	require.NoError(t, err)
	defer c.ShutDown()

	checkPut(t, c, "Name1", "Value1")
	checkPut(t, c, "Name2", "Value2")
	checkPut(t, c, "Name3", "Value3")
	// Reads stamp the access time from the fake clock, which makes Name1
	// the least recently used entry.
	clock.Advance(time.Second)
	checkGet(t, c, "Name2", "Value2")
	clock.Advance(time.Second)
	checkGet(t, c, "Name3", "Value3")

	clock.Advance(cleanInterval)
	runClean(c, worker)

	assert.Equal(t, int64(1), c.Stats().Evictions)
	assert.False(t, testfs.Exists(t, root, "f1/926e094593ff6ac3ccff78c29ac60b,"))
	assert.True(t, testfs.Exists(t, root, "f1/2cfc34a146ca98e0298676f9a352ce,"))
	assert.True(t, testfs.Exists(t, root, file_cache.CleanTimeName))
	assert.False(t, testfs.Exists(t, root, file_cache.CleanLockName))
	assert.Zero(t, handler.Count(testmessages.Error))
}

func TestPrometheusCounters(t *testing.T) {
	te := newTestEnv(t)
	worker := slow_worker.New("cleaner")
	policy := defaultPolicy()
	policy.TargetSizeBytes = 16
	policy.TargetInodeCount = 0
	c, err := file_cache.NewFileCache(&file_cache.Options{
		RootDirectory:  "/prometheus",
		FileSystem:     te.fs,
		Clock:          te.clock,
		Worker:         worker,
		Policy:         policy,
		MessageHandler: te.handler,
	})
	require.NoError(t, err)
	defer c.ShutDown()

	checkPut(t, c, "Name1", "Value1")
	te.clock.Advance(time.Millisecond)
	checkPut(t, c, "Name2", "Value2")
	te.clock.Advance(time.Millisecond)
	checkPut(t, c, "Name3", "Value3")
	te.clock.Advance(cleanInterval + time.Millisecond)
	runClean(c, worker)

	labels := prometheus.Labels{metrics.CacheNameLabel: c.Name()}
	assert.Equal(t, float64(1), testmetrics.CounterValue(t, metrics.FileCacheDiskChecks.With(labels)))
	assert.Equal(t, float64(1), testmetrics.CounterValue(t, metrics.FileCacheCleanups.With(labels)))
	assert.Equal(t, float64(1), testmetrics.CounterValue(t, metrics.FileCacheEvictions.With(labels)))
	assert.Equal(t, float64(6), testmetrics.CounterValue(t, metrics.FileCacheBytesFreed.With(labels)))
	assert.Equal(t, float64(12), testmetrics.GaugeValue(t, metrics.FileCacheSizeBytes.With(labels)))
}

func TestCleanNowIgnoresInterval(t *testing.T) {
	te := newTestEnv(t)
	policy := defaultPolicy()
	policy.TargetSizeBytes = 16
	policy.TargetInodeCount = 0
	c, _ := te.newCache(t, policy, nil)

	checkPut(t, c, "Name1", "Value1")
	te.clock.Advance(time.Millisecond)
	checkPut(t, c, "Name2", "Value2")
	te.clock.Advance(time.Millisecond)
	checkPut(t, c, "Name3", "Value3")

	require.True(t, c.CleanNow())

	checkNotFound(t, c, "Name1")
	checkGet(t, c, "Name2", "Value2")
	checkGet(t, c, "Name3", "Value3")
	assert.Equal(t, te.clock.Now().UnixMilli(), readCleanTime(t, te.fs))
}

func TestCleanNowHonorsLock(t *testing.T) {
	te := newTestEnv(t)
	policy := defaultPolicy()
	policy.TargetSizeBytes = 16
	policy.TargetInodeCount = 0
	c, _ := te.newCache(t, policy, nil)

	checkPut(t, c, "Name1", "Value1")
	checkPut(t, c, "Name2", "Value2")
	checkPut(t, c, "Name3", "Value3")

	locked, err := te.fs.TryLock(filepath.Join(cacheRoot, file_cache.CleanLockName), "other-machine")
	require.NoError(t, err)
	require.True(t, locked)

	assert.False(t, c.CleanNow())
	assert.Equal(t, int64(1), c.Stats().SkippedCleanups)
	checkGet(t, c, "Name1", "Value1")
}

func TestCleanLeavesTempFilesAlone(t *testing.T) {
	te := newTestEnv(t)
	policy := defaultPolicy()
	policy.TargetSizeBytes = 16
	policy.TargetInodeCount = 0
	c, _ := te.newCache(t, policy, nil)

	// A write that has not been renamed into place yet. Being the oldest
	// file it would be the first eviction candidate if it counted.
	path := c.FilenameForKey("InFlight")
	require.NoError(t, te.fs.RecursivelyMakeDir(filepath.Dir(path)))
	tmp, err := te.fs.WriteTempFile(path, []byte("TempVal"))
	require.NoError(t, err)
	te.clock.Advance(time.Millisecond)
	checkPut(t, c, "Name1", "Value1")
	te.clock.Advance(time.Millisecond)
	checkPut(t, c, "Name2", "Value2")
	te.clock.Advance(time.Millisecond)
	checkPut(t, c, "Name3", "Value3")

	require.True(t, c.CleanNow())

	exists, err := te.fs.Exists(tmp)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, int64(1), c.Stats().Evictions)
	assert.Equal(t, int64(6), c.Stats().BytesFreedInCleanup)
	checkNotFound(t, c, "Name1")
	checkGet(t, c, "Name2", "Value2")

	require.NoError(t, te.fs.RenameFile(tmp, path))
	checkGet(t, c, "InFlight", "TempVal")
}

// A cleaner whose lock was broken while it stalled must leave the lock to
// the new holder: no bumping, no evicting, and no releasing.
func TestLostCleanLockIsLeftToNewHolder(t *testing.T) {
	te := newTestEnv(t)
	lock := filepath.Join(cacheRoot, file_cache.CleanLockName)
	notifier1 := newStallingNotifier()
	policy1 := defaultPolicy()
	policy1.TargetSizeBytes = 1
	c1, worker1 := te.newCache(t, policy1, notifier1)
	notifier2 := newStallingNotifier()
	c2, worker2 := te.newCache(t, defaultPolicy(), notifier2)

	checkPut(t, c1, "Name", "Value")

	notifier1.StallOnNextUse()
	te.clock.Advance(cleanInterval + time.Millisecond)
	c1.CleanIfNeeded()
	notifier1.WaitUntilStall()
	holder1, err := te.fs.ReadFile(lock)
	require.NoError(t, err)

	// The first lock times out; the second cache breaks it and stalls too.
	notifier2.StallOnNextUse()
	te.clock.Advance(file_cache.DefaultLockTimeout)
	c2.CleanIfNeeded()
	notifier2.WaitUntilStall()
	holder2, err := te.fs.ReadFile(lock)
	require.NoError(t, err)
	require.NotEqual(t, string(holder1), string(holder2))

	notifier1.Unstall()
	worker1.Wait()
	assert.Equal(t, int64(1), c1.Stats().StartedCleanups)
	assert.Zero(t, c1.Stats().Evictions)
	assert.True(t, te.handler.Contains(testmessages.Warning, "Lost clean lock"))
	exists, err := te.fs.Exists(c1.FilenameForKey("Name"))
	require.NoError(t, err)
	assert.True(t, exists)

	holder, err := te.fs.ReadFile(lock)
	require.NoError(t, err)
	assert.Equal(t, string(holder2), string(holder))
	locked, err := te.fs.TryLockWithTimeout(lock, "third-machine", file_cache.DefaultLockTimeout)
	require.NoError(t, err)
	assert.False(t, locked)

	notifier2.Unstall()
	worker2.Wait()
	assert.Equal(t, int64(1), c2.Stats().StartedCleanups)
	exists, err = te.fs.Exists(lock)
	require.NoError(t, err)
	assert.False(t, exists)
}
