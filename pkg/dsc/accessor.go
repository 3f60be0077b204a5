package dsc

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

// fileAccessor is the File Accessor (FA, §4.1): a memory-mapped,
// read-write view of one cache file. The mapping is opened MAP_PRIVATE
// so slide rewriting can write resolved pointer values in place without
// ever touching the file on disk, exactly the "copy-on-write" mapping
// design note (§9) calls for.
type fileAccessor struct {
	path string

	mu    sync.Mutex
	data  []byte // nil when unmapped
	f     *fileHandle
	slide atomic.Bool
}

// fileHandle wraps the OS file descriptor kept open for the duration of
// a mapping so it can be closed when the mapping is released.
type fileHandle struct {
	fd   int
	size int64
}

// lazyHandle is FA's weak/strong split (§9 "Lazy file accessors"): the
// registry hands out a lazyHandle immediately; the mmap itself is
// created only when lock() is first called, and may be torn down and
// re-created across the handle's lifetime as the mapping cap is
// enforced.
type lazyHandle struct {
	reg  *accessorRegistry
	path string

	mu sync.Mutex
	fa *fileAccessor // nil until first lock()
}

// lock returns a strong reference to the underlying fileAccessor,
// materializing the mmap if it has been released since the last lock.
func (h *lazyHandle) lock(ctx context.Context) (*fileAccessor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fa != nil && h.fa.data != nil {
		h.reg.touch(h.path)
		return h.fa, nil
	}
	fa, err := h.reg.materialize(ctx, h.path)
	if err != nil {
		return nil, err
	}
	h.fa = fa
	return fa, nil
}

// accessorRegistry is a path-keyed map of lazy handles, a counting
// semaphore bounding live mmaps to Flags.MaxMappedFiles, and an LRU of
// recently released mappings kept warm to absorb rapid acquire/release
// cycles without exceeding the cap. Each Controller attach and each
// FastGetBackingCacheCount call creates its own registry; registries
// are not shared across views.
type accessorRegistry struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	handles map[string]*lazyHandle
	warm    *lru.Cache[string, *fileAccessor]
}

func newAccessorRegistry(flags Flags) *accessorRegistry {
	n := flags.maxMappedFiles()
	r := &accessorRegistry{
		sem:     semaphore.NewWeighted(int64(n)),
		handles: make(map[string]*lazyHandle),
	}
	warm, _ := lru.NewWithEvict[string, *fileAccessor](n, func(_ string, fa *fileAccessor) {
		r.unmapLocked(fa)
	})
	r.warm = warm
	return r
}

// open returns the (possibly newly created) lazy handle for path.
func (r *accessorRegistry) open(path string) *lazyHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[path]; ok {
		return h
	}
	h := &lazyHandle{reg: r, path: path}
	r.handles[path] = h
	return h
}

// touch marks path as recently used, keeping it warm in the LRU.
func (r *accessorRegistry) touch(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fa, ok := r.warm.Get(path); ok {
		_ = fa
	}
}

// materialize opens and mmaps path, blocking on the semaphore until a
// mapping slot is available.
func (r *accessorRegistry) materialize(ctx context.Context, path string) (*fileAccessor, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "acquire mapping slot")
	}

	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		r.sem.Release(1)
		return nil, errors.Wrapf(ErrMissingFile, "%s: %v", path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		r.sem.Release(1)
		return nil, errors.Wrapf(ErrMissingFile, "stat %s: %v", path, err)
	}
	size := st.Size
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	if err != nil {
		unix.Close(fd)
		r.sem.Release(1)
		return nil, errors.Wrapf(err, "mmap %s", path)
	}
	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)

	fa := &fileAccessor{path: path, data: data, f: &fileHandle{fd: fd, size: size}}

	r.mu.Lock()
	r.warm.Add(path, fa)
	r.mu.Unlock()

	return fa, nil
}

func (r *accessorRegistry) unmapLocked(fa *fileAccessor) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.data == nil {
		return
	}
	if err := unix.Munmap(fa.data); err != nil {
		log.WithField("path", fa.path).WithError(err).Warn("dsc: munmap failed")
	}
	if fa.f != nil {
		unix.Close(fa.f.fd)
	}
	fa.data = nil
	r.sem.Release(1)
}

// drain unmaps every warm-but-idle accessor, used when a session closes.
func (r *accessorRegistry) drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warm.Purge()
}

// ---- fileAccessor read/write surface -----------------------------

func (fa *fileAccessor) size() int64 {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return int64(len(fa.data))
}

func (fa *fileAccessor) readSpan(offset, length int64) ([]byte, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if offset < 0 || length < 0 || offset+length > int64(len(fa.data)) {
		return nil, errors.Wrapf(ErrMappingRead, "%s: offset=%d len=%d size=%d", fa.path, offset, length, len(fa.data))
	}
	return fa.data[offset : offset+length], nil
}

func (fa *fileAccessor) readU8(offset int64) (uint8, error) {
	b, err := fa.readSpan(offset, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (fa *fileAccessor) readU16(offset int64) (uint16, error) {
	b, err := fa.readSpan(offset, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (fa *fileAccessor) readU32(offset int64) (uint32, error) {
	b, err := fa.readSpan(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (fa *fileAccessor) readU64(offset int64) (uint64, error) {
	b, err := fa.readSpan(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (fa *fileAccessor) readCString(offset int64) (string, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if offset < 0 || offset >= int64(len(fa.data)) {
		return "", errors.Wrapf(ErrMappingRead, "%s: cstring offset=%d size=%d", fa.path, offset, len(fa.data))
	}
	end := offset
	for end < int64(len(fa.data)) && fa.data[end] != 0 {
		end++
	}
	return string(fa.data[offset:end]), nil
}

// writePointer writes a little-endian 64-bit word in place. Only the
// Slide Rewriter calls this.
func (fa *fileAccessor) writePointer(offset int64, value uint64) error {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if offset < 0 || offset+8 > int64(len(fa.data)) {
		return errors.Wrapf(ErrMappingRead, "%s: write offset=%d size=%d", fa.path, offset, len(fa.data))
	}
	binary.LittleEndian.PutUint64(fa.data[offset:offset+8], value)
	return nil
}

func (fa *fileAccessor) slideApplied() bool     { return fa.slide.Load() }
func (fa *fileAccessor) setSlideApplied(v bool)  { fa.slide.Store(v) }
