package dsc

import (
	"context"
	"sort"

	"github.com/pkg/errors"
)

// pageMapping is VM's answer to "which file and offset backs this VA?"
// (§4.2).
type pageMapping struct {
	handle         *lazyHandle
	vaStart        uint64
	vaEnd          uint64
	fileOffsetBase int64
	postAllocHook  func(context.Context) error
	hookOnce       bool
}

// virtualMemoryMap is an ordered, disjoint mapping from VA ranges to
// (file accessor, file offset) pairs, kept sorted by vaStart so lookup
// is a binary search (§4.2 "lookup is logarithmic in range count").
type virtualMemoryMap struct {
	ranges []*pageMapping
}

func newVirtualMemoryMap() *virtualMemoryMap {
	return &virtualMemoryMap{}
}

// mapPages registers a new range. va and size must be page-aligned;
// overlap with an existing range is a fatal MappingCollision (§4.2,
// §7: "VM map collisions ... are assertion failures").
func (vm *virtualMemoryMap) mapPages(va uint64, fileOffset int64, size uint64, handle *lazyHandle, postAllocHook func(context.Context) error) error {
	if va%pageSize != 0 || size%pageSize != 0 {
		return errors.Wrapf(ErrMalformed, "mapPages: va=%#x size=%#x not page-aligned", va, size)
	}
	end := va + size
	i := sort.Search(len(vm.ranges), func(i int) bool { return vm.ranges[i].vaStart >= va })
	if i > 0 && vm.ranges[i-1].vaEnd > va {
		return errors.Wrapf(ErrMappingCollision, "range [%#x,%#x) overlaps [%#x,%#x)", va, end, vm.ranges[i-1].vaStart, vm.ranges[i-1].vaEnd)
	}
	if i < len(vm.ranges) && vm.ranges[i].vaStart < end {
		return errors.Wrapf(ErrMappingCollision, "range [%#x,%#x) overlaps [%#x,%#x)", va, end, vm.ranges[i].vaStart, vm.ranges[i].vaEnd)
	}
	pm := &pageMapping{
		handle:         handle,
		vaStart:        va,
		vaEnd:          end,
		fileOffsetBase: fileOffset,
		postAllocHook:  postAllocHook,
	}
	vm.ranges = append(vm.ranges, nil)
	copy(vm.ranges[i+1:], vm.ranges[i:])
	vm.ranges[i] = pm
	return nil
}

// mappingAt finds the range containing address, if any.
func (vm *virtualMemoryMap) mappingAt(address uint64) (*pageMapping, int64, bool) {
	i := sort.Search(len(vm.ranges), func(i int) bool { return vm.ranges[i].vaEnd > address })
	if i == len(vm.ranges) || vm.ranges[i].vaStart > address {
		return nil, 0, false
	}
	pm := vm.ranges[i]
	return pm, int64(address-pm.vaStart) + pm.fileOffsetBase, true
}

func (vm *virtualMemoryMap) addressIsMapped(va uint64) bool {
	_, _, ok := vm.mappingAt(va)
	return ok
}

// runPostAllocHook invokes pm's hook exactly once, used by ILR to
// trigger lazy slide rewriting on first materialization of a file.
func (pm *pageMapping) runPostAllocHook(ctx context.Context) error {
	if pm.hookOnce || pm.postAllocHook == nil {
		return nil
	}
	pm.hookOnce = true
	return pm.postAllocHook(ctx)
}

func (vm *virtualMemoryMap) accessorAt(ctx context.Context, address uint64) (*fileAccessor, int64, error) {
	pm, off, ok := vm.mappingAt(address)
	if !ok {
		return nil, 0, errors.Wrapf(ErrMappingRead, "no mapping for va=%#x", address)
	}
	if err := pm.runPostAllocHook(ctx); err != nil {
		return nil, 0, err
	}
	fa, err := pm.handle.lock(ctx)
	if err != nil {
		return nil, 0, err
	}
	return fa, off, nil
}

func (vm *virtualMemoryMap) readU8(ctx context.Context, va uint64) (uint8, error) {
	fa, off, err := vm.accessorAt(ctx, va)
	if err != nil {
		return 0, err
	}
	return fa.readU8(off)
}

func (vm *virtualMemoryMap) readU16(ctx context.Context, va uint64) (uint16, error) {
	fa, off, err := vm.accessorAt(ctx, va)
	if err != nil {
		return 0, err
	}
	return fa.readU16(off)
}

func (vm *virtualMemoryMap) readU32(ctx context.Context, va uint64) (uint32, error) {
	fa, off, err := vm.accessorAt(ctx, va)
	if err != nil {
		return 0, err
	}
	return fa.readU32(off)
}

func (vm *virtualMemoryMap) readU64(ctx context.Context, va uint64) (uint64, error) {
	fa, off, err := vm.accessorAt(ctx, va)
	if err != nil {
		return 0, err
	}
	return fa.readU64(off)
}

func (vm *virtualMemoryMap) readCString(ctx context.Context, va uint64) (string, error) {
	fa, off, err := vm.accessorAt(ctx, va)
	if err != nil {
		return "", err
	}
	return fa.readCString(off)
}

// readBuffer reads length bytes starting at va; the read must not span
// a range boundary (§4.2 invariant).
func (vm *virtualMemoryMap) readBuffer(ctx context.Context, va uint64, length int64) ([]byte, error) {
	pm, off, ok := vm.mappingAt(va)
	if !ok {
		return nil, errors.Wrapf(ErrMappingRead, "no mapping for va=%#x", va)
	}
	if va+uint64(length) > pm.vaEnd {
		return nil, errors.Wrapf(ErrMappingRead, "read [%#x,+%d) spans range boundary at %#x", va, length, pm.vaEnd)
	}
	if err := pm.runPostAllocHook(ctx); err != nil {
		return nil, err
	}
	fa, err := pm.handle.lock(ctx)
	if err != nil {
		return nil, err
	}
	return fa.readSpan(off, length)
}
