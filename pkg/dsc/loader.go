package dsc

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// RegionFlags is the R/W/X/deny-w/deny-x flag set of §3 "Memory region".
type RegionFlags int

const (
	RegionRead RegionFlags = 1 << iota
	RegionWrite
	RegionExecute
	RegionDenyWrite
	RegionDenyExecute
)

// RegionKind categorizes a MemoryRegion per §3.
type RegionKind int

const (
	RegionImageSegment RegionKind = iota
	RegionStubIsland
	RegionDyldData
	RegionNonImage
)

// MemoryRegion is a materializable unit (§3 "Memory region").
type MemoryRegion struct {
	PrettyName string
	VAStart    uint64
	Size       uint64
	Flags      RegionFlags
	Kind       RegionKind

	mu                    sync.Mutex
	Loaded                bool
	RawViewOffset         int64
	HeaderInitialized     bool

	image *CacheImage // set for RegionImageSegment
	seg   *Segment    // backing Mach-O segment, when known
}

func (r *MemoryRegion) isLoaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Loaded
}

// CacheImage is one Mach-O image within the cache (§3 "CacheImage").
type CacheImage struct {
	InstallName string
	HeaderVA    uint64
	Regions     []*MemoryRegion

	mu     sync.Mutex
	header *MachHeader
}

// loaderState holds the pieces of Controller State that ILR reads and
// mutates (§4.7). The Controller holds it next to its controllerState
// (state.go); its image map, region slices and export/symbol maps are
// taken from that state when the Controller attaches.
type loaderState struct {
	backingCaches []*BackingCache
	vm            *virtualMemoryMap
	reg           *accessorRegistry
	flags         Flags
	host          HostView
	objc          ObjCProcessor
	cfstrings     CFStringProcessor

	images      map[string]*CacheImage // by install name
	byHeaderVA  map[uint64]*CacheImage
	stubIslands []*MemoryRegion
	dyldData    []*MemoryRegion
	nonImage    []*MemoryRegion

	regionsMappedIntoMemory []*MemoryRegion

	exportInfos map[uint64][]ExportRecord // keyed by text base
	symbolInfos map[uint64][]ExportRecord // keyed by text base
}

// findBackingCache returns the backing cache whose path is path, or nil
// if there is none.
func findBackingCache(caches []*BackingCache, path string) *BackingCache {
	for _, c := range caches {
		if c.Path == path {
			return c
		}
	}
	return nil
}

// loadImage is ILR's `load_image` (§4.7).
func (ls *loaderState) loadImage(ctx context.Context, installName string, skipObjc bool) (bool, error) {
	img, ok := ls.images[installName]
	if !ok {
		return false, errors.Errorf("dsc: no such image %q", installName)
	}

	img.mu.Lock()
	defer img.mu.Unlock()

	var newlyLoaded []*MemoryRegion
	for _, region := range img.Regions {
		if region.isLoaded() {
			continue
		}
		if strings.Contains(region.PrettyName, "__LINKEDIT") && !ls.flags.AllowLoadingLinkeditSegments {
			continue
		}
		if err := ls.materializeRegion(ctx, region); err != nil {
			return false, err
		}
		newlyLoaded = append(newlyLoaded, region)
	}

	if len(newlyLoaded) == 0 {
		return true, nil
	}

	header, err := loadHeader(ctx, ls.vm, img.HeaderVA, installName)
	if err != nil {
		return false, err
	}
	img.header = header
	ls.resplitAgainstSegments(header)

	if err := ls.initializeHeader(ctx, img, header, newlyLoaded); err != nil {
		return false, err
	}

	if !skipObjc && ls.flags.ProcessObjC && ls.objc != nil {
		if err := ls.objc.ProcessImage(installName, header); err != nil {
			log.WithField("image", installName).WithError(err).Warn("dsc: objc post-processing failed")
		}
	}
	if ls.flags.ProcessCFStrings && ls.cfstrings != nil {
		if err := ls.cfstrings.ProcessImage(installName, header); err != nil {
			log.WithField("image", installName).WithError(err).Warn("dsc: cfstring post-processing failed")
		}
	}

	return true, nil
}

// materializeRegion runs SR on the backing file, reads the region's
// bytes through VM, and establishes the host-view segment (§4.7).
func (ls *loaderState) materializeRegion(ctx context.Context, region *MemoryRegion) error {
	region.mu.Lock()
	defer region.mu.Unlock()
	if region.Loaded {
		return nil
	}

	data, err := ls.vm.readBuffer(ctx, region.VAStart, int64(region.Size))
	if err != nil {
		return err
	}

	if ls.host != nil {
		ls.host.BeginUndoActions()
		defer ls.host.CommitUndoActions()

		off, err := ls.host.WriteAt(data)
		if err != nil {
			return err
		}
		if err := ls.host.AddSegment(region.VAStart, region.Size, off, region.Flags); err != nil {
			return err
		}
		region.RawViewOffset = off
	}

	region.Loaded = true
	ls.regionsMappedIntoMemory = append(ls.regionsMappedIntoMemory, region)
	log.WithField("region", region.PrettyName).WithField("va", fmt.Sprintf("%#x", region.VAStart)).Debug("dsc: materialized region")
	return nil
}

// loadSectionAt is `load_section_at` (§4.7): searches image regions,
// then stub islands, dyld-data, then non-image regions.
func (ls *loaderState) loadSectionAt(ctx context.Context, va uint64) (bool, error) {
	for _, img := range ls.images {
		for _, region := range img.Regions {
			if va >= region.VAStart && va < region.VAStart+region.Size {
				if region.isLoaded() {
					return true, nil
				}
				if err := ls.materializeRegion(ctx, region); err != nil {
					return false, err
				}
				return true, nil
			}
		}
	}
	for _, group := range [][]*MemoryRegion{ls.stubIslands, ls.dyldData, ls.nonImage} {
		for _, region := range group {
			if va >= region.VAStart && va < region.VAStart+region.Size {
				if region.isLoaded() {
					return true, nil
				}
				if err := ls.materializeRegion(ctx, region); err != nil {
					return false, err
				}
				return true, nil
			}
		}
	}
	return false, nil
}

// loadImageContainingAddress delegates to loadImage after finding the
// header whose region contains va (§4.7 "load_image_containing").
func (ls *loaderState) loadImageContainingAddress(ctx context.Context, va uint64, skipObjc bool) (bool, error) {
	for name, img := range ls.images {
		for _, region := range img.Regions {
			if va >= region.VAStart && va < region.VAStart+region.Size {
				return ls.loadImage(ctx, name, skipObjc)
			}
		}
	}
	return false, nil
}

// initializeHeader is §4.7.1: defines sections/data variables in
// newly-loaded regions and, when LINKEDIT is available, decodes
// function starts, symtab, and the export trie.
func (ls *loaderState) initializeHeader(ctx context.Context, img *CacheImage, header *MachHeader, newlyLoaded []*MemoryRegion) error {
	inNewRegion := func(addr uint64) bool {
		for _, r := range newlyLoaded {
			if addr >= r.VAStart && addr < r.VAStart+r.Size {
				return true
			}
		}
		return false
	}

	for _, seg := range header.Segments {
		for _, sect := range seg.Sections {
			if sect.Size == 0 || sect.Initialized || !inNewRegion(sect.Addr) {
				continue
			}
			semantics, kind := classifySection(seg.Name, sect)
			if ls.host != nil {
				if err := ls.host.AddSection(header.IdentifierPrefix+"::"+sect.Name, sect.Addr, sect.Size, semantics, kind, sect.Align); err != nil {
					return err
				}
			}
		}
	}

	headerRegionNew := inNewRegion(header.TextBase)
	if headerRegionNew && ls.host != nil {
		ls.host.DefineDataVariable(header.TextBase, header.IdentifierPrefix+"::mach_header", 32)
	}

	linkeditLoaded := (header.LinkeditSegment != nil && regionCoversRange(newlyLoaded, header.LinkeditSegment.VMAddr, header.LinkeditSegment.VMSize)) || linkeditAlreadyLoaded(img)

	if header.FunctionStarts != nil && header.FunctionStarts.Present && linkeditLoaded && ls.flags.ProcessFunctionStarts {
		if err := ls.decodeFunctionStarts(ctx, header, inNewRegion); err != nil {
			log.WithError(err).Warn("dsc: function starts decode failed")
		}
	}

	if header.Symtab != nil && header.Symtab.Present && linkeditLoaded {
		syms, err := ls.decodeSymtab(ctx, header)
		if err != nil {
			log.WithError(err).Warn("dsc: symtab decode failed")
		} else {
			ls.symbolInfos[header.TextBase] = syms
			for _, s := range syms {
				if ls.host != nil {
					ls.host.DefineSymbol(s.VA, s.Name, s.Kind, s.Kind == ExportExternal)
				}
			}
		}
	}

	if header.ExportTrie != nil && header.ExportTrie.Present && linkeditLoaded {
		exports, err := ls.decodeExportTrie(ctx, header)
		if err != nil {
			log.WithError(err).Warn("dsc: export trie decode failed")
		} else {
			ls.exportInfos[header.TextBase] = exports
			for _, e := range exports {
				name := e.Name
				if ls.host != nil {
					ls.host.DefineSymbol(e.VA, name, e.Kind, false)
					ls.applyObjcCallingConvention(e.VA, name)
				}
			}
		}
	}

	for _, r := range newlyLoaded {
		r.mu.Lock()
		r.HeaderInitialized = true
		r.mu.Unlock()
	}
	return nil
}

// applyObjcCallingConvention implements the two named special cases in
// §4.7.1: `_objc_msgSend` is forced non-variadic, and
// `_objc_retain_x<N>` / `_objc_release_x<N>` are bound to a calling
// convention that passes their single `id` argument in register x<N>.
func (ls *loaderState) applyObjcCallingConvention(va uint64, name string) {
	if name == "_objc_msgSend" {
		if err := ls.host.SetNonVariadic(va); err != nil {
			log.WithError(err).Debug("dsc: SetNonVariadic(_objc_msgSend) failed")
		}
		return
	}
	if reg, ok := objcRetainReleaseRegister(name); ok {
		if err := ls.host.SetCallingConvention(va, reg, "id"); err != nil {
			log.WithField("symbol", name).WithError(err).Debug("dsc: SetCallingConvention failed")
		}
	}
}

// objcRetainReleaseRegister parses `_objc_retain_x<N>` / `_objc_release_x<N>`
// and returns N.
func objcRetainReleaseRegister(name string) (int, bool) {
	var rest string
	switch {
	case strings.HasPrefix(name, "_objc_retain_x"):
		rest = strings.TrimPrefix(name, "_objc_retain_x")
	case strings.HasPrefix(name, "_objc_release_x"):
		rest = strings.TrimPrefix(name, "_objc_release_x")
	default:
		return 0, false
	}
	if rest == "" {
		return 0, false
	}
	n := 0
	for _, c := range rest {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// resplitAgainstSegments re-runs CTP's disjointness trim (§4.3, §8)
// against an image's real segment ranges, now that MHL has parsed
// them. Called once per image the first time its header is loaded;
// the page-granularity trim splitAgainstImages already applied at
// attach time is a subset of what a full segment range removes, so
// this only ever shrinks stubIslands/dyldData/nonImage further.
func (ls *loaderState) resplitAgainstSegments(header *MachHeader) {
	for _, seg := range header.Segments {
		if seg.VMSize == 0 {
			continue
		}
		exStart, exEnd := seg.VMAddr, seg.VMAddr+seg.VMSize
		ls.stubIslands = splitPtrRegions(ls.stubIslands, exStart, exEnd)
		ls.dyldData = splitPtrRegions(ls.dyldData, exStart, exEnd)
		ls.nonImage = splitPtrRegions(ls.nonImage, exStart, exEnd)
	}
}

// splitPtrRegions is splitValueRegions (topology.go) for the
// pointer-slice regions loaderState tracks after attach.
func splitPtrRegions(regions []*MemoryRegion, exStart, exEnd uint64) []*MemoryRegion {
	var out []*MemoryRegion
	for _, r := range regions {
		rStart, rEnd := r.VAStart, r.VAStart+r.Size
		if exEnd <= rStart || exStart >= rEnd {
			out = append(out, r)
			continue
		}
		if exStart > rStart {
			out = append(out, &MemoryRegion{PrettyName: r.PrettyName, VAStart: rStart, Size: exStart - rStart, Flags: r.Flags, Kind: r.Kind})
		}
		if exEnd < rEnd {
			out = append(out, &MemoryRegion{PrettyName: r.PrettyName, VAStart: exEnd, Size: rEnd - exEnd, Flags: r.Flags, Kind: r.Kind})
		}
	}
	return out
}

func linkeditAlreadyLoaded(img *CacheImage) bool {
	for _, r := range img.Regions {
		if strings.Contains(r.PrettyName, "__LINKEDIT") && r.isLoaded() {
			return true
		}
	}
	return false
}

func regionCoversRange(regions []*MemoryRegion, va, size uint64) bool {
	for _, r := range regions {
		if va >= r.VAStart && va+size <= r.VAStart+r.Size {
			return true
		}
	}
	return false
}

// classifySection implements the §4.7.1 section-flag mapping.
func classifySection(segName string, sect Section) (SectionSemantics, string) {
	switch sect.Name {
	case "__text":
		return SemanticsReadOnlyCode, "regular"
	case "__const":
		return SemanticsReadOnlyData, "regular"
	case "__data":
		return SemanticsReadWriteData, "regular"
	}
	if segName == "__DATA_CONST" {
		return SemanticsReadOnlyData, "regular"
	}

	switch sect.sectionType() {
	case sectZerofill, sectThreadLocalZerofill:
		return SemanticsReadWriteData, "zerofill"
	case sectCStringLiterals:
		return SemanticsReadOnlyData, "cstring"
	case sectNonLazySymbolPointers, sectLazySymbolPointers:
		return SemanticsReadWriteData, "symbol_pointer"
	case sectSymbolStubs:
		return SemanticsReadOnlyCode, "symbol_stub"
	case sectThreadLocalRegular:
		return SemanticsReadWriteData, "thread_local"
	case sectThreadLocalVariables:
		return SemanticsReadWriteData, "thread_local_variable"
	default:
		return SemanticsDefault, "regular"
	}
}

// decodeFunctionStarts decodes the ULEB128 delta stream (§4.7.1).
func (ls *loaderState) decodeFunctionStarts(ctx context.Context, header *MachHeader, inNewRegion func(uint64) bool) error {
	buf, err := ls.vm.readBuffer(ctx, header.LinkeditSegment.VMAddr+uint64(header.FunctionStarts.Off)-header.LinkeditSegment.FileOff, int64(header.FunctionStarts.Size))
	if err != nil {
		return err
	}
	addr := header.TextBase
	var off uint64
	for off < uint64(len(buf)) {
		delta, n, err := readUleb128(buf, off)
		if err != nil {
			return err
		}
		off += n
		if delta == 0 {
			continue
		}
		addr += delta
		if inNewRegion(addr) && ls.host != nil {
			if err := ls.host.RequestFunction(addr); err != nil {
				log.WithError(err).Debug("dsc: RequestFunction failed")
			}
		}
	}
	return nil
}

// nlist64 mirrors the on-disk symtab entry consulted by decodeSymtab.
type nlist64 struct {
	StrX  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

const (
	nTypeMask  = 0x0e
	nExt       = 0x01
	nStab      = 0xe0
	nIndr      = 0xa
	nArmThumb  = 0x0008
)

// decodeSymtab implements the symtab portion of §4.7.1.
func (ls *loaderState) decodeSymtab(ctx context.Context, header *MachHeader) ([]ExportRecord, error) {
	le := header.LinkeditSegment
	symBase := le.VMAddr + uint64(header.Symtab.SymOff) - le.FileOff
	strBase := le.VMAddr + uint64(header.Symtab.StrOff) - le.FileOff

	var out []ExportRecord
	for i := uint32(0); i < header.Symtab.NSyms; i++ {
		base := symBase + uint64(i)*16
		strx, err := ls.vm.readU32(ctx, base)
		if err != nil {
			break
		}
		typ, err := ls.vm.readU8(ctx, base+4)
		if err != nil {
			break
		}
		desc, err := ls.vm.readU16(ctx, base+6)
		if err != nil {
			break
		}
		value, err := ls.vm.readU64(ctx, base+8)
		if err != nil {
			break
		}

		if typ&nStab != 0 || typ&nTypeMask == nIndr {
			continue
		}
		name, err := ls.vm.readCString(ctx, strBase+uint64(strx))
		if err != nil || name == "" || name == "<redacted>" {
			continue
		}

		if desc&nArmThumb != 0 {
			value++
		}

		kind := ExportData
		if typ&nExt != 0 && typ&nTypeMask == 0 {
			kind = ExportExternal
		} else if ls.host != nil && ls.host.HasFunctionAt(value) {
			kind = ExportFunction
		}
		out = append(out, ExportRecord{VA: value, Kind: kind, Name: name})
	}
	return out, nil
}

// decodeExportTrie implements the trie-walking portion of §4.7.1; the
// caller (initializeHeader, via applyObjcCallingConvention) applies the
// _objc_msgSend / _objc_retain_x<N> / _objc_release_x<N> special cases
// to each resolved record.
func (ls *loaderState) decodeExportTrie(ctx context.Context, header *MachHeader) ([]ExportRecord, error) {
	le := header.LinkeditSegment
	buf, err := ls.vm.readBuffer(ctx, le.VMAddr+uint64(header.ExportTrie.Off)-le.FileOff, int64(header.ExportTrie.Size))
	if err != nil {
		return nil, err
	}
	hasFn := func(va uint64) bool { return ls.host != nil && ls.host.HasFunctionAt(va) }
	sectionIsCode := func(va uint64) bool {
		for _, seg := range header.Segments {
			for _, s := range seg.Sections {
				if va >= s.Addr && va < s.Addr+s.Size {
					return s.Flags&sectAttrPureInstructions != 0 || s.Flags&sectAttrSomeInstructions != 0
				}
			}
		}
		return false
	}
	return walkExportTrie(buf, header.TextBase, hasFn, sectionIsCode)
}
