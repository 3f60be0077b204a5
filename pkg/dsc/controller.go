package dsc

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/apex/log"
)

// LoadProgress mirrors the Controller API's get_load_progress states
// (§6).
type LoadProgress int

const (
	ProgressNotStarted LoadProgress = iota
	ProgressLoadingCaches
	ProgressLoadingImages
	ProgressFinished
)

// Controller is the public entry point of this package (§6 "Controller
// API"). One Controller is bound to one view (identified by ViewID) and
// shares a ViewSpecificState with any sibling Controller opened on the
// same view.
type Controller struct {
	ViewID string
	flags  Flags
	host   HostView

	vss      *viewSpecificState
	reg      *accessorRegistry
	vm       *virtualMemoryMap
	loader   *loaderState
	progress atomic.Int32
}

// Open attaches a Controller to a view backed by the shared cache at
// primaryPath (§6 "open(view) -> controller"). This runs CTP and
// populates State, then triggers LC_MAIN/LC_LOAD_DYLIB style header
// loads only for images requested afterward -- attach itself does not
// eagerly parse every Mach-O header.
func Open(ctx context.Context, viewID, primaryPath string, flags Flags, host HostView) (*Controller, error) {
	vss := globalViewRegistry.acquire(viewID)

	c := &Controller{ViewID: viewID, flags: flags, host: host, vss: vss}
	c.progress.Store(int32(ProgressNotStarted))

	if cached := vss.cached.Load(); cached != nil {
		if err := c.attachFromCachedState(ctx, cached); err != nil {
			return nil, err
		}
		c.progress.Store(int32(ProgressFinished))
		return c, nil
	}

	if blob, ok := host.LoadMetadata(metadataKey); ok {
		s, err := deserializeState(blob)
		if err != nil {
			log.WithError(err).Warn("dsc: persisted metadata invalid, reinitializing")
		} else {
			if aerr := c.attachFromCachedState(ctx, s); aerr == nil {
				s.markShared()
				vss.cached.Store(s)
				c.progress.Store(int32(ProgressFinished))
				return c, nil
			} else {
				log.WithError(aerr).Warn("dsc: could not reattach to persisted cache paths, reinitializing")
			}
		}
	}

	c.progress.Store(int32(ProgressLoadingCaches))
	vss.mutationLock.Lock()
	defer vss.mutationLock.Unlock()

	c.reg = newAccessorRegistry(flags)
	c.vm = newVirtualMemoryMap()

	topo, err := parseTopology(ctx, c.reg, primaryPath)
	if err != nil {
		return nil, err
	}

	if err := c.buildVMAndRegions(ctx, topo); err != nil {
		return nil, err
	}

	state := newControllerState()
	state.ViewState = ViewLoaded
	state.CacheFormat = topo.format
	state.BaseFilePath = topo.baseFilePath
	state.BackingCaches = topo.backingCaches
	state.ObjcOptsAddr, state.ObjcOptsSize = topo.objcOptsAddr, topo.objcOptsSize
	for _, s := range topo.imageStarts {
		state.ImageStarts[s.installName] = s.headerVA
		state.Images[s.installName] = &CacheImage{InstallName: s.installName, HeaderVA: s.headerVA}
	}
	state.StubIslands = toMemoryRegionPtrs(topo.stubIslands)
	state.DyldData = toMemoryRegionPtrs(topo.dyldData)
	state.NonImageRegions = toMemoryRegionPtrs(topo.nonImage)

	c.loader = &loaderState{
		backingCaches: topo.backingCaches,
		vm:            c.vm,
		reg:           c.reg,
		flags:         flags,
		host:          host,
		images:        state.Images,
		byHeaderVA:    make(map[uint64]*CacheImage),
		stubIslands:   state.StubIslands,
		dyldData:      state.DyldData,
		nonImage:      state.NonImageRegions,
		exportInfos:   state.ExportInfos,
		symbolInfos:   state.SymbolInfos,
	}
	c.assignImageRegions(topo)

	state.markShared()
	vss.cached.Store(state)
	c.persist(state)

	c.progress.Store(int32(ProgressLoadingImages))
	if flags.AutoLoadLibSystem {
		for name := range state.Images {
			if strings.Contains(name, "libsystem_c.dylib") {
				// mutationLock is already held here, so the loader is
				// called directly rather than through LoadImageWithInstallName.
				if _, err := c.loader.loadImage(ctx, name, false); err != nil {
					log.WithError(err).Warn("dsc: autoLoadLibSystem failed")
				} else {
					c.afterMutation()
				}
				break
			}
		}
	}
	c.progress.Store(int32(ProgressFinished))

	return c, nil
}

// attachFromCachedState rebuilds this Controller's process-local VM and
// loader from an already-built (or freshly deserialized) state, without
// re-running CTP (§8 scenario 6: "without re-parsing the cache files" —
// the mapping list is already known, only the mmaps themselves are
// process-local and must be re-opened).
func (c *Controller) attachFromCachedState(ctx context.Context, s *controllerState) error {
	c.reg = newAccessorRegistry(c.flags)
	c.vm = newVirtualMemoryMap()

	topo := &topologyResult{
		format:        s.CacheFormat,
		backingCaches: s.BackingCaches,
		baseFilePath:  s.BaseFilePath,
		objcOptsAddr:  s.ObjcOptsAddr,
		objcOptsSize:  s.ObjcOptsSize,
	}
	for _, bc := range s.BackingCaches {
		bc.fa = c.reg.open(bc.Path)
	}
	if err := c.buildVMAndRegions(ctx, topo); err != nil {
		return err
	}

	c.loader = &loaderState{
		backingCaches: s.BackingCaches,
		vm:            c.vm,
		reg:           c.reg,
		flags:         c.flags,
		host:          c.host,
		images:        s.Images,
		byHeaderVA:    make(map[uint64]*CacheImage),
		stubIslands:   s.StubIslands,
		dyldData:      s.DyldData,
		nonImage:      s.NonImageRegions,
		exportInfos:   s.ExportInfos,
		symbolInfos:   s.SymbolInfos,
	}
	for name, img := range s.Images {
		if len(img.Regions) == 0 {
			region := &MemoryRegion{PrettyName: name, VAStart: img.HeaderVA, Size: pageSize, Flags: RegionRead, Kind: RegionImageSegment, image: img}
			img.Regions = append(img.Regions, region)
		}
	}
	return nil
}

func toMemoryRegionPtrs(rs []MemoryRegion) []*MemoryRegion {
	out := make([]*MemoryRegion, len(rs))
	for i := range rs {
		out[i] = &rs[i]
	}
	return out
}

// buildVMAndRegions registers every backing cache's mappings in the VM
// map, wiring each range's post-alloc hook to lazy slide rewriting.
func (c *Controller) buildVMAndRegions(ctx context.Context, topo *topologyResult) error {
	for _, bc := range topo.backingCaches {
		bc := bc
		for _, m := range bc.Mappings {
			if m.Size == 0 {
				continue
			}
			handle := bc.fa
			hook := func(ctx context.Context) error {
				fa, err := handle.lock(ctx)
				if err != nil {
					return err
				}
				hdr, _, err := readCacheHeader(fa)
				if err != nil {
					// subcaches without a full header (e.g. .symbols)
					// carry no slide info of their own.
					fa.setSlideApplied(true)
					return nil
				}
				return applySlide(ctx, fa, hdr, bc.Mappings, bc.IsPrimary)
			}
			if err := c.vm.mapPages(m.VA, int64(m.FileOffset), m.Size, handle, hook); err != nil {
				return err
			}
		}
	}
	return nil
}

// assignImageRegions creates one MemoryRegion per image: a single
// region spanning the header page. Parsing the header later does not
// widen this region or add regions for the image's other segments.
func (c *Controller) assignImageRegions(topo *topologyResult) {
	for _, s := range topo.imageStarts {
		img := c.loader.images[s.installName]
		region := &MemoryRegion{
			PrettyName: s.installName,
			VAStart:    s.headerVA,
			Size:       pageSize,
			Flags:      RegionRead,
			Kind:       RegionImageSegment,
			image:      img,
		}
		img.Regions = append(img.Regions, region)
	}
}

func (c *Controller) persist(s *controllerState) {
	blob, err := serializeState(s)
	if err != nil {
		log.WithError(err).Warn("dsc: serialize state failed")
		return
	}
	if c.host == nil {
		return
	}
	if err := c.host.StoreMetadata(metadataKey, blob); err != nil {
		log.WithError(err).Warn("dsc: store metadata failed")
	}
}

// GetLoadProgress implements §6 "get_load_progress".
func (c *Controller) GetLoadProgress() LoadProgress {
	return LoadProgress(c.progress.Load())
}

// FastGetBackingCacheCount runs CTP format detection without building
// State (§6 "fast_get_backing_cache_count").
func FastGetBackingCacheCount(ctx context.Context, primaryPath string) (uint64, error) {
	reg := newAccessorRegistry(DefaultFlags())
	topo, err := parseTopology(ctx, reg, primaryPath)
	if err != nil {
		return 0, err
	}
	return uint64(len(topo.backingCaches)), nil
}

// LoadImageWithInstallName implements §6.
func (c *Controller) LoadImageWithInstallName(ctx context.Context, name string, skipObjc bool) (bool, error) {
	c.vss.mutationLock.Lock()
	defer c.vss.mutationLock.Unlock()
	ok, err := c.loader.loadImage(ctx, name, skipObjc)
	if err == nil {
		c.afterMutation()
	}
	return ok, err
}

// LoadSectionAtAddress implements §6.
func (c *Controller) LoadSectionAtAddress(ctx context.Context, va uint64) (bool, error) {
	c.vss.mutationLock.Lock()
	defer c.vss.mutationLock.Unlock()
	ok, err := c.loader.loadSectionAt(ctx, va)
	if err == nil {
		c.afterMutation()
	}
	return ok, err
}

// LoadImageContainingAddress implements §6.
func (c *Controller) LoadImageContainingAddress(ctx context.Context, va uint64, skipObjc bool) (bool, error) {
	c.vss.mutationLock.Lock()
	defer c.vss.mutationLock.Unlock()
	ok, err := c.loader.loadImageContainingAddress(ctx, va, skipObjc)
	if err == nil {
		c.afterMutation()
	}
	return ok, err
}

// AvailableImages implements §6.
func (c *Controller) AvailableImages() []string {
	out := make([]string, 0, len(c.loader.images))
	for name := range c.loader.images {
		out = append(out, name)
	}
	return out
}

// LoadAllSymbolsAndWait implements §6.
func (c *Controller) LoadAllSymbolsAndWait(ctx context.Context) ([]struct {
	InstallName string
	Symbol      ExportRecord
}, error) {
	var out []struct {
		InstallName string
		Symbol      ExportRecord
	}
	for name := range c.loader.images {
		if _, err := c.LoadImageWithInstallName(ctx, name, true); err != nil {
			return nil, err
		}
		img := c.loader.images[name]
		if img.header == nil {
			continue
		}
		for _, s := range c.loader.symbolInfos[img.header.TextBase] {
			out = append(out, struct {
				InstallName string
				Symbol      ExportRecord
			}{InstallName: name, Symbol: s})
		}
	}
	return out, nil
}

// NameForAddress implements §6 "name_for_address".
func (c *Controller) NameForAddress(va uint64) (string, bool) {
	for _, recs := range c.loader.symbolInfos {
		for _, r := range recs {
			if r.VA == va {
				return r.Name, true
			}
		}
	}
	for _, recs := range c.loader.exportInfos {
		for _, r := range recs {
			if r.VA == va {
				return r.Name, true
			}
		}
	}
	return "", false
}

// ImageNameForAddress implements §6 "image_name_for_address".
func (c *Controller) ImageNameForAddress(va uint64) (string, bool) {
	for name, img := range c.loader.images {
		for _, r := range img.Regions {
			if va >= r.VAStart && va < r.VAStart+r.Size {
				return name, true
			}
		}
	}
	return "", false
}

// BackingCaches implements §6.
func (c *Controller) BackingCaches() []*BackingCache { return c.loader.backingCaches }

// Images implements §6.
func (c *Controller) Images() []*CacheImage {
	out := make([]*CacheImage, 0, len(c.loader.images))
	for _, img := range c.loader.images {
		out = append(out, img)
	}
	return out
}

// MemoryRegions implements §6 "memory_regions".
func (c *Controller) MemoryRegions() []*MemoryRegion {
	var out []*MemoryRegion
	for _, img := range c.loader.images {
		out = append(out, img.Regions...)
	}
	out = append(out, c.loader.stubIslands...)
	out = append(out, c.loader.dyldData...)
	out = append(out, c.loader.nonImage...)
	return out
}

// FindSymbolAtAddrAndApplyToAddr implements §6.
func (c *Controller) FindSymbolAtAddrAndApplyToAddr(srcVA, dstVA uint64, triggerReanalysis bool) bool {
	name, ok := c.NameForAddress(srcVA)
	if !ok || c.host == nil {
		return false
	}
	if err := c.host.DefineSymbol(dstVA, name, ExportData, false); err != nil {
		return false
	}
	if triggerReanalysis {
		_ = c.host.RequestFunction(dstVA)
	}
	return true
}

// ProcessObjcSectionsForInstallName implements §6.
func (c *Controller) ProcessObjcSectionsForInstallName(name string) error {
	img, ok := c.loader.images[name]
	if !ok || img.header == nil || c.loader.objc == nil {
		return nil
	}
	return c.loader.objc.ProcessImage(name, img.header)
}

// ProcessAllObjcSections implements §6.
func (c *Controller) ProcessAllObjcSections() error {
	if c.loader.objc == nil {
		return nil
	}
	return c.loader.objc.ProcessAllLoaded()
}

// afterMutation re-serializes and installs the fresh snapshot (§4.8
// "After every logical mutation ... serializes the State ... and
// atomically installs the fresh snapshot").
func (c *Controller) afterMutation() {
	cur := c.vss.cached.Load()
	if cur == nil {
		return
	}
	next := cur.willMutate()
	next.markShared()
	c.vss.cached.Store(next)
	c.persist(next)
}

// Close releases this Controller's reference to its view's shared
// state. §5's "release semantics" defers the actual teardown onto a
// worker goroutine so undo rollback in the host view cannot deadlock
// against file locks held during accessor teardown.
func (c *Controller) Close() {
	go func() {
		globalViewRegistry.release(c.ViewID)
		if c.reg != nil {
			c.reg.drain()
		}
	}()
}

// ---- SPEC_FULL.md read-only additions -----------------------------

// CacheFormat returns the already-detected format without re-parsing
// (SPEC_FULL.md §6 additions).
func (c *Controller) CacheFormat() CacheFormat {
	if s := c.vss.cached.Load(); s != nil {
		return s.CacheFormat
	}
	return FormatRegular
}

// BackingCachePaths returns every opened backing file path, primary
// first (SPEC_FULL.md §6 additions).
func (c *Controller) BackingCachePaths() []string {
	out := make([]string, 0, len(c.loader.backingCaches))
	for _, bc := range c.loader.backingCaches {
		out = append(out, bc.Path)
	}
	return out
}

// MappingsForCache returns the raw mapping list for one backing file
// (SPEC_FULL.md §6 additions).
func (c *Controller) MappingsForCache(path string) []CacheMapping {
	if bc := findBackingCache(c.loader.backingCaches, path); bc != nil {
		return bc.Mappings
	}
	return nil
}

// IsLoaded reports whether every region of the named image has already
// been materialized, without triggering a load (SPEC_FULL.md §6
// additions).
func (c *Controller) IsLoaded(installName string) bool {
	img, ok := c.loader.images[installName]
	if !ok || len(img.Regions) == 0 {
		return false
	}
	for _, r := range img.Regions {
		if !r.isLoaded() {
			return false
		}
	}
	return true
}
