package dsc

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// CacheMapping is a public projection of one dyld_cache_mapping_info
// entry (§3 "Backing cache").
type CacheMapping struct {
	VA         uint64
	Size       uint64
	FileOffset uint64
	MaxProt    uint32
	InitProt   uint32
}

// BackingCache is one file contributing to the unified DSC address
// space (§3).
type BackingCache struct {
	Path      string
	IsPrimary bool
	Ext       string
	Mappings  []CacheMapping

	fa *lazyHandle
}

// imageStart is `install_name -> header_va` (§3).
type imageStart struct {
	installName string
	headerVA    uint64
}

// topologyResult is everything the Cache Topology Parser produces from
// a single attach (§4.3).
type topologyResult struct {
	format         CacheFormat
	backingCaches  []*BackingCache
	imageStarts    []imageStart
	stubIslands    []MemoryRegion
	dyldData       []MemoryRegion
	nonImage       []MemoryRegion
	objcOptsAddr   uint64
	objcOptsSize   uint64
	baseFilePath   string
}

// parseTopology implements CTP end to end: classify format, enumerate
// subcaches, collect image starts and branch-pool islands, then split
// non-image/dyld-data regions against image segments (§4.3).
func parseTopology(ctx context.Context, reg *accessorRegistry, primaryPath string) (*topologyResult, error) {
	if _, err := os.Stat(primaryPath); err != nil {
		return nil, errors.Wrapf(ErrMissingFile, "%s", primaryPath)
	}

	primaryHandle := reg.open(primaryPath)
	primaryFA, err := primaryHandle.lock(ctx)
	if err != nil {
		return nil, err
	}

	hdr, _, err := readCacheHeader(primaryFA)
	if err != nil {
		return nil, err
	}
	if !hdr.Magic.hasDyldPrefix() {
		return nil, errors.Wrapf(ErrMalformed, "%s: bad magic %q", primaryPath, hdr.Magic.String())
	}

	format := classifyFormat(hdr, primaryPath)
	log.WithField("path", primaryPath).WithField("format", format.String()).Debug("dsc: classified cache format")

	res := &topologyResult{format: format, baseFilePath: primaryPath}

	primary := &BackingCache{Path: primaryPath, IsPrimary: true, fa: primaryHandle}
	if err := readMappingList(primaryFA, hdr, primary); err != nil {
		return nil, err
	}
	res.backingCaches = append(res.backingCaches, primary)

	subPaths, err := subcachePaths(primaryFA, hdr, primaryPath, format)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	subs := make([]*BackingCache, len(subPaths))
	for i, sp := range subPaths {
		i, sp := i, sp
		g.Go(func() error {
			h := reg.open(sp.path)
			fa, err := h.lock(gctx)
			if err != nil {
				return err
			}
			bc := &BackingCache{Path: sp.path, IsPrimary: false, Ext: sp.ext, fa: h}
			shdr, _, err := readCacheHeader(fa)
			if err == nil && shdr.Magic.hasDyldPrefix() {
				if merr := readMappingList(fa, shdr, bc); merr != nil {
					return merr
				}
			} else {
				// .symbols and some legacy subcaches don't carry a full
				// header; fall back to treating the whole file as one
				// mapping at VA 0. The subcache entry's recorded VM
				// offset is not used here.
				bc.Mappings = []CacheMapping{{VA: 0, Size: uint64(fa.size()), FileOffset: 0}}
			}
			subs[i] = bc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res.backingCaches = append(res.backingCaches, subs...)

	starts, err := readImageStarts(primaryFA, hdr, format)
	if err != nil {
		return nil, err
	}
	res.imageStarts = starts

	res.stubIslands = branchPoolIslands(primaryFA, hdr)

	for _, bc := range subs {
		if len(bc.Mappings) == 1 && !hasImagesIn(starts, bc.Mappings[0]) {
			region := MemoryRegion{
				PrettyName: filepath.Base(bc.Path),
				VAStart:    bc.Mappings[0].VA,
				Size:       bc.Mappings[0].Size,
			}
			if strings.Contains(bc.Path, ".dylddata") {
				region.Flags = RegionRead
				res.dyldData = append(res.dyldData, region)
			} else {
				region.Flags = RegionRead | RegionExecute
				res.stubIslands = append(res.stubIslands, region)
			}
		}
	}

	res.objcOptsAddr = hdr.ObjcOptsOffset
	res.objcOptsSize = hdr.ObjcOptsSize

	res.nonImage = collectNonImageRegions(res.backingCaches, starts)
	res.nonImage, res.dyldData = splitAgainstImages(res.nonImage, res.dyldData, starts)

	log.Debugf("dsc: %d backing caches, %d images, %s total mapped",
		len(res.backingCaches), len(starts), humanize.Bytes(totalMappedBytes(res.backingCaches)))

	return res, nil
}

func totalMappedBytes(caches []*BackingCache) uint64 {
	var n uint64
	for _, c := range caches {
		for _, m := range c.Mappings {
			n += m.Size
		}
	}
	return n
}

// readCacheHeader reads and decodes the fixed-size dyld_cache_header
// prefix of fa.
var cacheHeaderSize = binary.Size(cacheHeader{})

func readCacheHeader(fa *fileAccessor) (cacheHeader, []byte, error) {
	n := cacheHeaderSize
	if int64(n) > fa.size() {
		n = int(fa.size())
	}
	raw, err := fa.readSpan(0, int64(n))
	if err != nil {
		return cacheHeader{}, nil, err
	}
	var hdr cacheHeader
	buf := make([]byte, cacheHeaderSize)
	copy(buf, raw)
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &hdr); err != nil {
		return cacheHeader{}, nil, errors.Wrap(ErrMalformed, err.Error())
	}
	return hdr, raw, nil
}

// headerLongEnoughThreshold approximates sizeof(dyld_cache_header) for
// the last format revision that used the legacy images_offset_old
// fields exclusively. dyld always sets mapping_offset to the size of
// the header it wrote, so mapping_offset itself is the signal for
// "header long enough", not the file's total size.
const headerLongEnoughThreshold = 0x1a0

// classifyFormat implements the §4.3 classification table.
func classifyFormat(hdr cacheHeader, primaryPath string) CacheFormat {
	longEnough := hdr.MappingOffset >= headerLongEnoughThreshold

	if hdr.CacheType == 2 && longEnough {
		return FormatIOS16
	}
	_, statErr := os.Stat(primaryPath + ".01")
	hasSibling01 := statErr == nil
	if !longEnough {
		return FormatRegular
	}
	if hasSibling01 {
		return FormatLarge
	}
	return FormatSplit
}

type subcachePath struct {
	path string
	ext  string
}

// subcachePaths derives sibling file paths per format (§4.3 item 4,
// §6 "dyld_subcache_entry2 ... resolve subcache paths").
func subcachePaths(fa *fileAccessor, hdr cacheHeader, primaryPath string, format CacheFormat) ([]subcachePath, error) {
	var out []subcachePath

	switch format {
	case FormatLarge, FormatIOS16:
		if hdr.SubCacheArrayCount > 0 {
			const entrySize = 16 + 8 + 32 // uuid[16]+addr(8)+ext[32] but stored per §6 layout below
			_ = entrySize
			for i := uint32(0); i < hdr.SubCacheArrayCount; i++ {
				off := int64(hdr.SubCacheArrayOffset) + int64(i)*int64(subcacheEntrySize)
				raw, err := fa.readSpan(off, int64(subcacheEntrySize))
				if err != nil {
					return nil, err
				}
				var e subcacheEntry
				if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &e); err != nil {
					return nil, errors.Wrap(ErrMalformed, err.Error())
				}
				ext := e.extension()
				if ext == "" {
					ext = fmt.Sprintf(".%d", i+1)
				} else if !strings.HasPrefix(ext, ".") {
					ext = "." + ext
				}
				out = append(out, subcachePath{path: primaryPath + ext, ext: ext})
			}
		}
	case FormatSplit:
		for i := uint32(1); i <= hdr.SubCacheArrayCount; i++ {
			ext := fmt.Sprintf(".%d", i)
			out = append(out, subcachePath{path: primaryPath + ext, ext: ext})
		}
	case FormatRegular:
		// no subcaches
	}

	if _, err := os.Stat(primaryPath + ".symbols"); err == nil {
		out = append(out, subcachePath{path: primaryPath + ".symbols", ext: ".symbols"})
	}
	return out, nil
}

const subcacheEntrySize = 16 + 8 + 32

// readMappingList reads the primary mapping table for a header (§4.3
// item 1, §6 dyld_cache_mapping_info layout).
func readMappingList(fa *fileAccessor, hdr cacheHeader, bc *BackingCache) error {
	const mappingSize = 8 + 8 + 8 + 4 + 4
	for i := uint32(0); i < hdr.MappingCount; i++ {
		off := int64(hdr.MappingOffset) + int64(i)*mappingSize
		raw, err := fa.readSpan(off, mappingSize)
		if err != nil {
			return err
		}
		var m cacheMappingInfo
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &m); err != nil {
			return errors.Wrap(ErrMalformed, err.Error())
		}
		bc.Mappings = append(bc.Mappings, CacheMapping{
			VA: m.Address, Size: m.Size, FileOffset: m.FileOffset,
			MaxProt: m.MaxProt, InitProt: m.InitProt,
		})
	}
	return nil
}

// readImageStarts implements §4.3 item 2.
func readImageStarts(fa *fileAccessor, hdr cacheHeader, format CacheFormat) ([]imageStart, error) {
	imagesOffset, count := hdr.ImagesOffset, hdr.ImagesCount
	if format == FormatRegular || count == 0 {
		imagesOffset, count = hdr.ImagesOffsetOld, hdr.ImagesCountOld
	}
	const entrySize = 8 + 8 + 8 + 4 + 4
	out := make([]imageStart, 0, count)
	for i := uint32(0); i < count; i++ {
		off := int64(imagesOffset) + int64(i)*entrySize
		raw, err := fa.readSpan(off, entrySize)
		if err != nil {
			return nil, err
		}
		var img cacheImageInfo
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &img); err != nil {
			return nil, errors.Wrap(ErrMalformed, err.Error())
		}
		name, err := fa.readCString(int64(img.PathFileOffset))
		if err != nil {
			return nil, err
		}
		out = append(out, imageStart{installName: name, headerVA: img.Address})
	}
	return out, nil
}

// branchPoolIslands implements §4.3 item 3 for the pseudo-image style
// of branch pool: names them but leaves the MHL invocation to ILR.
func branchPoolIslands(fa *fileAccessor, hdr cacheHeader) []MemoryRegion {
	var out []MemoryRegion
	for i := uint32(0); i < hdr.BranchPoolsCount; i++ {
		off := int64(hdr.BranchPoolsOffset) + int64(i)*8
		va, err := fa.readU64(off)
		if err != nil {
			continue
		}
		out = append(out, MemoryRegion{
			PrettyName: fmt.Sprintf("dyld_shared_cache_branch_islands_%d", i),
			VAStart:    va,
			Flags:      RegionRead | RegionExecute,
		})
	}
	return out
}

func hasImagesIn(starts []imageStart, m CacheMapping) bool {
	for _, s := range starts {
		if s.headerVA >= m.VA && s.headerVA < m.VA+m.Size {
			return true
		}
	}
	return false
}

// collectNonImageRegions turns raw backing-cache mappings that contain
// no image start into candidate non-image regions (§4.3 "After
// collecting raw non-image regions...").
func collectNonImageRegions(caches []*BackingCache, starts []imageStart) []MemoryRegion {
	var out []MemoryRegion
	for _, bc := range caches {
		for _, m := range bc.Mappings {
			if hasImagesIn(starts, m) {
				continue
			}
			out = append(out, MemoryRegion{
				PrettyName: filepath.Base(bc.Path),
				VAStart:    m.VA,
				Size:       m.Size,
				Flags:      protToFlags(m.InitProt),
			})
		}
	}
	return out
}

func protToFlags(prot uint32) RegionFlags {
	var f RegionFlags
	if prot&vmProtRead != 0 {
		f |= RegionRead
	}
	if prot&vmProtWrite != 0 {
		f |= RegionWrite
	}
	if prot&vmProtExecute != 0 {
		f |= RegionExecute
	}
	return f
}

// splitAgainstImages is CTP's first disjointness pass (§4.3, §8
// "no dyld-data region overlaps any image segment; no non-image region
// overlaps any image segment"). At attach time no Mach-O header has
// been parsed yet, so the only known image extent is the header page
// itself; this trims that page out of any overlapping dyld-data or
// non-image region. Once MHL parses an image's real load commands,
// loaderState.resplitAgainstSegments (loader.go) re-runs the same
// trim against the image's actual segment ranges, which are usually
// wider than one page.
func splitAgainstImages(nonImage, dyldData []MemoryRegion, starts []imageStart) ([]MemoryRegion, []MemoryRegion) {
	for _, s := range starts {
		pageStart := s.headerVA &^ uint64(pageSize-1)
		pageEnd := pageStart + pageSize
		nonImage = splitValueRegions(nonImage, pageStart, pageEnd)
		dyldData = splitValueRegions(dyldData, pageStart, pageEnd)
	}
	return nonImage, dyldData
}

// splitValueRegions removes the [exStart, exEnd) range from every
// region in regions, keeping the surviving before/after slivers.
func splitValueRegions(regions []MemoryRegion, exStart, exEnd uint64) []MemoryRegion {
	var out []MemoryRegion
	for _, r := range regions {
		rStart, rEnd := r.VAStart, r.VAStart+r.Size
		if exEnd <= rStart || exStart >= rEnd {
			out = append(out, r)
			continue
		}
		if exStart > rStart {
			out = append(out, MemoryRegion{PrettyName: r.PrettyName, VAStart: rStart, Size: exStart - rStart, Flags: r.Flags, Kind: r.Kind})
		}
		if exEnd < rEnd {
			out = append(out, MemoryRegion{PrettyName: r.PrettyName, VAStart: exEnd, Size: rEnd - exEnd, Flags: r.Flags, Kind: r.Kind})
		}
	}
	return out
}
