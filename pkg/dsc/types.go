package dsc

import (
	"fmt"
	"math/bits"
	"strings"
)

// pageSize is the fixed page size (§3, "page-aligned to a fixed page size")
// slide info and the virtual memory map are built against.
const pageSize = 4096

// magic16 is the leading 16-byte magic of a primary cache file, e.g.
// "dyld_v1  arm64e".
type magic16 [16]byte

func (m magic16) String() string {
	return strings.Trim(string(m[:]), "\x00")
}

func (m magic16) hasDyldPrefix() bool {
	return strings.HasPrefix(string(m[:]), "dyld")
}

// cacheHeader mirrors the fields of dyld_cache_header consulted by the
// Cache Topology Parser (§6). Field order matches the real on-disk
// layout so offsets computed against a genuine cache are correct; fields
// this core never reads (patch tables, prebuilt loader sets, Rosetta
// regions, ...) are folded into the reserved gaps rather than named.
// binary.Read/Write pack struct fields tightly in declaration order
// with no compiler-style alignment padding, so every field below —
// including the reserved gaps — must be exported for reflection to
// set it, and the gaps' sizes must match the real header exactly.
type cacheHeader struct {
	Magic                  magic16
	MappingOffset          uint32
	MappingCount           uint32
	ImagesOffsetOld        uint32
	ImagesCountOld         uint32
	DyldBaseAddress        uint64
	CodeSignatureOffset    uint64
	CodeSignatureSize      uint64
	SlideInfoOffsetUnused  uint64
	SlideInfoSizeUnused    uint64
	LocalSymbolsOffset     uint64
	LocalSymbolsSize       uint64
	UUID                   [16]byte
	CacheType              uint64
	BranchPoolsOffset      uint32
	BranchPoolsCount       uint32
	Reserved1              [2]uint64 // accelerateInfo{Addr,Size}Unused
	ImagesTextOffset       uint64
	ImagesTextCount        uint64
	Reserved2              [8]uint64 // patch info, other image groups, prog closures
	Platform               uint32
	FormatVersion          formatVersion
	SharedRegionStart      uint64
	SharedRegionSize       uint64
	MaxSlide               uint64
	Reserved3              [8]uint64 // dylibs image array, dylib trie, other image/trie
	MappingWithSlideOffset uint32
	MappingWithSlideCount  uint32
	Reserved4              [5]uint64 // dyld4 prebuilt loader / program trie fields
	Reserved4b             uint32
	Reserved5              [3]uint32 // os version, alt platform, alt os version
	SwiftOptsOffset        uint64
	SwiftOptsSize          uint64
	SubCacheArrayOffset    uint32
	SubCacheArrayCount     uint32
	SymbolFileUUID         [16]byte
	Reserved6              [4]uint64 // rosetta RO/RW regions
	ImagesOffset           uint32
	ImagesCount            uint32
	CacheSubType           uint32
	Pad                    uint32
	ObjcOptsOffset         uint64
	ObjcOptsSize           uint64
}

type formatVersion uint32

func (f formatVersion) version() uint8 { return uint8(f & 0xff) }

// cacheMappingInfo is dyld_cache_mapping_info: { u64 address, u64 size,
// u64 file_offset, u32 max_prot, u32 init_prot }.
type cacheMappingInfo struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	MaxProt    uint32
	InitProt   uint32
}

// cacheMappingAndSlideInfo extends cacheMappingInfo with slide-info
// location (dyld_cache_mapping_and_slide_info).
type cacheMappingAndSlideInfo struct {
	Address         uint64
	Size            uint64
	FileOffset      uint64
	SlideInfoOffset uint64
	SlideInfoSize   uint64
	Flags           uint64
	MaxProt         uint32
	InitProt        uint32
}

// cacheImageInfo is dyld_cache_image_info.
type cacheImageInfo struct {
	Address        uint64
	ModTime        uint64
	Inode          uint64
	PathFileOffset uint32
	Pad            uint32
}

// subcacheEntry is dyld_subcache_entry2: { u8 uuid[16], u64 address,
// char file_extension[32] }.
type subcacheEntry struct {
	UUID          [16]byte
	CacheVMOffset uint64
	FileExtension [32]byte
}

func (s subcacheEntry) extension() string {
	return strings.Trim(string(s.FileExtension[:]), "\x00")
}

const vmProtRead = 0x1
const vmProtWrite = 0x2
const vmProtExecute = 0x4

// ---- Slide info (§4.4) -----------------------------------------------

// slideInfoVersion is read as the first uint32 of every slide info record
// to dispatch to the correct decoder.
type slideInfoVersion uint32

// slideInfoV2Header is dyld_cache_slide_info_v2's fixed portion; the
// page_starts[] and page_extras[] arrays follow it in the file.
type slideInfoV2Header struct {
	Version          uint32
	PageSize         uint32
	PageStartsOffset uint32
	PageStartsCount  uint32
	PageExtrasOffset uint32
	PageExtrasCount  uint32
	DeltaMask        uint64
	ValueAdd         uint64
}

const (
	slideV2PageAttrExtra    = 0x8000
	slideV2PageAttrNoRebase = 0x4000
	slideV2PageAttrEnd      = 0x8000
	slideV2PageValueMask    = 0x3FFF
)

// slideInfoV3Header is dyld_cache_slide_info_v3's fixed portion;
// page_starts[] (u16, length PageStartsCount) follows.
type slideInfoV3Header struct {
	Version         uint32
	PageSize        uint32
	PageStartsCount uint32
	Pad             uint32
	AuthValueAdd    uint64
}

const slideV3NoRebase = 0xFFFF

// slidePointer3 overlays a raw 64-bit slot rewritten by v3 slide info.
type slidePointer3 uint64

func (p slidePointer3) authenticated() bool { return extractBits(uint64(p), 63, 1) != 0 }
func (p slidePointer3) offsetToNext() uint64 {
	return extractBits(uint64(p), 51, 11)
}
func (p slidePointer3) offsetFromCacheBase() uint64 {
	return extractBits(uint64(p), 0, 32)
}

// signExtend51 recovers a plain, non-authenticated 51-bit pointer value:
// value = ((pointer_value & 0x0007F80000000000) << 13) | (pointer_value
// & 0x000007FFFFFFFFFF) (§4.4 "v3").
func (p slidePointer3) signExtend51() uint64 {
	top8Bits := uint64(p) & 0x0007F80000000000
	bottom43Bits := uint64(p) & 0x000007FFFFFFFFFF
	return (top8Bits << 13) | bottom43Bits
}

// slideInfoV5Header is dyld_cache_slide_info_v5's fixed portion;
// page_starts[] (u16, length PageStartsCount) follows.
type slideInfoV5Header struct {
	Version         uint32
	PageSize        uint32
	PageStartsCount uint32
	Pad             uint32
	ValueAdd        uint64
}

const slideV5NoRebase = 0xFFFF

// slidePointer5 overlays a raw 64-bit slot rewritten by v5 slide info.
type slidePointer5 uint64

// authenticated, offsetToNext and value cover both the auth and plain
// forms of dyld_cache_slide_pointer5: per §4.4 v5 both resolve to
// value_add + runtime_offset, so unlike v3 there is no separate
// sign-extension path for the plain case.
func (p slidePointer5) authenticated() bool  { return extractBits(uint64(p), 63, 1) != 0 }
func (p slidePointer5) offsetToNext() uint64 { return extractBits(uint64(p), 52, 11) }
func (p slidePointer5) value() uint64        { return extractBits(uint64(p), 0, 34) }

// extractBits pulls `width` bits out of v starting at bit `start`.
func extractBits(v uint64, start, width uint) uint64 {
	return (v >> start) & ((1 << width) - 1)
}

// ctz counts trailing zero bits, used by the v2 chain walker to recover
// the shift amount implied by a delta mask.
func ctz(v uint64) uint64 {
	if v == 0 {
		return 64
	}
	return uint64(bits.TrailingZeros64(v))
}

// CacheFormat classifies the on-disk layout of a primary cache file (§4.3).
type CacheFormat int

const (
	FormatRegular CacheFormat = iota
	FormatLarge
	FormatSplit
	FormatIOS16
)

func (f CacheFormat) String() string {
	switch f {
	case FormatRegular:
		return "Regular"
	case FormatLarge:
		return "Large"
	case FormatSplit:
		return "Split"
	case FormatIOS16:
		return "iOS16"
	default:
		return fmt.Sprintf("CacheFormat(%d)", int(f))
	}
}
