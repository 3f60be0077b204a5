package dsc

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ViewState is the controller's coarse lifecycle enum (§3).
type ViewState int

const (
	ViewUnloaded ViewState = iota
	ViewLoaded
	ViewLoadedWithImages
)

func (v ViewState) String() string {
	switch v {
	case ViewUnloaded:
		return "Unloaded"
	case ViewLoaded:
		return "Loaded"
	case ViewLoadedWithImages:
		return "LoadedWithImages"
	default:
		return "Unknown"
	}
}

// metadataVersion tags the JSON-shaped persisted blob (§4.8, §6). Bump
// whenever the wire shape below changes.
const metadataVersion = 1

// metadataKey is the storage key on the view and its underlying raw
// view (§6 "SHAREDCACHE-SharedCacheData").
const metadataKey = "SHAREDCACHE-SharedCacheData"

// controllerState is the Controller State of §3: everything a
// Controller observes and mutates for one view. It is held behind a
// shared, copy-on-write snapshot per §4.8/§9.
type controllerState struct {
	shared int32 // atomic: >0 means this snapshot must not be mutated in place

	ViewState     ViewState
	CacheFormat   CacheFormat
	BaseFilePath  string
	ImageStarts   map[string]uint64
	BackingCaches []*BackingCache

	Images        map[string]*CacheImage
	Headers       map[uint64]*MachHeader // keyed by text base
	ExportInfos   map[uint64][]ExportRecord
	SymbolInfos   map[uint64][]ExportRecord

	StubIslands             []*MemoryRegion
	DyldData                []*MemoryRegion
	NonImageRegions         []*MemoryRegion
	RegionsMappedIntoMemory []*MemoryRegion

	ObjcOptsAddr uint64
	ObjcOptsSize uint64
}

func newControllerState() *controllerState {
	return &controllerState{
		ViewState:   ViewUnloaded,
		ImageStarts: make(map[string]uint64),
		Images:      make(map[string]*CacheImage),
		Headers:     make(map[uint64]*MachHeader),
		ExportInfos: make(map[uint64][]ExportRecord),
		SymbolInfos: make(map[uint64][]ExportRecord),
	}
}

// markShared flags s as shared; further mutation attempts must clone
// first (§9 "copy-on-write shared state").
func (s *controllerState) markShared() { atomic.StoreInt32(&s.shared, 1) }

func (s *controllerState) isShared() bool { return atomic.LoadInt32(&s.shared) != 0 }

// assertMutable panics if s is still shared, matching the source's
// "crashes if the current snapshot is shared" contract (§4.8). Callers
// are expected to have gone through willMutate first.
func (s *controllerState) assertMutable() {
	if s.isShared() {
		panic(ErrNotMutable)
	}
}

// willMutate returns a state the caller may mutate in place: s itself
// if unique, or a shallow clone if s is shared. Idempotent in the sense
// that calling it twice on an already-unique state returns s unchanged.
func (s *controllerState) willMutate() *controllerState {
	if !s.isShared() {
		return s
	}
	clone := *s
	clone.shared = 0
	clone.ImageStarts = cloneStringUint64Map(s.ImageStarts)
	clone.Images = cloneImageMap(s.Images)
	clone.Headers = cloneHeaderMap(s.Headers)
	clone.ExportInfos = cloneExportMap(s.ExportInfos)
	clone.SymbolInfos = cloneExportMap(s.SymbolInfos)
	clone.BackingCaches = append([]*BackingCache(nil), s.BackingCaches...)
	clone.StubIslands = append([]*MemoryRegion(nil), s.StubIslands...)
	clone.DyldData = append([]*MemoryRegion(nil), s.DyldData...)
	clone.NonImageRegions = append([]*MemoryRegion(nil), s.NonImageRegions...)
	clone.RegionsMappedIntoMemory = append([]*MemoryRegion(nil), s.RegionsMappedIntoMemory...)
	return &clone
}

func cloneStringUint64Map(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneImageMap(m map[string]*CacheImage) map[string]*CacheImage {
	out := make(map[string]*CacheImage, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneHeaderMap(m map[uint64]*MachHeader) map[uint64]*MachHeader {
	out := make(map[uint64]*MachHeader, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneExportMap(m map[uint64][]ExportRecord) map[uint64][]ExportRecord {
	out := make(map[uint64][]ExportRecord, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ---- JSON wire shape (§6) ----------------------------------------

type wireMapping struct {
	VA, Size, FileOffset uint64
	MaxProt, InitProt    uint32
}

type wireBackingCache struct {
	Path      string
	IsPrimary bool
	Ext       string
	Mappings  []wireMapping
}

type wireRegion struct {
	PrettyName string
	VAStart    uint64
	Size       uint64
	Flags      RegionFlags
	Loaded     bool
}

type wireExportRecord struct {
	VA   uint64
	Kind ExportKind
	Name string
}

// wireState is the JSON document persisted under metadataKey (§6). It
// intentionally omits routines64 (open question 1, §9/DESIGN.md) and
// full MachHeader bodies keep only what a fresh attach cannot cheaply
// re-derive: install names, header VAs, and the derived export/symbol
// tables.
type wireState struct {
	MetadataVersion int                    `json:"metadataVersion"`
	ViewState       ViewState              `json:"m_viewState"`
	CacheFormat     CacheFormat            `json:"m_cacheFormat"`
	ImageStarts     map[string]uint64      `json:"m_imageStarts"`
	BaseFilePath    string                 `json:"m_baseFilePath"`
	Headers         []uint64               `json:"headers"`
	ExportInfos     map[string][]wireExportRecord `json:"exportInfos"`
	SymbolInfos     map[string][]wireExportRecord `json:"symbolInfos"`
	BackingCaches   []wireBackingCache     `json:"backingCaches"`
	StubIslands     []wireRegion           `json:"stubIslands"`
	Images          []string               `json:"images"`
	RegionsMapped   []wireRegion           `json:"regionsMappedIntoMemory"`
	DyldDataSect    []wireRegion           `json:"dyldDataSections"`
	NonImageRegions []wireRegion           `json:"nonImageRegions"`
	ObjcOptsAddr    uint64                 `json:"objcOptsAddr"`
	ObjcOptsSize    uint64                 `json:"objcOptsSize"`
}

func toWireRegion(r *MemoryRegion) wireRegion {
	return wireRegion{PrettyName: r.PrettyName, VAStart: r.VAStart, Size: r.Size, Flags: r.Flags, Loaded: r.isLoaded()}
}

func toWireRegions(rs []*MemoryRegion) []wireRegion {
	out := make([]wireRegion, len(rs))
	for i, r := range rs {
		out[i] = toWireRegion(r)
	}
	return out
}

// serialize converts s into the persisted JSON document (§4.8).
func serializeState(s *controllerState) (string, error) {
	w := wireState{
		MetadataVersion: metadataVersion,
		ViewState:       s.ViewState,
		CacheFormat:     s.CacheFormat,
		ImageStarts:     s.ImageStarts,
		BaseFilePath:    s.BaseFilePath,
		StubIslands:     toWireRegions(s.StubIslands),
		RegionsMapped:   toWireRegions(s.RegionsMappedIntoMemory),
		DyldDataSect:    toWireRegions(s.DyldData),
		NonImageRegions: toWireRegions(s.NonImageRegions),
		ObjcOptsAddr:    s.ObjcOptsAddr,
		ObjcOptsSize:    s.ObjcOptsSize,
		ExportInfos:     make(map[string][]wireExportRecord),
		SymbolInfos:     make(map[string][]wireExportRecord),
	}

	for _, bc := range s.BackingCaches {
		ms := make([]wireMapping, len(bc.Mappings))
		for i, m := range bc.Mappings {
			ms[i] = wireMapping{VA: m.VA, Size: m.Size, FileOffset: m.FileOffset, MaxProt: m.MaxProt, InitProt: m.InitProt}
		}
		w.BackingCaches = append(w.BackingCaches, wireBackingCache{Path: bc.Path, IsPrimary: bc.IsPrimary, Ext: bc.Ext, Mappings: ms})
	}
	for name := range s.Images {
		w.Images = append(w.Images, name)
	}
	for textBase, recs := range s.ExportInfos {
		w.ExportInfos[fmtHex(textBase)] = toWireExports(recs)
	}
	for textBase, recs := range s.SymbolInfos {
		w.SymbolInfos[fmtHex(textBase)] = toWireExports(recs)
	}
	for textBase := range s.Headers {
		w.Headers = append(w.Headers, textBase)
	}

	b, err := json.Marshal(w)
	if err != nil {
		return "", errors.Wrap(err, "serialize state")
	}
	return string(b), nil
}

func toWireExports(recs []ExportRecord) []wireExportRecord {
	out := make([]wireExportRecord, len(recs))
	for i, r := range recs {
		out[i] = wireExportRecord{VA: r.VA, Kind: r.Kind, Name: r.Name}
	}
	return out
}

func fmtHex(v uint64) string {
	const hexDigits = "0123456789abcdef"
	if v == 0 {
		return "0x0"
	}
	buf := make([]byte, 0, 18)
	buf = append(buf, '0', 'x')
	started := false
	for shift := 60; shift >= 0; shift -= 4 {
		d := (v >> uint(shift)) & 0xf
		if d != 0 {
			started = true
		}
		if started {
			buf = append(buf, hexDigits[d])
		}
	}
	return string(buf)
}

// parseHex reverses fmtHex.
func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}

func fromWireRegion(w wireRegion) *MemoryRegion {
	return &MemoryRegion{PrettyName: w.PrettyName, VAStart: w.VAStart, Size: w.Size, Flags: w.Flags, Loaded: w.Loaded}
}

func fromWireRegions(ws []wireRegion) []*MemoryRegion {
	out := make([]*MemoryRegion, len(ws))
	for i, w := range ws {
		out[i] = fromWireRegion(w)
	}
	return out
}

func fromWireExports(recs []wireExportRecord) []ExportRecord {
	out := make([]ExportRecord, len(recs))
	for i, r := range recs {
		out[i] = ExportRecord{VA: r.VA, Kind: r.Kind, Name: r.Name}
	}
	return out
}

// deserializeState reconstructs a controllerState from a previously
// persisted blob (§4.8, §6), restoring every field serializeState
// writes. CacheImage/MachHeader bodies are the one exception the wire
// format cannot carry directly: an image's regions and a header's full
// load-command parse are re-derived by attaching to the backing caches
// again rather than persisted, so Images/Headers round-trip only their
// keys (install name / header VA, and text base respectively) here.
// Controller.attachFromCachedState gives each image a header-page
// region again, and MHL re-parses a header when its image is next
// loaded.
func deserializeState(blob string) (*controllerState, error) {
	var w wireState
	if err := json.Unmarshal([]byte(blob), &w); err != nil {
		return nil, errors.Wrap(err, "deserialize state")
	}
	if w.MetadataVersion != metadataVersion {
		return nil, errors.Wrapf(ErrStateVersionMismatch, "got=%d want=%d", w.MetadataVersion, metadataVersion)
	}

	s := newControllerState()
	s.ViewState = w.ViewState
	s.CacheFormat = w.CacheFormat
	s.ImageStarts = w.ImageStarts
	s.BaseFilePath = w.BaseFilePath
	s.ObjcOptsAddr = w.ObjcOptsAddr
	s.ObjcOptsSize = w.ObjcOptsSize
	for _, name := range w.Images {
		s.Images[name] = &CacheImage{InstallName: name, HeaderVA: w.ImageStarts[name]}
	}
	for _, bc := range w.BackingCaches {
		mappings := make([]CacheMapping, len(bc.Mappings))
		for i, m := range bc.Mappings {
			mappings[i] = CacheMapping{VA: m.VA, Size: m.Size, FileOffset: m.FileOffset, MaxProt: m.MaxProt, InitProt: m.InitProt}
		}
		s.BackingCaches = append(s.BackingCaches, &BackingCache{Path: bc.Path, IsPrimary: bc.IsPrimary, Ext: bc.Ext, Mappings: mappings})
	}
	for _, tb := range w.Headers {
		s.Headers[tb] = nil
	}
	for key, recs := range w.ExportInfos {
		tb, err := parseHex(key)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformed, "exportInfos key %q: %s", key, err)
		}
		s.ExportInfos[tb] = fromWireExports(recs)
	}
	for key, recs := range w.SymbolInfos {
		tb, err := parseHex(key)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformed, "symbolInfos key %q: %s", key, err)
		}
		s.SymbolInfos[tb] = fromWireExports(recs)
	}
	s.StubIslands = fromWireRegions(w.StubIslands)
	s.DyldData = fromWireRegions(w.DyldDataSect)
	s.NonImageRegions = fromWireRegions(w.NonImageRegions)
	s.RegionsMappedIntoMemory = fromWireRegions(w.RegionsMapped)
	return s, nil
}

// viewSpecificState is the process-wide registry entry keyed by
// view_id (§3 "Ownership", §5 "Process-wide view registry lock").
type viewSpecificState struct {
	mu           sync.Mutex // per-view state lock; not taken anywhere: cached is installed with atomic stores
	mutationLock sync.Mutex // per-view mutation lock: serializes multi-step ops
	typeLibMu    sync.Mutex // type-library cache mutex

	cached atomic.Pointer[controllerState]
	refs   int32
}

// viewRegistry is the process-wide `view_id -> ViewSpecificState`
// table (§3, §9 "Global registries").
type viewRegistry struct {
	mu   sync.Mutex
	byID map[string]*viewSpecificState
}

var globalViewRegistry = &viewRegistry{byID: make(map[string]*viewSpecificState)}

func (r *viewRegistry) acquire(viewID string) *viewSpecificState {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.byID[viewID]
	if !ok {
		v = &viewSpecificState{}
		r.byID[viewID] = v
	}
	atomic.AddInt32(&v.refs, 1)
	return v
}

func (r *viewRegistry) release(viewID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.byID[viewID]
	if !ok {
		return
	}
	if atomic.AddInt32(&v.refs, -1) <= 0 {
		delete(r.byID, viewID)
	}
}

func newSessionID() string { return uuid.NewString() }
