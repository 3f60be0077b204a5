package dsc

// HostView is the narrow interface this core uses to reach the
// external binary-analysis framework (§1 "the host binary-analysis
// framework ... only their interfaces are specified"). A real Host
// View owns segments, sections, symbols, functions, platforms, and
// type libraries; none of that is implemented here.
type HostView interface {
	// AddSegment defines a raw-view-backed segment at addr covering
	// size bytes, sourced from rawViewOffset in the view's underlying
	// storage, with the given protection flags.
	AddSegment(addr, size uint64, rawViewOffset int64, flags RegionFlags) error
	// WriteAt copies data into the view's raw storage, returning the
	// raw-view offset at which it was appended.
	WriteAt(data []byte) (rawViewOffset int64, err error)
	// AddSection defines a named section within an already-added
	// segment.
	AddSection(name string, addr, size uint64, semantics SectionSemantics, kind string, align uint32) error
	// DefineDataVariable names a synthesized structure at addr (mach
	// headers, load commands, segment/section records, ...).
	DefineDataVariable(addr uint64, name string, size uint64) error
	// HasFunctionAt reports whether the view already recognizes a
	// function at va, used by ETW to classify export kind.
	HasFunctionAt(va uint64) bool
	// RequestFunction asks the view to analyze a function starting at
	// va (from LC_FUNCTION_STARTS decoding).
	RequestFunction(va uint64) error
	// DefineSymbol registers a resolved symbol (from symtab or the
	// export trie) with the view.
	DefineSymbol(va uint64, name string, kind ExportKind, external bool) error
	// SetNonVariadic forces the function at va to be treated as
	// non-variadic, overriding whatever the view would otherwise infer
	// (the `_objc_msgSend` special case in §4.7.1).
	SetNonVariadic(va uint64) error
	// SetCallingConvention overrides the calling convention of the
	// function at va, binding param register `x<N>` to the parameter
	// named argName (the `_objc_retain_x<N>` / `_objc_release_x<N>`
	// special case in §4.7.1).
	SetCallingConvention(va uint64, reg int, argName string) error
	// BeginUndoActions / CommitUndoActions bracket one ILR operation's
	// visible changes (§5 "brackets its visible changes in a
	// begin_undo_actions / commit_undo_actions pair").
	BeginUndoActions()
	CommitUndoActions()
	// StoreMetadata persists the given key/value on the view and its
	// underlying raw view (§4.8).
	StoreMetadata(key, value string) error
	LoadMetadata(key string) (string, bool)
}

// SectionSemantics mirrors the Host View's section semantics enum
// consulted by InitializeHeader (§4.7.1).
type SectionSemantics int

const (
	SemanticsDefault SectionSemantics = iota
	SemanticsReadOnlyCode
	SemanticsReadOnlyData
	SemanticsReadWriteData
	SemanticsExternal
)

// ObjCProcessor is the external Objective-C metadata collaborator
// (§1 "Objective-C metadata post-processing ... the core exposes only
// the hook to invoke it").
type ObjCProcessor interface {
	ProcessImage(installName string, header *MachHeader) error
	ProcessAllLoaded() error
}

// CFStringProcessor is the analogous hook for CFString post-processing,
// gated by Flags.ProcessCFStrings (§6).
type CFStringProcessor interface {
	ProcessImage(installName string, header *MachHeader) error
}
