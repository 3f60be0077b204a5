package dsc

// Flags mirrors the configuration keys consulted by the loader (§6). The
// Host View owns real configuration storage; this core only receives an
// already-resolved snapshot, the same relationship teacher's pkg/dyld
// has with its cmd/ callers.
type Flags struct {
	// AutoLoadLibSystem loads any image whose install name contains
	// "libsystem_c.dylib" immediately after the initial attach.
	AutoLoadLibSystem bool
	// AllowLoadingLinkeditSegments permits load_image to materialize a
	// __LINKEDIT region instead of skipping it.
	AllowLoadingLinkeditSegments bool
	// ProcessFunctionStarts decodes LC_FUNCTION_STARTS during
	// InitializeHeader when true.
	ProcessFunctionStarts bool
	// ProcessCFStrings and ProcessObjC gate the external ObjC/CFString
	// collaborator invocations from load_image.
	ProcessCFStrings bool
	ProcessObjC      bool
	// MaxMappedFiles bounds the File Accessor's concurrently-mapped file
	// count (the "F" cap of §4.1). Zero selects DefaultMaxMappedFiles.
	MaxMappedFiles int
}

// DefaultMaxMappedFiles is used when Flags.MaxMappedFiles is zero.
const DefaultMaxMappedFiles = 8

// DefaultFlags matches the defaults enumerated in §6.
func DefaultFlags() Flags {
	return Flags{
		AutoLoadLibSystem:            true,
		AllowLoadingLinkeditSegments: false,
		ProcessFunctionStarts:        true,
		ProcessCFStrings:             true,
		ProcessObjC:                  true,
		MaxMappedFiles:               DefaultMaxMappedFiles,
	}
}

func (f Flags) maxMappedFiles() int {
	if f.MaxMappedFiles <= 0 {
		return DefaultMaxMappedFiles
	}
	return f.MaxMappedFiles
}
