package dsc

import "github.com/pkg/errors"

// Error taxonomy (§7). Format parsers surface these, wrapped, to the
// nearest loader operation, which returns them to the caller: Open and
// the Controller's Load* methods return them alongside their result.
var (
	// ErrMissingFile is raised when a referenced cache path does not exist.
	ErrMissingFile = errors.New("dsc: cache file does not exist")
	// ErrMappingRead is raised by a read beyond a mapped range's bounds.
	ErrMappingRead = errors.New("dsc: read beyond mapped range")
	// ErrMappingCollision indicates two VM ranges overlap; the caller aborts.
	ErrMappingCollision = errors.New("dsc: virtual memory range collision")
	// ErrMalformed covers bad magic, cmdsize underflow, unterminated
	// export tries, and ULEB128 overflow.
	ErrMalformed = errors.New("dsc: malformed cache data")
	// ErrUnsupportedVersion is raised for slide-info versions outside {2,3,5}.
	ErrUnsupportedVersion = errors.New("dsc: unsupported slide info version")
	// ErrStateVersionMismatch is raised when persisted metadata carries a
	// different metadataVersion than this build produces.
	ErrStateVersionMismatch = errors.New("dsc: persisted metadata version mismatch")
	// ErrNoHeader is returned by the Mach-O header loader for bad magic,
	// a failed read of the magic or of a load command's cmd/cmdsize
	// words, or an LC_FILESET_ENTRY command. A cmdsize underflow is
	// reported as ErrMalformed instead; failed reads of other fields
	// inside a load command are not reported as ErrNoHeader.
	ErrNoHeader = errors.New("dsc: no mach-o header at address")
	// ErrNotMutable is a programmer error: a mutation was attempted
	// against a State snapshot that is still shared.
	ErrNotMutable = errors.New("dsc: state snapshot is shared, will_mutate required")
)
