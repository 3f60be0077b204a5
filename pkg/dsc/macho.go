package dsc

import (
	"context"
	"path/filepath"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// Mach-O magic and load command constants (Apple ABI, §4.5). Hand-rolled
// rather than imported: see DESIGN.md for why go-macho was dropped.
const (
	machMagic32 uint32 = 0xfeedface
	machMagic64 uint32 = 0xfeedfacf
	machCigam32 uint32 = 0xcefaedfe
	machCigam64 uint32 = 0xcffaedfe
)

const (
	machHeaderFlagSplitSegs = 0x20
	cpuTypeX86_64           = 0x01000007
)

type lcCommand uint32

const (
	lcSegment            lcCommand = 0x1
	lcSymtab             lcCommand = 0x2
	lcDysymtab           lcCommand = 0xb
	lcLoadDylib          lcCommand = 0xc
	lcLoadWeakDylib      lcCommand = 0x18 | 0x80000000
	lcRoutines           lcCommand = 0x11
	lcSegment64          lcCommand = 0x19
	lcRoutines64         lcCommand = 0x1a
	lcMain               lcCommand = 0x28 | 0x80000000
	lcFunctionStarts     lcCommand = 0x26
	lcDyldInfo           lcCommand = 0x22
	lcDyldInfoOnly       lcCommand = 0x22 | 0x80000000
	lcBuildVersion       lcCommand = 0x32
	lcDyldExportsTrie    lcCommand = 0x33 | 0x80000000
	lcDyldChainedFixups  lcCommand = 0x34 | 0x80000000
	lcFilesetEntry       lcCommand = 0x35 | 0x80000000
)

const (
	sectAttrSelfModifyingCode  = 0x04000000
	sectAttrPureInstructions   = 0x80000000
	sectAttrSomeInstructions   = 0x400
	sectTypeMask               = 0xff
	sectSymbolStubs            = 0x8
	sectNonLazySymbolPointers  = 0x6
	sectLazySymbolPointers     = 0x7
	sectCStringLiterals        = 0x2
	sectZerofill               = 0x1
	sectRegular                = 0x0
	sectThreadLocalRegular     = 0x11
	sectThreadLocalZerofill    = 0x12
	sectThreadLocalVariables   = 0x13
)

// Segment is the widened (always-64-bit) form of LC_SEGMENT/LC_SEGMENT_64
// (§4.5 "widen 32-bit to 64-bit form").
type Segment struct {
	Name     string
	VMAddr   uint64
	VMSize   uint64
	FileOff  uint64
	FileSize uint64
	MaxProt  uint32
	InitProt uint32
	Flags    uint32
	Sections []Section
}

// Section is one Mach-O section, widened to 64-bit form.
type Section struct {
	Name       string
	SegName    string
	Addr       uint64
	Size       uint64
	Offset     uint32
	Align      uint32
	RelOff     uint32
	NReloc     uint32
	Flags      uint32
	Initialized bool
}

func (s Section) sectionType() uint32 { return s.Flags & sectTypeMask }

// LinkeditData records presence + location of a LC_FUNCTION_STARTS /
// LC_DYLD_EXPORTS_TRIE / LC_DYLD_CHAINED_FIXUPS style command.
type LinkeditData struct {
	Present bool
	Off     uint32
	Size    uint32
}

// SymtabInfo is LC_SYMTAB's fields.
type SymtabInfo struct {
	Present         bool
	SymOff, NSyms   uint32
	StrOff, StrSize uint32
}

// DysymtabInfo is LC_DYSYMTAB's fields the loader actually consults.
type DysymtabInfo struct {
	Present                                     bool
	ILocalSym, NLocalSym                        uint32
	IExtDefSym, NExtDefSym                      uint32
	IUndefSym, NUndefSym                        uint32
}

// DyldInfo is LC_DYLD_INFO[_ONLY]'s fields.
type DyldInfo struct {
	Present                                    bool
	RebaseOff, RebaseSize                      uint32
	BindOff, BindSize                          uint32
	WeakBindOff, WeakBindSize                  uint32
	LazyBindOff, LazyBindSize                  uint32
	ExportOff, ExportSize                      uint32
}

// EntryPoint is one LC_MAIN record; the bool marks it as a main entry
// (§3 "entry_points[]").
type EntryPoint struct {
	Entry   uint64
	IsMain  bool
}

// BuildVersion is LC_BUILD_VERSION's platform/minos/sdk fields.
type BuildVersion struct {
	Present bool
	Platform, MinOS, SDK uint32
}

// MachHeader is the parsed Mach-O header produced by MHL (§3 "Mach-O
// header (parsed)").
type MachHeader struct {
	TextBase         uint64
	IdentifierPrefix string
	InstallName      string
	Magic            uint32
	CPUType, CPUSub  uint32
	FileType, Flags  uint32

	Segments         []Segment
	LinkeditSegment  *Segment
	SectionNames     []string
	EntryPoints      []EntryPoint
	Dylibs           []string

	Symtab          *SymtabInfo
	Dysymtab        *DysymtabInfo
	DyldInfo        *DyldInfo
	ExportTrie      *LinkeditData
	ChainedFixups   *LinkeditData
	FunctionStarts  *LinkeditData
	BuildVersion    BuildVersion
	routines        uint64 // parsed but never persisted; see DESIGN.md open question 1

	ModuleInitSections    []int
	SymbolStubSections    []int
	SymbolPointerSections []int
	RelocationBase        uint64
}

// loadHeader is the Mach-O Header Loader (MHL, §4.5).
func loadHeader(ctx context.Context, vm *virtualMemoryMap, va uint64, installName string) (*MachHeader, error) {
	magic, err := vm.readU32(ctx, va)
	if err != nil {
		return nil, errors.Wrap(ErrNoHeader, err.Error())
	}

	var is64 bool
	switch magic {
	case machMagic64, machCigam64:
		is64 = true
	case machMagic32, machCigam32:
		is64 = false
	default:
		return nil, errors.Wrapf(ErrNoHeader, "va=%#x bad magic %#x", va, magic)
	}

	cursor := va + 4
	readU32 := func() (uint32, error) { v, e := vm.readU32(ctx, cursor); cursor += 4; return v, e }

	cpuType, _ := readU32()
	cpuSub, _ := readU32()
	fileType, _ := readU32()
	ncmds, _ := readU32()
	sizeofcmds, _ := readU32()
	flags, _ := readU32()
	if is64 {
		cursor += 4 // reserved
	}
	_ = sizeofcmds

	h := &MachHeader{
		TextBase:         va,
		IdentifierPrefix: filepath.Base(installName),
		InstallName:      installName,
		Magic:            magic,
		CPUType:          cpuType,
		CPUSub:           cpuSub,
		FileType:         fileType,
		Flags:            flags,
	}

	for i := uint32(0); i < ncmds; i++ {
		cmdStart := cursor
		cmd, err := vm.readU32(ctx, cmdStart)
		if err != nil {
			return nil, errors.Wrap(ErrNoHeader, err.Error())
		}
		cmdsize, err := vm.readU32(ctx, cmdStart+4)
		if err != nil {
			return nil, errors.Wrap(ErrNoHeader, err.Error())
		}
		if cmdsize < 8 {
			return nil, errors.Wrapf(ErrMalformed, "va=%#x cmd=%#x cmdsize=%d underflow", va, cmd, cmdsize)
		}

		if err := applyLoadCommand(ctx, vm, h, lcCommand(cmd), cmdStart, cmdsize); err != nil {
			return nil, err
		}

		cursor = cmdStart + uint64(cmdsize)
	}

	for i, seg := range h.Segments {
		for j, sect := range seg.Sections {
			h.SectionNames = append(h.SectionNames, h.IdentifierPrefix+"::"+sect.Name)
			if sect.SegName == "__TEXT" && sect.Name == "__mod_init_func" {
				h.ModuleInitSections = append(h.ModuleInitSections, len(h.SectionNames)-1)
			}
			flags := sect.Flags
			if flags&sectAttrSelfModifyingCode != 0 || sect.sectionType() == sectSymbolStubs {
				h.SymbolStubSections = append(h.SymbolStubSections, len(h.SectionNames)-1)
			}
			if t := sect.sectionType(); t == sectNonLazySymbolPointers || t == sectLazySymbolPointers {
				h.SymbolPointerSections = append(h.SymbolPointerSections, len(h.SectionNames)-1)
			}
			_ = i
			_ = j
		}
	}

	return h, nil
}

func applyLoadCommand(ctx context.Context, vm *virtualMemoryMap, h *MachHeader, cmd lcCommand, cmdStart uint64, cmdsize uint32) error {
	switch cmd {
	case lcSegment, lcSegment64:
		seg, err := readSegment(ctx, vm, cmd, cmdStart)
		if err != nil {
			return err
		}
		h.Segments = append(h.Segments, seg)
		idx := len(h.Segments) - 1
		if seg.Name == "__LINKEDIT" {
			h.LinkeditSegment = &h.Segments[idx]
		}
		// The first segment claims RelocationBase unconditionally unless
		// the image uses split segments (or is x86_64), in which case
		// the first *writable* segment claims it instead.
		notSplitSegsOrX86 := h.Flags&machHeaderFlagSplitSegs == 0 && h.CPUType != cpuTypeX86_64
		if h.RelocationBase == 0 && (notSplitSegsOrX86 || seg.InitProt&vmProtWrite != 0) {
			h.RelocationBase = seg.VMAddr
		}

	case lcMain:
		entry, _ := vm.readU64(ctx, cmdStart+8)
		h.EntryPoints = append(h.EntryPoints, EntryPoint{Entry: entry, IsMain: true})

	case 0x2: // LC_SYMTAB
		symoff, _ := vm.readU32(ctx, cmdStart+8)
		nsyms, _ := vm.readU32(ctx, cmdStart+12)
		stroff, _ := vm.readU32(ctx, cmdStart+16)
		strsize, _ := vm.readU32(ctx, cmdStart+20)
		h.Symtab = &SymtabInfo{Present: true, SymOff: symoff, NSyms: nsyms, StrOff: stroff, StrSize: strsize}

	case lcDysymtab:
		ilocal, _ := vm.readU32(ctx, cmdStart+8)
		nlocal, _ := vm.readU32(ctx, cmdStart+12)
		iext, _ := vm.readU32(ctx, cmdStart+16)
		next, _ := vm.readU32(ctx, cmdStart+20)
		iundef, _ := vm.readU32(ctx, cmdStart+24)
		nundef, _ := vm.readU32(ctx, cmdStart+28)
		h.Dysymtab = &DysymtabInfo{
			Present: true, ILocalSym: ilocal, NLocalSym: nlocal,
			IExtDefSym: iext, NExtDefSym: next, IUndefSym: iundef, NUndefSym: nundef,
		}

	case lcDyldInfo, lcDyldInfoOnly:
		fields := make([]uint32, 10)
		for i := range fields {
			fields[i], _ = vm.readU32(ctx, cmdStart+8+uint64(i)*4)
		}
		h.DyldInfo = &DyldInfo{
			Present:      true,
			RebaseOff:    fields[0], RebaseSize: fields[1],
			BindOff:      fields[2], BindSize: fields[3],
			WeakBindOff:  fields[4], WeakBindSize: fields[5],
			LazyBindOff:  fields[6], LazyBindSize: fields[7],
			ExportOff:    fields[8], ExportSize: fields[9],
		}
		h.ExportTrie = &LinkeditData{Present: true, Off: fields[8], Size: fields[9]}

	case lcDyldExportsTrie:
		off, _ := vm.readU32(ctx, cmdStart+8)
		size, _ := vm.readU32(ctx, cmdStart+12)
		h.ExportTrie = &LinkeditData{Present: true, Off: off, Size: size}

	case lcDyldChainedFixups:
		off, _ := vm.readU32(ctx, cmdStart+8)
		size, _ := vm.readU32(ctx, cmdStart+12)
		h.ChainedFixups = &LinkeditData{Present: true, Off: off, Size: size}

	case lcFunctionStarts:
		off, _ := vm.readU32(ctx, cmdStart+8)
		size, _ := vm.readU32(ctx, cmdStart+12)
		h.FunctionStarts = &LinkeditData{Present: true, Off: off, Size: size}

	case lcRoutines64:
		routines, _ := vm.readU64(ctx, cmdStart+8)
		h.routines = routines

	case lcBuildVersion:
		platform, _ := vm.readU32(ctx, cmdStart+8)
		minos, _ := vm.readU32(ctx, cmdStart+12)
		sdk, _ := vm.readU32(ctx, cmdStart+16)
		h.BuildVersion = BuildVersion{Present: true, Platform: platform, MinOS: minos, SDK: sdk}

	case lcLoadDylib, lcLoadWeakDylib:
		nameOff, _ := vm.readU32(ctx, cmdStart+8)
		name, err := vm.readCString(ctx, cmdStart+uint64(nameOff))
		if err == nil {
			h.Dylibs = append(h.Dylibs, name)
		}

	case lcFilesetEntry:
		return errors.Wrapf(ErrNoHeader, "LC_FILESET_ENTRY unsupported at %#x", cmdStart)

	default:
		log.Debugf("dsc: ignoring load command %#x", uint32(cmd))
	}
	return nil
}

// readSegment widens LC_SEGMENT/LC_SEGMENT_64 into the 64-bit Segment
// form (§4.5).
func readSegment(ctx context.Context, vm *virtualMemoryMap, cmd lcCommand, cmdStart uint64) (Segment, error) {
	readName := func(off uint64) (string, error) {
		buf := make([]byte, 16)
		for i := range buf {
			b, err := vm.readU8(ctx, off+uint64(i))
			if err != nil {
				return "", err
			}
			buf[i] = b
		}
		n := 0
		for n < len(buf) && buf[n] != 0 {
			n++
		}
		return string(buf[:n]), nil
	}

	var seg Segment
	var nsects uint32
	var sectBase uint64

	if cmd == lcSegment64 {
		name, err := readName(cmdStart + 8)
		if err != nil {
			return seg, err
		}
		seg.Name = name
		seg.VMAddr, _ = vm.readU64(ctx, cmdStart+24)
		seg.VMSize, _ = vm.readU64(ctx, cmdStart+32)
		seg.FileOff, _ = vm.readU64(ctx, cmdStart+40)
		seg.FileSize, _ = vm.readU64(ctx, cmdStart+48)
		maxprot, _ := vm.readU32(ctx, cmdStart+56)
		initprot, _ := vm.readU32(ctx, cmdStart+60)
		seg.MaxProt, seg.InitProt = maxprot, initprot
		nsects, _ = vm.readU32(ctx, cmdStart+64)
		flags, _ := vm.readU32(ctx, cmdStart+68)
		seg.Flags = flags
		sectBase = cmdStart + 72
	} else {
		name, err := readName(cmdStart + 8)
		if err != nil {
			return seg, err
		}
		seg.Name = name
		vmaddr32, _ := vm.readU32(ctx, cmdStart+24)
		vmsize32, _ := vm.readU32(ctx, cmdStart+28)
		fileoff32, _ := vm.readU32(ctx, cmdStart+32)
		filesize32, _ := vm.readU32(ctx, cmdStart+36)
		seg.VMAddr, seg.VMSize = uint64(vmaddr32), uint64(vmsize32)
		seg.FileOff, seg.FileSize = uint64(fileoff32), uint64(filesize32)
		maxprot, _ := vm.readU32(ctx, cmdStart+40)
		initprot, _ := vm.readU32(ctx, cmdStart+44)
		seg.MaxProt, seg.InitProt = maxprot, initprot
		nsects, _ = vm.readU32(ctx, cmdStart+48)
		flags, _ := vm.readU32(ctx, cmdStart+52)
		seg.Flags = flags
		sectBase = cmdStart + 56
	}

	sectSize := uint64(80)
	if cmd == lcSegment {
		sectSize = 68
	}
	for i := uint32(0); i < nsects; i++ {
		base := sectBase + uint64(i)*sectSize
		var s Section
		name, err := readName(base)
		if err != nil {
			return seg, err
		}
		segname, err := readName(base + 16)
		if err != nil {
			return seg, err
		}
		s.Name, s.SegName = name, segname
		if cmd == lcSegment64 {
			s.Addr, _ = vm.readU64(ctx, base+32)
			s.Size, _ = vm.readU64(ctx, base+40)
			s.Offset, _ = vm.readU32(ctx, base+48)
			s.Align, _ = vm.readU32(ctx, base+52)
			s.RelOff, _ = vm.readU32(ctx, base+56)
			s.NReloc, _ = vm.readU32(ctx, base+60)
			s.Flags, _ = vm.readU32(ctx, base+64)
		} else {
			addr32, _ := vm.readU32(ctx, base+32)
			size32, _ := vm.readU32(ctx, base+36)
			s.Addr, s.Size = uint64(addr32), uint64(size32)
			s.Offset, _ = vm.readU32(ctx, base+40)
			s.Align, _ = vm.readU32(ctx, base+44)
			s.RelOff, _ = vm.readU32(ctx, base+48)
			s.NReloc, _ = vm.readU32(ctx, base+52)
			s.Flags, _ = vm.readU32(ctx, base+56)
		}
		seg.Sections = append(seg.Sections, s)
	}

	return seg, nil
}
