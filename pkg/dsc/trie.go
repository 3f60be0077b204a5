package dsc

import (
	"github.com/pkg/errors"
)

// ExportKind classifies one export-trie leaf (§3 "Export record").
type ExportKind int

const (
	ExportFunction ExportKind = iota
	ExportData
	ExportExternal
)

// ExportRecord is one resolved export symbol (§3).
type ExportRecord struct {
	VA   uint64
	Kind ExportKind
	Name string
}

const exportFlagReexport = 0x8

// maxTrieDepth bounds the explicit work-stack below; a well-formed
// export trie never nests anywhere close to this (§9 "Recursion in the
// export trie ... enforce an explicit depth limit").
const maxTrieDepth = 128

// trieFrame is one entry on the explicit work-stack that replaces true
// recursion, grounded on the teacher's parseTrie which walks a
// []trieNode{offset, name} stack rather than recursing.
type trieFrame struct {
	offset uint64
	name   string
	depth  int
}

// walkExportTrie is the Export Trie Walker (ETW, §4.6). buf is the
// LINKEDIT-relative byte range [begin, end) containing the trie;
// textBase is added to each leaf's image_offset to produce a VA.
// hasFunctionAt classifies a leaf as Function when the host view
// already knows of a function there; otherwise the kind falls back to
// the section-attribute rule below.
func walkExportTrie(buf []byte, textBase uint64, hasFunctionAt func(va uint64) bool, sectionIsCode func(va uint64) bool) ([]ExportRecord, error) {
	if len(buf) == 0 {
		return nil, nil
	}

	var out []ExportRecord
	stack := []trieFrame{{offset: 0, name: "", depth: 0}}

	for len(stack) > 0 {
		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if frame.depth > maxTrieDepth {
			return nil, errors.Wrapf(ErrMalformed, "export trie exceeds depth %d", maxTrieDepth)
		}
		if frame.offset >= uint64(len(buf)) {
			return nil, errors.Wrapf(ErrMalformed, "export trie cursor %#x past end %#x", frame.offset, len(buf))
		}

		cursor := frame.offset
		terminalSize, n, err := readUleb128(buf, cursor)
		if err != nil {
			return nil, err
		}
		cursor += n

		if terminalSize != 0 {
			flagsCursor := cursor
			flags, n, err := readUleb128(buf, flagsCursor)
			if err != nil {
				return nil, err
			}
			flagsCursor += n

			if flags&exportFlagReexport == 0 {
				imageOffset, _, err := readUleb128(buf, flagsCursor)
				if err != nil {
					return nil, err
				}
				va := textBase + imageOffset

				kind := ExportData
				if hasFunctionAt != nil && hasFunctionAt(va) {
					kind = ExportFunction
				} else if sectionIsCode != nil && sectionIsCode(va) {
					kind = ExportFunction
				}
				out = append(out, ExportRecord{VA: va, Kind: kind, Name: frame.name})
			}
		}

		childBase := cursor + terminalSize
		if childBase > uint64(len(buf)) {
			return nil, errors.Wrapf(ErrMalformed, "export trie child offset %#x past end", childBase)
		}
		if childBase == uint64(len(buf)) {
			continue
		}
		childCount := buf[childBase]
		p := childBase + 1

		for c := uint8(0); c < childCount; c++ {
			labelStart := p
			for p < uint64(len(buf)) && buf[p] != 0 {
				p++
			}
			if p >= uint64(len(buf)) {
				return nil, errors.Wrap(ErrMalformed, "export trie label unterminated")
			}
			label := string(buf[labelStart:p])
			p++ // skip NUL

			next, n, err := readUleb128(buf, p)
			if err != nil {
				return nil, err
			}
			p += n
			if next == 0 {
				return nil, errors.Wrap(ErrMalformed, "export trie child offset is zero")
			}

			stack = append(stack, trieFrame{offset: next, name: frame.name + label, depth: frame.depth + 1})
		}
	}

	return out, nil
}

// readUleb128 decodes a ULEB128 value from buf starting at off,
// returning the value and the number of bytes consumed.
func readUleb128(buf []byte, off uint64) (uint64, uint64, error) {
	var result uint64
	var shift uint
	start := off
	for {
		if off >= uint64(len(buf)) {
			return 0, 0, errors.Wrap(ErrMalformed, "uleb128 read past end")
		}
		b := buf[off]
		off++
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
		if shift >= 64 {
			return 0, 0, errors.Wrap(ErrMalformed, "uleb128 overflow")
		}
	}
	return result, off - start, nil
}
