package dsc

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// pointerWrite is one resolved (location, value) pair produced by a
// chain walk, applied to the mapping only after the whole record has
// been walked (§4.4: "After walking every record, SR writes all
// (loc, value) tuples through FA's write_pointer").
type pointerWrite struct {
	fileOffset int64
	value      uint64
}

// slideRecord locates one slide-info blob within a backing cache file
// (§4.4 "Locate slide-info records").
type slideRecord struct {
	fileOffset int64 // offset of the slide info record itself
	mappingOff int64 // file offset of the mapping's first byte
	mappingVA  uint64
}

// applySlide is the Slide Rewriter (SR, §4.4). It is idempotent: a
// second call on the same accessor is a no-op.
func applySlide(ctx context.Context, fa *fileAccessor, hdr cacheHeader, primaryMappings []CacheMapping, isPrimary bool) error {
	if fa.slideApplied() {
		return nil
	}

	records, err := locateSlideRecords(fa, hdr, primaryMappings, isPrimary)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fa.setSlideApplied(true)
		return nil
	}

	g, _ := errgroup.WithContext(ctx)
	writesCh := make(chan []pointerWrite, len(records))
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			writes, err := walkSlideRecord(fa, rec)
			if err != nil {
				log.WithError(err).Warn("dsc: slide record walk failed, skipping")
				return nil
			}
			writesCh <- writes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	close(writesCh)

	for writes := range writesCh {
		for _, w := range writes {
			if err := fa.writePointer(w.fileOffset, w.value); err != nil {
				log.WithError(err).Warn("dsc: slide pointer write failed")
			}
		}
	}

	fa.setSlideApplied(true)
	return nil
}

// locateSlideRecords implements §4.4's legacy/modern dispatch.
func locateSlideRecords(fa *fileAccessor, hdr cacheHeader, mappings []CacheMapping, isPrimary bool) ([]slideRecord, error) {
	var out []slideRecord

	if isPrimary && hdr.SlideInfoOffsetUnused != 0 && len(mappings) >= 2 {
		m := mappings[1]
		out = append(out, slideRecord{
			fileOffset: int64(hdr.SlideInfoOffsetUnused),
			mappingOff: int64(m.FileOffset),
			mappingVA:  m.VA,
		})
		return out, nil
	}

	if hdr.MappingWithSlideCount == 0 {
		return nil, nil
	}
	const entrySize = 8 + 8 + 8 + 8 + 8 + 8 + 4 + 4
	for i := uint32(0); i < hdr.MappingWithSlideCount; i++ {
		off := int64(hdr.MappingWithSlideOffset) + int64(i)*entrySize
		raw, err := fa.readSpan(off, entrySize)
		if err != nil {
			return nil, err
		}
		var m cacheMappingAndSlideInfo
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &m); err != nil {
			return nil, errors.Wrap(ErrMalformed, err.Error())
		}
		if m.Size == 0 || m.SlideInfoSize == 0 {
			continue
		}
		out = append(out, slideRecord{
			fileOffset: int64(m.SlideInfoOffset),
			mappingOff: int64(m.FileOffset),
			mappingVA:  m.Address,
		})
	}
	return out, nil
}

func walkSlideRecord(fa *fileAccessor, rec slideRecord) ([]pointerWrite, error) {
	version, err := fa.readU32(rec.fileOffset)
	if err != nil {
		return nil, err
	}
	switch version {
	case 2:
		return walkSlideV2(fa, rec)
	case 3:
		return walkSlideV3(fa, rec)
	case 5:
		return walkSlideV5(fa, rec)
	default:
		log.Debugf("dsc: unsupported slide info version %d, skipping record at %#x", version, rec.fileOffset)
		return nil, errors.Wrapf(ErrUnsupportedVersion, "version=%d", version)
	}
}

// walkSlideV2 implements the v2 page/extras chain walk (§4.4 "v2").
func walkSlideV2(fa *fileAccessor, rec slideRecord) ([]pointerWrite, error) {
	raw, err := fa.readSpan(rec.fileOffset, 40)
	if err != nil {
		return nil, err
	}
	var h slideInfoV2Header
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &h); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}

	shift := ctz(h.DeltaMask)
	if shift < 2 {
		shift = 2
	}
	// slideAmount mirrors the chain walker's slide_amount parameter:
	// initialized to zero and never fed back into the delta/value
	// arithmetic below. Kept here, unused, matching the original.
	var slideAmount uint64
	_ = slideAmount

	var writes []pointerWrite
	walkChain := func(pageBase int64, startOffset uint32) error {
		pageOffset := int64(startOffset)
		for {
			loc := pageBase + pageOffset
			raw, err := fa.readU64(loc)
			if err != nil {
				return err
			}
			delta := (raw & h.DeltaMask) >> (shift - 2)
			value := raw &^ h.DeltaMask
			if value != 0 {
				value += h.ValueAdd
			}
			writes = append(writes, pointerWrite{fileOffset: loc, value: value})
			if delta == 0 {
				return nil
			}
			pageOffset += int64(delta)
		}
	}

	for i := uint32(0); i < h.PageStartsCount; i++ {
		startOff := rec.fileOffset + int64(h.PageStartsOffset) + int64(i)*2
		start, err := fa.readU16(startOff)
		if err != nil {
			return nil, err
		}
		pageBase := rec.mappingOff + int64(i)*int64(h.PageSize)

		if start == slideV2PageAttrNoRebase {
			continue
		}
		if start&slideV2PageAttrExtra != 0 {
			extraIdx := int64(start & slideV2PageValueMask)
			for {
				extraOff := rec.fileOffset + int64(h.PageExtrasOffset) + extraIdx*2
				extra, err := fa.readU16(extraOff)
				if err != nil {
					return nil, err
				}
				pageStartOffset := uint32(extra&slideV2PageValueMask) * 4
				if err := walkChain(pageBase, pageStartOffset); err != nil {
					log.WithError(err).Warn("dsc: v2 extras chain walk aborted")
					break
				}
				if extra&slideV2PageAttrEnd != 0 {
					break
				}
				extraIdx++
			}
			continue
		}
		if err := walkChain(pageBase, uint32(start)*4); err != nil {
			log.WithError(err).Warn("dsc: v2 chain walk aborted")
		}
	}
	return writes, nil
}

// walkSlideV3 implements the v3 51-bit plain / auth pointer chain walk
// (§4.4 "v3").
func walkSlideV3(fa *fileAccessor, rec slideRecord) ([]pointerWrite, error) {
	raw, err := fa.readSpan(rec.fileOffset, 24)
	if err != nil {
		return nil, err
	}
	var h slideInfoV3Header
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &h); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}

	var writes []pointerWrite
	for i := uint32(0); i < h.PageStartsCount; i++ {
		startOff := rec.fileOffset + 24 + int64(i)*2
		start, err := fa.readU16(startOff)
		if err != nil {
			return nil, err
		}
		if start == slideV3NoRebase {
			continue
		}
		pageBase := rec.mappingOff + int64(i)*int64(h.PageSize)
		offset := int64(start)
		for {
			loc := pageBase + offset
			raw64, err := fa.readU64(loc)
			if err != nil {
				log.WithError(err).Warn("dsc: v3 chain walk aborted")
				break
			}
			p := slidePointer3(raw64)
			var value uint64
			if p.authenticated() {
				value = h.AuthValueAdd + p.offsetFromCacheBase()
			} else {
				value = p.signExtend51()
			}
			writes = append(writes, pointerWrite{fileOffset: loc, value: value})
			next := p.offsetToNext()
			if next == 0 {
				break
			}
			offset += int64(next) * 8
		}
	}
	return writes, nil
}

// walkSlideV5 implements the v5 34-bit runtime-offset chain walk
// (§4.4 "v5").
func walkSlideV5(fa *fileAccessor, rec slideRecord) ([]pointerWrite, error) {
	raw, err := fa.readSpan(rec.fileOffset, 24)
	if err != nil {
		return nil, err
	}
	var h slideInfoV5Header
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &h); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}

	var writes []pointerWrite
	for i := uint32(0); i < h.PageStartsCount; i++ {
		startOff := rec.fileOffset + 24 + int64(i)*2
		start, err := fa.readU16(startOff)
		if err != nil {
			return nil, err
		}
		if start == slideV5NoRebase {
			continue
		}
		pageBase := rec.mappingOff + int64(i)*int64(h.PageSize)
		offset := int64(start)
		for {
			loc := pageBase + offset
			raw64, err := fa.readU64(loc)
			if err != nil {
				log.WithError(err).Warn("dsc: v5 chain walk aborted")
				break
			}
			p := slidePointer5(raw64)
			value := h.ValueAdd + p.value()
			writes = append(writes, pointerWrite{fileOffset: loc, value: value})
			next := p.offsetToNext()
			if next == 0 {
				break
			}
			offset += int64(next) * 8
		}
	}
	return writes, nil
}
