package dsc

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildRegularCacheFixture assembles a minimal, well-formed primary
// cache file for the "Regular cache, two images" scenario: three
// mappings, two image entries reachable via the legacy
// images_offset_old/count_old fields, no branch pools.
func buildRegularCacheFixture(t *testing.T) string {
	t.Helper()

	const fileSize = 0x300000
	const mappingOffset = 0x28 // below headerLongEnoughThreshold: classifies as Regular
	const imagesOffsetOld = 0x400
	buf := make([]byte, fileSize)

	copy(buf[0:16], "dyld_v1  arm64e")
	binary.LittleEndian.PutUint32(buf[16:20], mappingOffset)
	binary.LittleEndian.PutUint32(buf[20:24], 3)
	binary.LittleEndian.PutUint32(buf[24:28], imagesOffsetOld)
	binary.LittleEndian.PutUint32(buf[28:32], 2)

	mappings := []cacheMappingInfo{
		{Address: 0x180000000, Size: 0x100000, FileOffset: 0, MaxProt: 3, InitProt: 3},
		{Address: 0x180100000, Size: 0x100000, FileOffset: 0x100000, MaxProt: 3, InitProt: 1},
		{Address: 0x180200000, Size: 0x100000, FileOffset: 0x200000, MaxProt: 3, InitProt: 1},
	}
	for i, m := range mappings {
		w := bytes.NewBuffer(buf[mappingOffset+i*32 : mappingOffset+i*32])
		binary.Write(w, binary.LittleEndian, &m)
		copy(buf[mappingOffset+i*32:mappingOffset+i*32+32], w.Bytes())
	}

	pathA := "/usr/lib/libA.dylib"
	pathB := "/usr/lib/libB.dylib"
	stringsOff := imagesOffsetOld + 2*32
	imgA := cacheImageInfo{Address: 0x180000000, PathFileOffset: uint32(stringsOff)}
	imgB := cacheImageInfo{Address: 0x180080000, PathFileOffset: uint32(stringsOff + len(pathA) + 1)}
	for i, img := range []cacheImageInfo{imgA, imgB} {
		w := bytes.NewBuffer(buf[imagesOffsetOld+i*32 : imagesOffsetOld+i*32])
		binary.Write(w, binary.LittleEndian, &img)
		copy(buf[imagesOffsetOld+i*32:imagesOffsetOld+i*32+32], w.Bytes())
	}

	copy(buf[stringsOff:], pathA)
	copy(buf[stringsOff+len(pathA)+1:], pathB)

	dir := t.TempDir()
	path := filepath.Join(dir, "dyld_shared_cache_arm64e")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestParseTopologyRegularTwoImages(t *testing.T) {
	path := buildRegularCacheFixture(t)
	reg := newAccessorRegistry(DefaultFlags())

	topo, err := parseTopology(context.Background(), reg, path)
	if err != nil {
		t.Fatalf("parseTopology: %v", err)
	}

	if topo.format != FormatRegular {
		t.Errorf("format = %v, want Regular", topo.format)
	}
	if len(topo.backingCaches) != 1 {
		t.Fatalf("backingCaches = %d, want 1", len(topo.backingCaches))
	}
	if got := len(topo.backingCaches[0].Mappings); got != 3 {
		t.Errorf("mapping count = %d, want 3", got)
	}

	want := map[string]uint64{
		"/usr/lib/libA.dylib": 0x180000000,
		"/usr/lib/libB.dylib": 0x180080000,
	}
	if len(topo.imageStarts) != len(want) {
		t.Fatalf("imageStarts = %+v, want %d entries", topo.imageStarts, len(want))
	}
	for _, s := range topo.imageStarts {
		wantVA, ok := want[s.installName]
		if !ok {
			t.Errorf("unexpected install name %q", s.installName)
			continue
		}
		if s.headerVA != wantVA {
			t.Errorf("headerVA for %q = %#x, want %#x", s.installName, s.headerVA, wantVA)
		}
	}
}

func TestFastGetBackingCacheCount(t *testing.T) {
	path := buildRegularCacheFixture(t)
	n, err := FastGetBackingCacheCount(context.Background(), path)
	if err != nil {
		t.Fatalf("FastGetBackingCacheCount: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}
