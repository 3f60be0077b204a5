package dsc

import "testing"

func buildSampleState() *controllerState {
	s := newControllerState()
	s.ViewState = ViewLoadedWithImages
	s.CacheFormat = FormatSplit
	s.BaseFilePath = "/System/dyld_shared_cache_arm64e"
	s.ImageStarts["/usr/lib/libA.dylib"] = 0x180000000
	s.Images["/usr/lib/libA.dylib"] = &CacheImage{InstallName: "/usr/lib/libA.dylib", HeaderVA: 0x180000000}
	s.BackingCaches = []*BackingCache{
		{Path: "/System/dyld_shared_cache_arm64e", IsPrimary: true, Mappings: []CacheMapping{
			{VA: 0x180000000, Size: 0x100000, FileOffset: 0, MaxProt: 3, InitProt: 3},
		}},
	}
	s.Headers[0x180000000] = nil
	s.ExportInfos[0x180000000] = []ExportRecord{{VA: 0x180001000, Kind: ExportFunction, Name: "_foo"}}
	s.SymbolInfos[0x180000000] = []ExportRecord{{VA: 0x180002000, Kind: ExportData, Name: "_bar"}}
	s.StubIslands = []*MemoryRegion{{PrettyName: "stub0", VAStart: 0x181000000, Size: pageSize, Flags: RegionRead | RegionExecute}}
	s.DyldData = []*MemoryRegion{{PrettyName: "dyldData0", VAStart: 0x182000000, Size: pageSize, Flags: RegionRead}}
	s.NonImageRegions = []*MemoryRegion{{PrettyName: "nonimage0", VAStart: 0x183000000, Size: pageSize, Flags: RegionRead, Loaded: true}}
	s.RegionsMappedIntoMemory = []*MemoryRegion{{PrettyName: "mapped0", VAStart: 0x183000000, Size: pageSize, Flags: RegionRead, Loaded: true}}
	s.ObjcOptsAddr = 0x184000000
	s.ObjcOptsSize = 0x1000
	return s
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	s := buildSampleState()

	blob, err := serializeState(s)
	if err != nil {
		t.Fatalf("serializeState: %v", err)
	}

	got, err := deserializeState(blob)
	if err != nil {
		t.Fatalf("deserializeState: %v", err)
	}

	if got.ViewState != s.ViewState {
		t.Errorf("ViewState = %v, want %v", got.ViewState, s.ViewState)
	}
	if got.CacheFormat != s.CacheFormat {
		t.Errorf("CacheFormat = %v, want %v", got.CacheFormat, s.CacheFormat)
	}
	if got.BaseFilePath != s.BaseFilePath {
		t.Errorf("BaseFilePath = %q, want %q", got.BaseFilePath, s.BaseFilePath)
	}
	if got.ImageStarts["/usr/lib/libA.dylib"] != 0x180000000 {
		t.Errorf("ImageStarts not restored: %+v", got.ImageStarts)
	}
	if _, ok := got.Images["/usr/lib/libA.dylib"]; !ok {
		t.Errorf("Images not restored: %+v", got.Images)
	}
	if len(got.BackingCaches) != 1 || len(got.BackingCaches[0].Mappings) != 1 {
		t.Fatalf("BackingCaches not restored: %+v", got.BackingCaches)
	}
	if _, ok := got.Headers[0x180000000]; !ok {
		t.Errorf("Headers keys not restored: %+v", got.Headers)
	}
	if recs, ok := got.ExportInfos[0x180000000]; !ok || len(recs) != 1 || recs[0].Name != "_foo" {
		t.Errorf("ExportInfos not restored: %+v", got.ExportInfos)
	}
	if recs, ok := got.SymbolInfos[0x180000000]; !ok || len(recs) != 1 || recs[0].Name != "_bar" {
		t.Errorf("SymbolInfos not restored: %+v", got.SymbolInfos)
	}
	if len(got.StubIslands) != 1 || got.StubIslands[0].VAStart != 0x181000000 {
		t.Errorf("StubIslands not restored: %+v", got.StubIslands)
	}
	if len(got.DyldData) != 1 || got.DyldData[0].VAStart != 0x182000000 {
		t.Errorf("DyldData not restored: %+v", got.DyldData)
	}
	if len(got.NonImageRegions) != 1 || !got.NonImageRegions[0].isLoaded() {
		t.Errorf("NonImageRegions not restored: %+v", got.NonImageRegions)
	}
	if len(got.RegionsMappedIntoMemory) != 1 {
		t.Errorf("RegionsMappedIntoMemory not restored: %+v", got.RegionsMappedIntoMemory)
	}
	if got.ObjcOptsAddr != s.ObjcOptsAddr || got.ObjcOptsSize != s.ObjcOptsSize {
		t.Errorf("objc opts not restored: got %#x/%#x, want %#x/%#x", got.ObjcOptsAddr, got.ObjcOptsSize, s.ObjcOptsAddr, s.ObjcOptsSize)
	}
}

func TestDeserializeStateVersionMismatch(t *testing.T) {
	_, err := deserializeState(`{"metadataVersion": 999}`)
	if err == nil {
		t.Fatal("expected version mismatch error")
	}
}

func TestControllerStateWillMutateClonesWhenShared(t *testing.T) {
	s := buildSampleState()
	s.markShared()

	clone := s.willMutate()
	if clone == s {
		t.Fatal("expected a distinct clone for a shared state")
	}
	if clone.isShared() {
		t.Error("clone should not be marked shared")
	}
	clone.StubIslands = append(clone.StubIslands, &MemoryRegion{PrettyName: "extra"})
	if len(s.StubIslands) == len(clone.StubIslands) {
		t.Error("mutating the clone's StubIslands slice affected the original")
	}
}
