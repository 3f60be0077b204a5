package dsc

import (
	"context"
	"testing"
)

func TestVirtualMemoryMapDisjoint(t *testing.T) {
	vm := newVirtualMemoryMap()
	if err := vm.mapPages(0x180000000, 0, pageSize*2, nil, nil); err != nil {
		t.Fatalf("mapPages: %v", err)
	}
	if err := vm.mapPages(0x180002000, pageSize*2, pageSize, nil, nil); err != nil {
		t.Fatalf("mapPages adjacent: %v", err)
	}

	tests := []struct {
		name string
		va   uint64
		size uint64
	}{
		{"overlap start", 0x180000000, pageSize},
		{"overlap middle", 0x180001000, pageSize},
		{"overlap tail", 0x180002000, pageSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := vm.mapPages(tt.va, 0, tt.size, nil, nil); err == nil {
				t.Fatalf("expected collision error for va=%#x", tt.va)
			}
		})
	}
}

func TestVirtualMemoryMapUnaligned(t *testing.T) {
	vm := newVirtualMemoryMap()
	if err := vm.mapPages(0x180000001, 0, pageSize, nil, nil); err == nil {
		t.Fatal("expected alignment error")
	}
}

func TestVirtualMemoryMapLookup(t *testing.T) {
	vm := newVirtualMemoryMap()
	_ = vm.mapPages(0x180000000, 0x1000, pageSize, nil, nil)
	_ = vm.mapPages(0x180001000, 0x5000, pageSize, nil, nil)

	pm, off, ok := vm.mappingAt(0x180001010)
	if !ok {
		t.Fatal("expected a mapping")
	}
	if pm.vaStart != 0x180001000 {
		t.Errorf("vaStart = %#x, want %#x", pm.vaStart, 0x180001000)
	}
	if want := int64(0x5000 + 0x10); off != want {
		t.Errorf("offset = %#x, want %#x", off, want)
	}

	if vm.addressIsMapped(0x190000000) {
		t.Error("expected unmapped address to report false")
	}
}

func TestPostAllocHookRunsOnce(t *testing.T) {
	vm := newVirtualMemoryMap()
	calls := 0
	hook := func(context.Context) error { calls++; return nil }
	_ = vm.mapPages(0x180000000, 0, pageSize, nil, hook)

	pm, _, _ := vm.mappingAt(0x180000000)
	ctx := context.Background()
	_ = pm.runPostAllocHook(ctx)
	_ = pm.runPostAllocHook(ctx)
	if calls != 1 {
		t.Errorf("hook called %d times, want 1", calls)
	}
}
