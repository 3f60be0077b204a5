package dsc

import "testing"

// buildLeafTrie constructs a minimal trie with a single leaf, mirroring
// the export-trie scenario: one child labelled name from the root, no
// re-export flag, image_offset encoded as ULEB128.
func buildLeafTrie(name string, imageOffset uint64) []byte {
	child := []byte{0x00} // flags = 0
	child = append(child, encodeUleb128(imageOffset)...)
	child = append([]byte{byte(len(child))}, child...) // terminal_size
	child = append(child, 0x00)                        // child_count = 0

	root := []byte{0x00, 0x01} // terminal_size=0, child_count=1
	root = append(root, []byte(name)...)
	root = append(root, 0x00) // NUL terminator
	root = append(root, byte(len(root)+1))
	return append(root, child...)
}

func encodeUleb128(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

func TestWalkExportTrieSingleLeaf(t *testing.T) {
	buf := buildLeafTrie("_f", 0x1234)
	textBase := uint64(0x180000000)

	records, err := walkExportTrie(buf, textBase, nil, nil)
	if err != nil {
		t.Fatalf("walkExportTrie: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1: %+v", len(records), records)
	}
	got := records[0]
	if got.Name != "_f" {
		t.Errorf("Name = %q, want _f", got.Name)
	}
	if want := textBase + 0x1234; got.VA != want {
		t.Errorf("VA = %#x, want %#x", got.VA, want)
	}
	if got.Kind != ExportData {
		t.Errorf("Kind = %v, want ExportData (no function/section hints supplied)", got.Kind)
	}
}

func TestWalkExportTrieEmpty(t *testing.T) {
	records, err := walkExportTrie(nil, 0, nil, nil)
	if err != nil {
		t.Fatalf("walkExportTrie(nil): %v", err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records, want 0", len(records))
	}
}

func TestWalkExportTrieFunctionKind(t *testing.T) {
	buf := buildLeafTrie("_g", 0x10)
	hasFn := func(va uint64) bool { return true }
	records, err := walkExportTrie(buf, 0x180000000, hasFn, nil)
	if err != nil {
		t.Fatalf("walkExportTrie: %v", err)
	}
	if len(records) != 1 || records[0].Kind != ExportFunction {
		t.Fatalf("got %+v, want single ExportFunction record", records)
	}
}

func TestReadUleb128Overflow(t *testing.T) {
	buf := make([]byte, 11)
	for i := range buf {
		buf[i] = 0x80
	}
	if _, _, err := readUleb128(buf, 0); err == nil {
		t.Fatal("expected overflow error")
	}
}
