package dsc

import "testing"

func TestSlidePointer3(t *testing.T) {
	tests := []struct {
		name   string
		raw    uint64
		wantAuth bool
		wantNext uint64
	}{
		{name: "plain with next stride", raw: uint64(1) << 51, wantAuth: false, wantNext: 1},
		{name: "authenticated bit set", raw: uint64(1) << 63, wantAuth: true, wantNext: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := slidePointer3(tt.raw)
			if got := p.authenticated(); got != tt.wantAuth {
				t.Errorf("authenticated() = %v, want %v", got, tt.wantAuth)
			}
			if got := p.offsetToNext(); got != tt.wantNext {
				t.Errorf("offsetToNext() = %#x, want %#x", got, tt.wantNext)
			}
		})
	}
}

func TestSlidePointer3AuthValue(t *testing.T) {
	var p slidePointer3
	p |= 1 << 63 // authenticated
	p |= 0x20000 // offsetFromCacheBase
	if !p.authenticated() {
		t.Fatal("expected authenticated bit set")
	}
	if got, want := p.offsetFromCacheBase(), uint64(0x20000); got != want {
		t.Errorf("offsetFromCacheBase() = %#x, want %#x", got, want)
	}
}

func TestExtractBits(t *testing.T) {
	tests := []struct {
		name  string
		v     uint64
		start uint
		width uint
		want  uint64
	}{
		{name: "low byte", v: 0xff, start: 0, width: 8, want: 0xff},
		{name: "middle nibble", v: 0xf0, start: 4, width: 4, want: 0xf},
		{name: "top bit", v: 1 << 63, start: 63, width: 1, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractBits(tt.v, tt.start, tt.width); got != tt.want {
				t.Errorf("extractBits(%#x, %d, %d) = %#x, want %#x", tt.v, tt.start, tt.width, got, tt.want)
			}
		})
	}
}

func TestCacheFormatString(t *testing.T) {
	tests := []struct {
		f    CacheFormat
		want string
	}{
		{FormatRegular, "Regular"},
		{FormatLarge, "Large"},
		{FormatSplit, "Split"},
		{FormatIOS16, "iOS16"},
	}
	for _, tt := range tests {
		if got := tt.f.String(); got != tt.want {
			t.Errorf("CacheFormat(%d).String() = %q, want %q", tt.f, got, tt.want)
		}
	}
}
