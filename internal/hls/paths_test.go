package hls

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestSanitizeVideoID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"movie", "movie"},
		{"my movie (2021)", "my movie (2021)"},
		{"../../etc/passwd", "etcpasswd"},
		{`a/b\c?d%e*f:g|h"i<j>k`, "abcdefghijk"},
		{"  .hidden. ", "hidden"},
		{"", ""},
	}
	for _, c := range cases {
		if got := SanitizeVideoID(c.in); got != c.want {
			t.Errorf("SanitizeVideoID(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSegmentName(t *testing.T) {
	if got := SegmentName(7, "ts"); got != "007.ts" {
		t.Fatalf("got %q", got)
	}
	if got := SegmentName(1234, "m4s"); got != "1234.m4s" {
		t.Fatalf("got %q", got)
	}
	if got := IFrameSegmentName(3); got != "iframe_003.ts" {
		t.Fatalf("got %q", got)
	}
}

func TestParseSegmentName(t *testing.T) {
	cases := []struct {
		name   string
		index  int
		iframe bool
		ok     bool
	}{
		{"000.ts", 0, false, true},
		{"042.ts", 42, false, true},
		{"7.m4s", 7, false, true},
		{"iframe_003.ts", 3, true, true},
		{"playlist.m3u8", 0, false, false},
		{"info.json", 0, false, false},
		{"-1.ts", 0, false, false},
		{"abc.ts", 0, false, false},
	}
	for _, c := range cases {
		index, iframe, ok := ParseSegmentName(c.name)
		if index != c.index || iframe != c.iframe || ok != c.ok {
			t.Errorf("ParseSegmentName(%q) = (%d, %t, %t), want (%d, %t, %t)",
				c.name, index, iframe, ok, c.index, c.iframe, c.ok)
		}
	}
}

func TestPathsLayout(t *testing.T) {
	p := NewPaths("/out")

	if got := p.VariantDir("Movie:1", "720P"); got != filepath.Join("/out", "Movie1", "720p") {
		t.Fatalf("variant dir %q", got)
	}
	if got := p.SegmentPath("m", "720p", 5); got != filepath.Join("/out", "m", "720p", "005.ts") {
		t.Fatalf("segment path %q", got)
	}
	if got := p.PlaylistPath("m", "720p"); got != filepath.Join("/out", "m", "720p", "playlist.m3u8") {
		t.Fatalf("playlist path %q", got)
	}
	if got := p.InfoPath("m", "audio_0_aac", true); got != filepath.Join("/out", "m", "audio_0_aac", "audio_info.json") {
		t.Fatalf("audio info path %q", got)
	}
}

func TestSegmentExtDefaultsToTS(t *testing.T) {
	p := NewPaths(t.TempDir())
	if got := p.SegmentExt("unknown"); got != "ts" {
		t.Fatalf("got %q", got)
	}
}

func TestEnsureCodecReference(t *testing.T) {
	p := NewPaths(t.TempDir())

	ref, err := p.EnsureCodecReference("vid", func() (CodecReference, error) {
		return CodecReference{SegmentExt: "m4s", VideoCodec: "hevc"}, nil
	})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if ref.SegmentExt != "m4s" {
		t.Fatalf("ext %q", ref.SegmentExt)
	}

	// Second call reads the persisted document instead of regenerating.
	called := false
	ref, err = p.EnsureCodecReference("vid", func() (CodecReference, error) {
		called = true
		return CodecReference{SegmentExt: "ts"}, nil
	})
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if called {
		t.Fatal("generator ran despite persisted reference")
	}
	if ref.SegmentExt != "m4s" {
		t.Fatalf("ext after reread %q", ref.SegmentExt)
	}
	if got := p.SegmentExt("vid"); got != "m4s" {
		t.Fatalf("cached ext %q", got)
	}
}

func TestEnsureCodecReferenceGeneratorError(t *testing.T) {
	p := NewPaths(t.TempDir())
	wantErr := errors.New("probe failed")
	_, err := p.EnsureCodecReference("vid", func() (CodecReference, error) {
		return CodecReference{}, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v", err)
	}
}
