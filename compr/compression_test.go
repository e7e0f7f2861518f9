// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package compr

import (
	"bytes"
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	ctl := bytes.Repeat([]byte("FLR\x00foo"), 1000)
	for _, name := range []string{"zstd", "zstd-better", "s2", "gzip"} {
		t.Run(name, func(t *testing.T) {
			comp := Compression(name)
			if comp == nil {
				t.Fatalf("no compressor for %s", name)
			}
			if n := comp.Name(); n != name && !(name == "zstd-better" && n == "zstd") {
				t.Fatalf("bad compressor name %q", n)
			}
			cmp := comp.Compress(ctl, nil)
			if len(cmp) >= len(ctl) {
				t.Errorf("compressed %d bytes into %d", len(ctl), len(cmp))
			}
			algo := Detect(cmp)
			if algo != comp.Name() {
				t.Fatalf("Detect returned %q, want %q", algo, comp.Name())
			}
			out, err := DecompressAll(algo, cmp, 0)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(out, ctl) {
				t.Error("mismatch")
			}
			out, err = DecompressAll(algo, cmp, int64(len(ctl)))
			if err != nil || !bytes.Equal(out, ctl) {
				t.Errorf("at exact limit: %v", err)
			}
			_, err = DecompressAll(algo, cmp, int64(len(ctl)-1))
			if !errors.Is(err, ErrTooLarge) {
				t.Errorf("below limit: got %v", err)
			}
		})
	}
}

func TestAppend(t *testing.T) {
	ctl := []byte("hello, world")
	for _, name := range []string{"zstd", "s2", "gzip"} {
		prefix := []byte("prefix")
		cmp := Compression(name).Compress(ctl, append([]byte(nil), prefix...))
		if !bytes.HasPrefix(cmp, prefix) {
			t.Fatalf("%s: Compress clobbered dst", name)
		}
		out, err := Decompression(name).Decompress(cmp[len(prefix):], append([]byte(nil), prefix...))
		if err != nil {
			t.Fatalf("%s: %s", name, err)
		}
		if string(out) != "prefixhello, world" {
			t.Errorf("%s: got %q", name, out)
		}
	}
}

func TestDetect(t *testing.T) {
	tcs := []struct {
		in   []byte
		want string
	}{
		{[]byte("FLR\x00\x00\x02"), ""},
		{nil, ""},
		{[]byte{0x1f}, ""},
		{[]byte{0x1f, 0x8b, 0x08}, "gzip"},
		{[]byte{0x28, 0xb5, 0x2f, 0xfd, 0}, "zstd"},
		{[]byte("\xff\x06\x00\x00sNaPpY"), "s2"},
		{[]byte("\xff\x06\x00\x00S2sTwO"), "s2"},
	}
	for i := range tcs {
		if got := Detect(tcs[i].in); got != tcs[i].want {
			t.Errorf("Detect(%x) = %q, want %q", tcs[i].in, got, tcs[i].want)
		}
	}
}

func TestUnknown(t *testing.T) {
	if Compression("lz4") != nil || Decompression("lz4") != nil {
		t.Fatal("expected nil for unknown algorithm")
	}
	if _, err := DecompressAll("lz4", nil, 0); err == nil {
		t.Fatal("expected an error")
	}
	if _, err := DecompressAll("lz4", nil, 10); err == nil {
		t.Fatal("expected an error with a limit")
	}
	if _, err := DecompressAll("gzip", []byte{0x1f, 0x8b, 0x08, 0x00}, 0); err == nil {
		t.Fatal("expected an error for a truncated stream")
	}
}
