// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package lineiter

import (
	"errors"
	"io/fs"
	"slices"
	"strings"
	"testing"
	"testing/fstest"
)

func TestBytesLines(t *testing.T) {
	var got []string
	for line := range Bytes([]byte("foo\n\nbar\nbaz")) {
		got = append(got, string(line))
	}
	want := []string{"foo", "", "bar", "baz"}
	if !slices.Equal(got, want) {
		t.Errorf("got %q; want %q", got, want)
	}
}

func TestReader(t *testing.T) {
	var got []string
	for line, err := range Reader(strings.NewReader("foo\n\nbar\nbaz")) {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, string(line))
	}
	want := []string{"foo", "", "bar", "baz"}
	if !slices.Equal(got, want) {
		t.Errorf("got %q; want %q", got, want)
	}
}

func TestFS(t *testing.T) {
	fsys := fstest.MapFS{
		"net/arp": {Data: []byte("IP address\n10.0.0.1\n")},
	}
	var got []string
	for line, err := range FS(fsys, "net/arp") {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, string(line))
	}
	if want := []string{"IP address", "10.0.0.1"}; !slices.Equal(got, want) {
		t.Errorf("got %q; want %q", got, want)
	}

	var n int
	for line, err := range FS(fsys, "net/route") {
		n++
		if line != nil || !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("missing file: got %q, %v", line, err)
		}
	}
	if n != 1 {
		t.Errorf("missing file yielded %d times; want 1", n)
	}
}
