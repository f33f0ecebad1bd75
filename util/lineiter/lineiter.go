// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package lineiter iterates over lines in procfs-style files.
package lineiter

import (
	"bufio"
	"bytes"
	"io"
	"io/fs"
	"iter"
)

// FS returns an iterator over the lines of the named file in fsys.
//
// The returned lines don't include the trailing newline and are only
// valid until the next iteration. Lines may be empty. An open or read
// failure is yielded once, with a nil line, and ends the iteration.
func FS(fsys fs.FS, name string) iter.Seq2[[]byte, error] {
	f, err := fsys.Open(name)
	return reader(f, f, err)
}

// Bytes returns an iterator over the lines in bs.
// The returned substrings don't include the trailing newline.
// Lines may be empty.
func Bytes(bs []byte) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for len(bs) > 0 {
			i := bytes.IndexByte(bs, '\n')
			if i < 0 {
				yield(bs)
				return
			}
			if !yield(bs[:i]) {
				return
			}
			bs = bs[i+1:]
		}
	}
}

// Reader returns an iterator over the lines in r, with the same
// contract as FS.
func Reader(r io.Reader) iter.Seq2[[]byte, error] {
	return reader(r, nil, nil)
}

func reader(r io.Reader, c io.Closer, err error) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if err != nil {
			yield(nil, err)
			return
		}
		if c != nil {
			defer c.Close()
		}
		bs := bufio.NewScanner(r)
		for bs.Scan() {
			if !yield(bs.Bytes(), nil) {
				return
			}
		}
		if err := bs.Err(); err != nil {
			yield(nil, err)
		}
	}
}
