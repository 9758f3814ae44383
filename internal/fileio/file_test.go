package fileio

import (
	"bytes"
	"io"
	"os"
	"testing"
)

func withTempFile(t *testing.T, fn func(path string)) {
	t.Helper()
	f, err := os.CreateTemp("", "gdbm-fileio-*")
	if err != nil {
		t.Fatal(err)
	}
	path := f.Name()
	_ = f.Close()
	defer func() { _ = os.Remove(path) }()
	fn(path)
}

func TestWriteReadRoundTrip(t *testing.T) {
	withTempFile(t, func(path string) {
		f, err := Open(path, os.O_RDWR, 0o644)
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = f.Close() }()

		want := []byte("hello, gdbm")
		if err := f.WriteAt(want, 16); err != nil {
			t.Fatal(err)
		}

		got := make([]byte, len(want))
		if err := f.ReadAt(got, 16); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("got %q, want %q", got, want)
		}
	})
}

func TestReadPastEOFIsUnexpectedEOF(t *testing.T) {
	withTempFile(t, func(path string) {
		f, err := Open(path, os.O_RDWR, 0o644)
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = f.Close() }()

		if err := f.WriteAt([]byte("abc"), 0); err != nil {
			t.Fatal(err)
		}

		buf := make([]byte, 8)
		if err := f.ReadAt(buf, 0); err != io.ErrUnexpectedEOF {
			t.Fatalf("got %v, want io.ErrUnexpectedEOF", err)
		}
	})
}

func TestExtendZeroFillsAndIsIdempotent(t *testing.T) {
	withTempFile(t, func(path string) {
		f, err := Open(path, os.O_RDWR, 0o644)
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = f.Close() }()

		if err := f.Extend(64); err != nil {
			t.Fatal(err)
		}
		size, err := f.Size()
		if err != nil {
			t.Fatal(err)
		}
		if size != 64 {
			t.Fatalf("size = %d, want 64", size)
		}

		buf := make([]byte, 64)
		if err := f.ReadAt(buf, 0); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf, make([]byte, 64)) {
			t.Fatalf("extended region not zero-filled: %v", buf)
		}

		// Extending to a smaller or equal size must not shrink the file.
		if err := f.Extend(32); err != nil {
			t.Fatal(err)
		}
		size, err = f.Size()
		if err != nil {
			t.Fatal(err)
		}
		if size != 64 {
			t.Fatalf("size after no-op extend = %d, want 64", size)
		}
	})
}
