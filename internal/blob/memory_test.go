package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

func TestMemoryStore_PutGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ref, err := s.Put(ctx, "/inputs/one", []byte("payload"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if ref != "inputs/one" {
		t.Fatalf("Put() ref = %q, want normalized inputs/one", ref)
	}

	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, []byte("payload")) {
		t.Fatalf("Get() = %q, want payload", got)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := s.Put(ctx, "  ", nil); err == nil {
		t.Fatalf("Put() with blank key succeeded")
	}
}

func TestMemoryStore_GetStream(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.Put(ctx, "k", []byte("stream me")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	rc, err := s.GetStream(ctx, "k")
	if err != nil {
		t.Fatalf("GetStream() error = %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(got) != "stream me" {
		t.Fatalf("GetStream() = %q, want stream me", got)
	}
}

func TestMemoryStore_List(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, key := range []string{"inv-1/a", "inv-1/b", "inv-2/a"} {
		if _, err := s.Put(ctx, key, []byte("x")); err != nil {
			t.Fatalf("Put(%s) error = %v", key, err)
		}
	}
	keys, err := s.List(ctx, "inv-1/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(keys) != 2 || keys[0] != "inv-1/a" || keys[1] != "inv-1/b" {
		t.Fatalf("List(inv-1/) = %v, want [inv-1/a inv-1/b]", keys)
	}
}

func TestMemoryStore_IsolatesStoredBytes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	data := []byte("original")
	if _, err := s.Put(ctx, "k", data); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	data[0] = 'X'
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "original" {
		t.Fatalf("stored bytes alias the caller's slice")
	}
}
