package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "crawl/page.html", "text/html", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://crawl/page.html" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'

	obj, ok := store.Get("crawl/page.html")
	if !ok {
		t.Fatal("expected object to be stored")
	}
	if string(obj.Data) != "content" || obj.ContentType != "text/html" {
		t.Fatalf("unexpected object %+v", obj)
	}
	obj.Data[0] = 'X'
	again, _ := store.Get("crawl/page.html")
	if string(again.Data) != "content" {
		t.Fatalf("expected Get to return a copy, got %q", again.Data)
	}
}

func TestBlobStorePaths(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, p := range []string{"b.md", "a.md"} {
		if _, err := store.PutObject(context.Background(), p, "", bytes.NewReader(nil)); err != nil {
			t.Fatalf("PutObject(%s) error = %v", p, err)
		}
	}
	if _, err := store.PutObject(context.Background(), "", "", bytes.NewReader(nil)); err == nil {
		t.Fatal("expected empty path to fail")
	}
	got := store.Paths()
	if len(got) != 2 || got[0] != "a.md" || got[1] != "b.md" {
		t.Fatalf("unexpected paths %v", got)
	}
	if _, ok := store.Get("missing"); ok {
		t.Fatal("expected missing object")
	}
}
