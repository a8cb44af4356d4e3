package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	logx "wxalert/pkg/logx"
)

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "kv.json")

	kv, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer kv.Close()

	if _, ok, err := kv.GetItem(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetItem(missing) = ok=%v err=%v", ok, err)
	}
	if err := kv.SetItem(ctx, "a", "1"); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	if err := kv.SetItem(ctx, "b", "2"); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	v, ok, err := kv.GetItem(ctx, "a")
	if err != nil || !ok || v != "1" {
		t.Fatalf("GetItem(a) = %q ok=%v err=%v", v, ok, err)
	}
	if err := kv.RemoveItem(ctx, "a"); err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	if _, ok, _ := kv.GetItem(ctx, "a"); ok {
		t.Fatal("expected a to be removed")
	}
	if v, _, _ := kv.GetItem(ctx, "b"); v != "2" {
		t.Fatalf("GetItem(b) = %q", v)
	}
}

func TestFileStoreSharedAcrossInstances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.json")

	a, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open a: %v", err)
	}
	b, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}
	if err := a.SetItem(ctx, "k", "from-a"); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	v, ok, err := b.GetItem(ctx, "k")
	if err != nil || !ok || v != "from-a" {
		t.Fatalf("second instance did not observe write: %q ok=%v err=%v", v, ok, err)
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	kv, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, err := kv.GetItem(ctx, "k"); err == nil {
		t.Fatal("expected read error on corrupt file")
	}
	// Writes recover by rewriting the file.
	if err := kv.SetItem(ctx, "k", "v"); err != nil {
		t.Fatalf("SetItem after corruption: %v", err)
	}
	if v, ok, err := kv.GetItem(ctx, "k"); err != nil || !ok || v != "v" {
		t.Fatalf("GetItem = %q ok=%v err=%v", v, ok, err)
	}
}

func TestFileStoreClosed(t *testing.T) {
	t.Parallel()
	kv, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "kv.json")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_ = kv.Close()
	if err := kv.SetItem(context.Background(), "k", "v"); err != ErrClosed {
		t.Fatalf("SetItem after Close = %v, want ErrClosed", err)
	}
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "none"}, logx.Nop()); err != ErrDisabled {
		t.Fatalf("Open(none) err = %v, want ErrDisabled", err)
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for file driver without path")
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for postgres driver without dsn")
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for redis driver without addr")
	}
	kv, err := Open(Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(memory): %v", err)
	}
	_ = kv.Close()
}
