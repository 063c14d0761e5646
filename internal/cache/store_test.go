package cache

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/offcache/offcache/internal/fetch"
)

func TestFileBackendPutAndGet(t *testing.T) {
	backend := newTestFileBackend(t)
	bucket := Bucket{Namespace: "kraft", Generation: "kraft-v5"}

	if err := backend.Put(context.Background(), bucket, "GET https://app.test/", []byte("payload")); err != nil {
		t.Fatalf("put error: %v", err)
	}
	data, err := backend.Get(context.Background(), bucket, "GET https://app.test/")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("cached payload mismatch: %s", string(data))
	}

	if err := backend.Put(context.Background(), bucket, "GET https://app.test/", []byte("second")); err != nil {
		t.Fatalf("overwrite error: %v", err)
	}
	data, _ = backend.Get(context.Background(), bucket, "GET https://app.test/")
	if string(data) != "second" {
		t.Fatalf("overwrite should replace payload, got %s", string(data))
	}
}

func TestFileBackendGetMissing(t *testing.T) {
	backend := newTestFileBackend(t)
	_, err := backend.Get(context.Background(), Bucket{Namespace: "kraft", Generation: "kraft-v1"}, "GET https://app.test/missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileBackendRejectsEscapingNames(t *testing.T) {
	backend := newTestFileBackend(t)
	cases := []Bucket{
		{Namespace: "kraft", Generation: ".."},
		{Namespace: "..", Generation: "v1"},
		{Namespace: "kraft", Generation: "a/b"},
		{Namespace: "", Generation: "v1"},
	}
	for _, bucket := range cases {
		if err := backend.Put(context.Background(), bucket, "GET https://app.test/", []byte("x")); err == nil {
			t.Fatalf("bucket %q should be rejected", bucket.String())
		}
	}
}

func TestFileBackendListSkipsHiddenDirs(t *testing.T) {
	base := t.TempDir()
	backend, err := NewFileBackend(base)
	if err != nil {
		t.Fatalf("init backend error: %v", err)
	}
	for _, gen := range []string{"kraft-v5", "kraft-v1"} {
		if err := backend.CreateBucket(context.Background(), Bucket{Namespace: "kraft", Generation: gen}); err != nil {
			t.Fatalf("create bucket error: %v", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(base, "kraft", ".tmp"), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if err := os.WriteFile(filepath.Join(base, "kraft", "stray"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}

	names, err := backend.ListBuckets(context.Background(), "kraft")
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"kraft-v1", "kraft-v5"}) {
		t.Fatalf("unexpected generations: %v", names)
	}

	names, err = backend.ListBuckets(context.Background(), "unknown")
	if err != nil || len(names) != 0 {
		t.Fatalf("unknown namespace should list nothing, got %v err=%v", names, err)
	}
}

func TestVersionedStoreLifecycle(t *testing.T) {
	backends := map[string]func(t *testing.T) Backend{
		"fs":     newTestFileBackend,
		"memory": func(t *testing.T) Backend { return NewMemoryBackend(MemoryOptions{}) },
		"sqlite": func(t *testing.T) Backend {
			b, err := NewSQLBackend(DialectSQLite, filepath.Join(t.TempDir(), "cache.db"))
			if err != nil {
				t.Fatalf("open sqlite error: %v", err)
			}
			return b
		},
		"tiered": func(t *testing.T) Backend {
			b, err := NewTieredBackend(newTestFileBackend(t), 1<<20)
			if err != nil {
				t.Fatalf("tiered error: %v", err)
			}
			return b
		},
	}

	for name, build := range backends {
		t.Run(name, func(t *testing.T) {
			backend := build(t)
			t.Cleanup(func() { _ = backend.Close() })
			store := newTestVersionedStore(t, backend, "kraft")
			ctx := context.Background()

			v1, err := store.Open(ctx, "kraft-v1")
			if err != nil {
				t.Fatalf("open v1 error: %v", err)
			}
			v2, err := store.Open(ctx, "kraft-v2")
			if err != nil {
				t.Fatalf("open v2 error: %v", err)
			}

			id := mustIdentity(t, "https://app.test/index.html")
			if err := store.Put(ctx, v1, id, testSnapshot("old")); err != nil {
				t.Fatalf("put v1 error: %v", err)
			}
			if err := store.Put(ctx, v2, id, testSnapshot("new")); err != nil {
				t.Fatalf("put v2 error: %v", err)
			}

			snap, ok, err := store.Get(ctx, v2, id)
			if err != nil || !ok {
				t.Fatalf("expected hit in v2, ok=%v err=%v", ok, err)
			}
			if string(snap.Body) != "new" || snap.Type != fetch.TypeBasic {
				t.Fatalf("unexpected snapshot: %+v", snap)
			}

			ids, err := store.ListGenerationIDs(ctx)
			if err != nil {
				t.Fatalf("list error: %v", err)
			}
			if !reflect.DeepEqual(ids, []string{"kraft-v1", "kraft-v2"}) {
				t.Fatalf("unexpected generations: %v", ids)
			}

			if err := store.Delete(ctx, "kraft-v1"); err != nil {
				t.Fatalf("delete error: %v", err)
			}
			if err := store.Delete(ctx, "kraft-v1"); err != nil {
				t.Fatalf("second delete should succeed: %v", err)
			}
			if _, ok, err := store.Get(ctx, v1, id); ok || err != nil {
				t.Fatalf("deleted generation should be empty, ok=%v err=%v", ok, err)
			}
			ids, _ = store.ListGenerationIDs(ctx)
			if !reflect.DeepEqual(ids, []string{"kraft-v2"}) {
				t.Fatalf("v1 should be gone, got %v", ids)
			}
			if _, ok, _ := store.Get(ctx, v2, id); !ok {
				t.Fatalf("v2 entry should survive deleting v1")
			}
		})
	}
}

func TestVersionedStoreGetAbsent(t *testing.T) {
	store := newTestVersionedStore(t, newTestFileBackend(t), "kraft")
	gen, err := store.Open(context.Background(), "kraft-v5")
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	snap, ok, err := store.Get(context.Background(), gen, mustIdentity(t, "https://app.test/missing"))
	if snap != nil || ok || err != nil {
		t.Fatalf("expected absent, got snap=%v ok=%v err=%v", snap, ok, err)
	}
}

func TestVersionedStoreNamespacesAreIsolated(t *testing.T) {
	backend := newTestFileBackend(t)
	kraft := newTestVersionedStore(t, backend, "kraft")
	other := newTestVersionedStore(t, backend, "other")
	ctx := context.Background()

	if _, err := kraft.Open(ctx, "v1"); err != nil {
		t.Fatalf("open error: %v", err)
	}
	if _, err := other.Open(ctx, "v9"); err != nil {
		t.Fatalf("open error: %v", err)
	}
	ids, _ := kraft.ListGenerationIDs(ctx)
	if !reflect.DeepEqual(ids, []string{"v1"}) {
		t.Fatalf("namespace leak: %v", ids)
	}
}

func TestVersionedStoreInstalledMarker(t *testing.T) {
	store := newTestVersionedStore(t, newTestFileBackend(t), "kraft")
	ctx := context.Background()

	installed, err := store.IsInstalled(ctx, "kraft-v5")
	if err != nil || installed {
		t.Fatalf("fresh generation should not be installed, installed=%v err=%v", installed, err)
	}
	gen, _ := store.Open(ctx, "kraft-v5")
	if err := store.MarkInstalled(ctx, gen); err != nil {
		t.Fatalf("mark error: %v", err)
	}
	installed, err = store.IsInstalled(ctx, "kraft-v5")
	if err != nil || !installed {
		t.Fatalf("generation should be installed, installed=%v err=%v", installed, err)
	}
}

func TestVersionedStoreWrapsStorageErrors(t *testing.T) {
	backend := newTestFileBackend(t)
	store := newTestVersionedStore(t, backend, "kraft")
	_, err := store.Open(context.Background(), "../escape")
	var storageErr *StorageError
	if !errors.As(err, &storageErr) || storageErr.Op != "open" {
		t.Fatalf("expected StorageError{open}, got %v", err)
	}
}

func TestCodecs(t *testing.T) {
	for _, name := range []string{"msgpack", "cbor", "json"} {
		for _, compress := range []bool{false, true} {
			codec, err := NewCodec(name, compress, 0)
			if err != nil {
				t.Fatalf("codec %s error: %v", name, err)
			}
			snap := testSnapshot(strings.Repeat("body", 64))
			data, err := codec.Encode(snap)
			if err != nil {
				t.Fatalf("%s encode error: %v", codec.Name(), err)
			}
			wantFrame := frameRaw
			if compress {
				wantFrame = frameZstd
			}
			if data[0] != wantFrame {
				t.Fatalf("%s unexpected frame 0x%02x", codec.Name(), data[0])
			}
			decoded, err := codec.Decode(data)
			if err != nil {
				t.Fatalf("%s decode error: %v", codec.Name(), err)
			}
			if decoded.Status != snap.Status || string(decoded.Body) != string(snap.Body) ||
				decoded.Header.Get("Content-Type") != "text/html" || decoded.Type != snap.Type ||
				!decoded.StoredAt.Equal(snap.StoredAt) {
				t.Fatalf("%s snapshot mismatch: %+v", codec.Name(), decoded)
			}
		}
	}
}

func TestCodecReadsEntriesWrittenWithOtherCompression(t *testing.T) {
	plain, _ := NewCodec("msgpack", false, 0)
	compressed, _ := NewCodec("msgpack", true, 0)
	data, err := compressed.Encode(testSnapshot("zipped"))
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	decoded, err := plain.Decode(data)
	if err != nil || string(decoded.Body) != "zipped" {
		t.Fatalf("plain codec should read zstd frame, body=%v err=%v", decoded, err)
	}
}

func TestCodecRejectsOversizedPayload(t *testing.T) {
	writer, _ := NewCodec("json", false, 0)
	reader, _ := NewCodec("json", false, 32)
	data, _ := writer.Encode(testSnapshot(strings.Repeat("x", 256)))
	if _, err := reader.Decode(data); err == nil {
		t.Fatalf("expected oversized payload to be rejected")
	}
	if _, err := NewCodec("gob", false, 0); err == nil {
		t.Fatalf("unknown codec should fail")
	}
}

func TestIdentityNormalization(t *testing.T) {
	a := mustIdentity(t, "HTTPS://App.Test#section")
	b := mustIdentity(t, "https://app.test/")
	if a.Key() != b.Key() {
		t.Fatalf("identities should match: %s vs %s", a.Key(), b.Key())
	}
	if a.Key() != "GET https://app.test/" {
		t.Fatalf("unexpected key: %s", a.Key())
	}
	q := mustIdentity(t, "https://app.test/words?page=2")
	if q.Key() == mustIdentity(t, "https://app.test/words").Key() {
		t.Fatalf("query should take part in identity")
	}
}

func TestOpenBackendKinds(t *testing.T) {
	backend, err := OpenBackend(BackendOptions{Kind: "fs", Path: t.TempDir(), HotTierBytes: 1 << 20})
	if err != nil {
		t.Fatalf("open fs backend error: %v", err)
	}
	if _, ok := backend.(*tieredBackend); !ok {
		t.Fatalf("expected tiered wrapper, got %T", backend)
	}
	_ = backend.Close()

	if _, err := OpenBackend(BackendOptions{Kind: "s3"}); err == nil {
		t.Fatalf("unknown backend should fail")
	}
	if _, err := OpenBackend(BackendOptions{Kind: "postgres"}); err == nil {
		t.Fatalf("postgres without DSN should fail")
	}
	if _, err := OpenBackend(BackendOptions{Kind: "redis"}); err == nil {
		t.Fatalf("redis without address should fail")
	}
}

func TestTieredBackendDeleteClearsHotTier(t *testing.T) {
	backend, err := NewTieredBackend(NewMemoryBackend(MemoryOptions{}), 1<<20)
	if err != nil {
		t.Fatalf("tiered error: %v", err)
	}
	defer backend.Close()
	ctx := context.Background()
	bucket := Bucket{Namespace: "kraft", Generation: "v1"}

	if err := backend.Put(ctx, bucket, "k", []byte("v")); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if _, err := backend.Get(ctx, bucket, "k"); err != nil {
		t.Fatalf("get error: %v", err)
	}
	if err := backend.DeleteBucket(ctx, bucket); err != nil {
		t.Fatalf("delete error: %v", err)
	}
	if _, err := backend.Get(ctx, bucket, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted entry must not be served from hot tier, err=%v", err)
	}
}

func TestTieredBackendPutReplacesFilledEntry(t *testing.T) {
	inner := NewMemoryBackend(MemoryOptions{})
	backend, err := NewTieredBackend(inner, 1<<20)
	if err != nil {
		t.Fatalf("tiered error: %v", err)
	}
	defer backend.Close()
	tiered := backend.(*tieredBackend)
	ctx := context.Background()
	bucket := Bucket{Namespace: "kraft", Generation: "kraft-v5"}
	if err := inner.CreateBucket(ctx, bucket); err != nil {
		t.Fatalf("create bucket error: %v", err)
	}

	const keys = 500
	for i := 0; i < keys; i++ {
		key := "GET https://app.test/asset-" + strconv.Itoa(i)
		if err := inner.Put(ctx, bucket, key, []byte("old")); err != nil {
			t.Fatalf("seed error: %v", err)
		}
		if _, err := backend.Get(ctx, bucket, key); err != nil {
			t.Fatalf("fill error: %v", err)
		}
		if err := backend.Put(ctx, bucket, key, []byte("new")); err != nil {
			t.Fatalf("put error: %v", err)
		}
	}
	tiered.hot.Wait()

	stale := 0
	for i := 0; i < keys; i++ {
		got, err := backend.Get(ctx, bucket, "GET https://app.test/asset-"+strconv.Itoa(i))
		if err != nil {
			t.Fatalf("get error: %v", err)
		}
		if string(got) != "new" {
			stale++
		}
	}
	tiered.hot.Wait()
	if stale > 0 {
		t.Fatalf("stale reads after overwrite: %d/%d", stale, keys)
	}
}

func TestTieredBackendDeletedGenerationNotRefilled(t *testing.T) {
	inner := NewMemoryBackend(MemoryOptions{})
	backend, err := NewTieredBackend(inner, 1<<20)
	if err != nil {
		t.Fatalf("tiered error: %v", err)
	}
	defer backend.Close()
	tiered := backend.(*tieredBackend)
	ctx := context.Background()
	bucket := Bucket{Namespace: "kraft", Generation: "kraft-v4"}

	if err := backend.Put(ctx, bucket, "k", []byte("v4")); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if _, err := backend.Get(ctx, bucket, "k"); err != nil {
		t.Fatalf("get error: %v", err)
	}
	if err := backend.DeleteBucket(ctx, bucket); err != nil {
		t.Fatalf("delete error: %v", err)
	}
	tiered.hot.Wait()

	// 回滚到同一版本号时重新创建 bucket，旧条目不能再被热点层返回
	if err := backend.CreateBucket(ctx, bucket); err != nil {
		t.Fatalf("recreate error: %v", err)
	}
	if _, err := backend.Get(ctx, bucket, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted generation served from hot tier, err=%v", err)
	}
}

func TestVersionedStoreOverwriteThroughHotTier(t *testing.T) {
	backend, err := NewTieredBackend(newTestFileBackend(t), 1<<20)
	if err != nil {
		t.Fatalf("tiered error: %v", err)
	}
	defer backend.Close()
	store := newTestVersionedStore(t, backend, "kraft")
	ctx := context.Background()
	gen, err := store.Open(ctx, "kraft-v5")
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	id := mustIdentity(t, "https://app.test/words")

	if err := store.Put(ctx, gen, id, testSnapshot("v1")); err != nil {
		t.Fatalf("put v1 error: %v", err)
	}
	if _, _, err := store.Get(ctx, gen, id); err != nil {
		t.Fatalf("get v1 error: %v", err)
	}
	if err := store.Put(ctx, gen, id, testSnapshot("v2")); err != nil {
		t.Fatalf("put v2 error: %v", err)
	}
	backend.(*tieredBackend).hot.Wait()

	snap, ok, err := store.Get(ctx, gen, id)
	if err != nil || !ok {
		t.Fatalf("get v2 failed: ok=%v err=%v", ok, err)
	}
	if string(snap.Body) != "v2" {
		t.Fatalf("after overwrite get=%q, want v2", snap.Body)
	}
}

func newTestFileBackend(t *testing.T) Backend {
	t.Helper()
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("init backend error: %v", err)
	}
	return backend
}

func newTestVersionedStore(t *testing.T, backend Backend, namespace string) *VersionedStore {
	t.Helper()
	codec, err := NewCodec("msgpack", false, 0)
	if err != nil {
		t.Fatalf("codec error: %v", err)
	}
	store, err := NewVersionedStore(backend, codec, namespace)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	return store
}

func mustIdentity(t *testing.T, raw string) Identity {
	t.Helper()
	req, err := fetch.NewRequest(http.MethodGet, raw)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	return IdentityOf(req)
}

func testSnapshot(body string) *StoredResponse {
	header := http.Header{}
	header.Set("Content-Type", "text/html")
	return &StoredResponse{
		Status:   http.StatusOK,
		Header:   header,
		Body:     []byte(body),
		Type:     fetch.TypeBasic,
		URL:      "https://app.test/index.html",
		StoredAt: time.Date(2024, 5, 1, 12, 0, 0, 123, time.UTC),
	}
}
