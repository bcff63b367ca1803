package storage

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

// backendTestSuite runs the same checks against any Backend implementation
func backendTestSuite(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("CreateAndDeleteBucket", func(t *testing.T) {
		backend := newBackend(t)

		if err := backend.CreateBucket([]byte("fg")); err != nil {
			t.Fatalf("CreateBucket failed: %v", err)
		}
		if err := backend.CreateBucket([]byte("fg")); err != nil {
			t.Errorf("CreateBucket should be idempotent: %v", err)
		}

		exists, err := backend.BucketExists([]byte("fg"))
		if err != nil || !exists {
			t.Fatalf("BucketExists = %v, %v; want true, nil", exists, err)
		}

		if err := backend.DeleteBucket([]byte("fg")); err != nil {
			t.Fatalf("DeleteBucket failed: %v", err)
		}
		if err := backend.DeleteBucket([]byte("fg")); err != nil {
			t.Errorf("DeleteBucket should be idempotent: %v", err)
		}

		exists, _ = backend.BucketExists([]byte("fg"))
		if exists {
			t.Error("Bucket should not exist after deletion")
		}
	})

	t.Run("PutGetDelete", func(t *testing.T) {
		backend := newBackend(t)
		backend.CreateBucket([]byte("fg"))

		if err := backend.Put([]byte("fg"), []byte("shuffle-1"), []byte("v1")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		got, err := backend.Get([]byte("fg"), []byte("shuffle-1"))
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got, []byte("v1")) {
			t.Errorf("Get returned %s, want v1", got)
		}

		got, err = backend.Get([]byte("fg"), []byte("missing"))
		if err != nil || got != nil {
			t.Errorf("Get(missing) = %q, %v; want nil, nil", got, err)
		}

		if err := backend.Delete([]byte("fg"), []byte("shuffle-1")); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		got, _ = backend.Get([]byte("fg"), []byte("shuffle-1"))
		if got != nil {
			t.Error("Key should not exist after deletion")
		}
	})

	t.Run("MissingBucket", func(t *testing.T) {
		backend := newBackend(t)

		err := backend.Put([]byte("nope"), []byte("k"), []byte("v"))
		if !errors.Is(err, ErrBucketNotFound) {
			t.Errorf("Put on missing bucket = %v, want ErrBucketNotFound", err)
		}
	})

	t.Run("BatchAndOrderedForEach", func(t *testing.T) {
		backend := newBackend(t)

		err := backend.Batch([]byte("chunks"), func(b Bucket) error {
			for _, i := range []int{10, 2, 256, 0} {
				if err := b.Put(IndexKey(i), []byte{byte(i)}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}

		var order []int
		err = backend.ForEach([]byte("chunks"), func(k, v []byte) error {
			order = append(order, KeyIndex(k))
			return nil
		})
		if err != nil {
			t.Fatalf("ForEach failed: %v", err)
		}

		want := []int{0, 2, 10, 256}
		if len(order) != len(want) {
			t.Fatalf("ForEach visited %v, want %v", order, want)
		}
		for i := range want {
			if order[i] != want[i] {
				t.Errorf("ForEach visited %v, want %v", order, want)
				break
			}
		}
	})

	t.Run("JSONHelpers", func(t *testing.T) {
		backend := newBackend(t)
		backend.CreateBucket([]byte("fg"))

		type entry struct {
			Name  string `json:"name"`
			Count int    `json:"count"`
		}

		if err := PutJSON(backend, []byte("fg"), []byte("e"), entry{Name: "a", Count: 3}); err != nil {
			t.Fatalf("PutJSON failed: %v", err)
		}

		var got entry
		found, err := GetJSON(backend, []byte("fg"), []byte("e"), &got)
		if err != nil || !found {
			t.Fatalf("GetJSON = %v, %v; want true, nil", found, err)
		}
		if got.Name != "a" || got.Count != 3 {
			t.Errorf("GetJSON decoded %+v", got)
		}

		found, err = GetJSON(backend, []byte("fg"), []byte("missing"), &got)
		if err != nil || found {
			t.Errorf("GetJSON(missing) = %v, %v; want false, nil", found, err)
		}
	})
}

func TestBboltBackend(t *testing.T) {
	backendTestSuite(t, func(t *testing.T) Backend {
		backend, err := NewBboltBackend(filepath.Join(t.TempDir(), "sub", "test.db"))
		if err != nil {
			t.Fatalf("failed to create backend: %v", err)
		}
		t.Cleanup(func() { backend.Close() })
		return backend
	})
}

func TestMemoryBackend(t *testing.T) {
	backendTestSuite(t, func(t *testing.T) Backend {
		return NewMemoryBackend()
	})
}

func TestIndexKey(t *testing.T) {
	t.Parallel()

	for _, i := range []int{0, 1, 255, 1 << 20} {
		if got := KeyIndex(IndexKey(i)); got != i {
			t.Errorf("KeyIndex(IndexKey(%d)) = %d", i, got)
		}
	}
	if got := KeyIndex([]byte("short")); got != -1 {
		t.Errorf("KeyIndex(short) = %d, want -1", got)
	}
}
