/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package krpcserver

import (
	"sync"
	"testing"

	"github.com/pkg/errors"

	"github.com/jwvanderbeck/krpc/krpcwire"
)

type vessel struct {
	name string
}

func TestObjectStoreIdempotentHandles(t *testing.T) {
	store := NewObjectStore()
	v := &vessel{name: "Kerbal X"}

	h, err := store.AddInstance(v)
	if err != nil {
		t.Fatalf("AddInstance failed: %v", err)
	}
	if h == 0 {
		t.Fatalf("non-nil instance got handle 0")
	}
	for i := 0; i < 5; i++ {
		if again, _ := store.AddInstance(v); again != h {
			t.Fatalf("AddInstance not idempotent: got %d, want %d", again, h)
		}
	}

	got, err := store.GetInstance(h)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if got != v {
		t.Fatalf("GetInstance returned a different instance")
	}
}

func TestObjectStoreDistinctInstances(t *testing.T) {
	store := NewObjectStore()
	// Same field values, distinct identities.
	a := &vessel{name: "twin"}
	b := &vessel{name: "twin"}
	ha, _ := store.AddInstance(a)
	hb, _ := store.AddInstance(b)
	if ha == hb {
		t.Fatalf("distinct instances shared handle %d", ha)
	}
}

func TestObjectStoreRejectsValueInstances(t *testing.T) {
	store := NewObjectStore()
	// A value type keys by field equality, not identity, so the store
	// refuses it rather than aliasing distinct instances.
	if _, err := store.AddInstance(vessel{name: "copy"}); !errors.Is(err, ErrNotReference) {
		t.Fatalf("expected ErrNotReference for struct value, got %v", err)
	}
	// Unhashable types must fail the same way instead of panicking.
	if _, err := store.AddInstance(map[string]int{}); !errors.Is(err, ErrNotReference) {
		t.Fatalf("expected ErrNotReference for map, got %v", err)
	}
	store.RemoveInstance(map[string]int{})
	if store.Len() != 0 {
		t.Fatalf("rejected instance was registered")
	}
}

func TestObjectStoreNullHandle(t *testing.T) {
	store := NewObjectStore()
	h, err := store.AddInstance(nil)
	if err != nil || h != 0 {
		t.Fatalf("AddInstance(nil) = %d, %v; want 0, nil", h, err)
	}
	got, err := store.GetInstance(0)
	if err != nil || got != nil {
		t.Fatalf("GetInstance(0) = %v, %v; want nil, nil", got, err)
	}
}

func TestObjectStoreInvalidHandle(t *testing.T) {
	store := NewObjectStore()
	if _, err := store.GetInstance(999); !errors.Is(err, krpcwire.ErrInvalidHandle) {
		t.Fatalf("expected ErrInvalidHandle, got %v", err)
	}
}

func TestObjectStoreRemoveRetiresHandle(t *testing.T) {
	store := NewObjectStore()
	a := &vessel{name: "doomed"}
	h, _ := store.AddInstance(a)
	store.RemoveInstance(a)

	if _, err := store.GetInstance(h); !errors.Is(err, krpcwire.ErrInvalidHandle) {
		t.Fatalf("expected ErrInvalidHandle after removal, got %v", err)
	}
	// Re-adding allocates a fresh handle rather than reusing the old one.
	if again, _ := store.AddInstance(a); again == h {
		t.Fatalf("handle %d reused after removal", h)
	}
	if store.Len() != 1 {
		t.Fatalf("store has %d mappings, want 1", store.Len())
	}
}

func TestObjectStoreConcurrentProducers(t *testing.T) {
	store := NewObjectStore()
	const perWorker = 100
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				v := &vessel{}
				h, err := store.AddInstance(v)
				if err != nil {
					t.Errorf("AddInstance failed: %v", err)
					return
				}
				got, err := store.GetInstance(h)
				if err != nil || got != v {
					t.Errorf("lost mapping for handle %d", h)
					return
				}
			}
		}()
	}
	wg.Wait()
	if store.Len() != 8*perWorker {
		t.Fatalf("store has %d mappings, want %d", store.Len(), 8*perWorker)
	}
}
