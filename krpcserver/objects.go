/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package krpcserver

import (
	"reflect"
	"sync"

	"github.com/pkg/errors"

	"github.com/jwvanderbeck/krpc/krpcwire"
)

// ErrNotReference rejects instances whose map-key equality is not identity.
var ErrNotReference = errors.New("instance is not a pointer")

// ObjectStore is the single authority translating host instances to wire
// handles. It holds a lookup relation only: instance lifetime stays with the
// host. Instances are keyed by identity, so only pointers are accepted; a
// value type would coalesce distinct instances with equal fields onto one
// handle.
//
// Safe to call from the tick goroutine concurrently with any goroutine that
// produces new instances. The lock is never held across blocking I/O.
type ObjectStore struct {
	mu         sync.Mutex
	next       uint64
	byHandle   map[uint64]any
	byInstance map[any]uint64
}

func NewObjectStore() *ObjectStore {
	return &ObjectStore{
		byHandle:   make(map[uint64]any),
		byInstance: make(map[any]uint64),
	}
}

// AddInstance returns the handle for an instance, allocating the next unused
// handle on first sight. Repeated calls with the same instance return the
// same handle; a handle is never reassigned to a different instance. Nil maps
// to handle 0; a non-pointer instance fails with ErrNotReference.
func (t *ObjectStore) AddInstance(instance any) (uint64, error) {
	if instance == nil {
		return 0, nil
	}
	if !isPointer(instance) {
		return 0, errors.Wrapf(ErrNotReference, "%T", instance)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.byInstance[instance]; ok {
		return h, nil
	}
	t.next++
	t.byHandle[t.next] = instance
	t.byInstance[instance] = t.next
	return t.next, nil
}

// GetInstance resolves a handle. Handle 0 is nil; an unregistered handle
// fails with krpcwire.ErrInvalidHandle.
func (t *ObjectStore) GetInstance(handle uint64) (any, error) {
	if handle == 0 {
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	instance, ok := t.byHandle[handle]
	if !ok {
		return nil, errors.Wrapf(krpcwire.ErrInvalidHandle, "handle %d", handle)
	}
	return instance, nil
}

// RemoveInstance drops the mapping for a destroyed host instance. The handle
// is retired, never reused: a later lookup fails rather than resolving to a
// different instance.
func (t *ObjectStore) RemoveInstance(instance any) {
	if instance == nil || !isPointer(instance) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.byInstance[instance]; ok {
		delete(t.byInstance, instance)
		delete(t.byHandle, h)
	}
}

func isPointer(instance any) bool {
	return reflect.TypeOf(instance).Kind() == reflect.Pointer
}

// Len reports the number of live mappings.
func (t *ObjectStore) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byHandle)
}
