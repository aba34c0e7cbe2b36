// Copyright 2025 The osmem Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package refs defines an interface for reference counted objects and
// provides a drop-in implementation, AtomicRefCount, together with weak
// references that never keep their referent alive.
package refs

import (
	"sync"
	"sync/atomic"
)

// RefCounter is the interface to be implemented by objects that are
// reference counted.
type RefCounter interface {
	// IncRef increments the reference counter on the object.
	IncRef()

	// DecRef decrements the reference counter on the object.
	DecRef()

	// TryIncRef attempts to increase the reference counter on the
	// object, but may fail if all references have already been dropped.
	// It is used when resolving weak references.
	TryIncRef() bool

	// addWeakRef adds the given weak reference. The caller must hold a
	// reference to the object.
	addWeakRef(*WeakRef)

	// dropWeakRef drops the given weak reference. The caller must hold
	// a reference to the object.
	dropWeakRef(*WeakRef)
}

// A WeakRefUser is notified when the last non-weak reference is
// dropped.
type WeakRefUser interface {
	// WeakRefGone is called when the last non-weak reference is
	// dropped.
	WeakRefGone()
}

// WeakRef is a weak reference: a relation usable for lookup that never
// keeps the referent alive. Resolving one either upgrades to a real
// reference or reports that the referent is already torn down.
type WeakRef struct {
	mu sync.Mutex

	// obj is the referent, nil once the weak reference has been zapped
	// by the referent's destruction.
	obj RefCounter

	// user is notified when the referent is destroyed.
	user WeakRefUser
}

// NewWeakRef acquires a weak reference for the given object.
//
// An optional user will be notified when the last non-weak reference is
// dropped.
//
// Preconditions: the caller holds a reference to rc.
func NewWeakRef(rc RefCounter, u WeakRefUser) *WeakRef {
	w := &WeakRef{obj: rc, user: u}
	rc.addWeakRef(w)
	return w
}

// Get attempts to upgrade to a normal reference on the underlying
// object and returns it. If the object has already been destroyed, Get
// returns nil.
func (w *WeakRef) Get() RefCounter {
	w.mu.Lock()
	rc := w.obj
	w.mu.Unlock()
	if rc == nil {
		return nil
	}
	if !rc.TryIncRef() {
		return nil
	}
	return rc
}

// Drop drops this weak reference. The weak reference must not be used
// after calling Drop.
func (w *WeakRef) Drop() {
	rc := w.Get()
	if rc == nil {
		// Already zapped; there is nothing to unregister from.
		return
	}
	rc.dropWeakRef(w)
	rc.DecRef()
}

// zap severs the weak reference from its referent.
func (w *WeakRef) zap() {
	w.mu.Lock()
	w.obj = nil
	w.mu.Unlock()
}

// AtomicRefCount keeps a reference count using atomic operations and
// calls the destructor when the count reaches zero.
//
// The count is offset by 1 so that the zero value carries one
// reference: when refCount is n, there are really n+1 references.
type AtomicRefCount struct {
	// refCount is composed of two fields:
	//
	//	[32-bit speculative references]:[32-bit real references]
	//
	// Speculative references are used by TryIncRef to avoid a
	// compare-and-swap loop. See IncRef, DecRef and TryIncRef for how
	// the fields are used.
	refCount atomic.Int64

	// mu protects weakRefs.
	mu sync.Mutex

	// weakRefs is the collection of weak references to this object.
	weakRefs map[*WeakRef]struct{}
}

// ReadRefs returns the current number of references. The returned count
// is inherently racy and is unsafe to use without external
// synchronization.
func (r *AtomicRefCount) ReadRefs() int64 {
	// Account for the internal -1 offset on refcounts.
	return r.refCount.Load() + 1
}

// IncRef increments this object's reference count. While the count is
// kept greater than zero, the destructor doesn't get called.
func (r *AtomicRefCount) IncRef() {
	if v := r.refCount.Add(1); v <= 0 {
		panic("refs: incrementing non-positive ref count")
	}
}

// TryIncRef attempts to increment the reference count, unless the count
// has already reached zero. If false is returned, the object has
// already been destroyed.
//
// A speculative reference is first acquired on the object, which lets
// concurrent TryIncRef calls distinguish each other from genuine
// references held.
func (r *AtomicRefCount) TryIncRef() bool {
	const speculativeRef = 1 << 32
	v := r.refCount.Add(speculativeRef)
	if int32(v) < 0 {
		// This object has already been freed.
		r.refCount.Add(-speculativeRef)
		return false
	}

	// Turn into a real reference.
	r.refCount.Add(-speculativeRef + 1)
	return true
}

// addWeakRef adds the given weak reference.
func (r *AtomicRefCount) addWeakRef(w *WeakRef) {
	r.mu.Lock()
	if r.weakRefs == nil {
		r.weakRefs = make(map[*WeakRef]struct{})
	}
	r.weakRefs[w] = struct{}{}
	r.mu.Unlock()
}

// dropWeakRef drops the given weak reference.
func (r *AtomicRefCount) dropWeakRef(w *WeakRef) {
	r.mu.Lock()
	delete(r.weakRefs, w)
	r.mu.Unlock()
}

// DecRefWithDestructor decrements the object's reference count. If the
// resulting count indicates no references remain, all weak references
// are zapped, their users notified, and the destructor called.
func (r *AtomicRefCount) DecRefWithDestructor(destroy func()) {
	switch v := r.refCount.Add(-1); {
	case v < -1:
		panic("refs: decrementing non-positive ref count")

	case v == -1:
		// Zap weak references. At this point all weak references are
		// already invalid: TryIncRef fails the reference count check.
		r.mu.Lock()
		for w := range r.weakRefs {
			user := w.user
			delete(r.weakRefs, w)
			w.zap()
			if user != nil {
				r.mu.Unlock()
				user.WeakRefGone()
				r.mu.Lock()
			}
		}
		r.mu.Unlock()

		if destroy != nil {
			destroy()
		}
	}
}

// DecRef decrements this object's reference count.
func (r *AtomicRefCount) DecRef() {
	r.DecRefWithDestructor(nil)
}
