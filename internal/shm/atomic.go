package shm

import (
	"sync/atomic"
	"unsafe"
)

// AtomicLoadUint64 loads a uint64 from shared memory atomically.
// addr must be 8-byte aligned.
func AtomicLoadUint64(addr unsafe.Pointer) uint64 {
	return atomic.LoadUint64((*uint64)(addr))
}

// AtomicStoreUint64 stores a uint64 to shared memory atomically.
func AtomicStoreUint64(addr unsafe.Pointer, val uint64) {
	atomic.StoreUint64((*uint64)(addr), val)
}

// AtomicAddUint64 adds delta to a uint64 in shared memory and returns the new value.
func AtomicAddUint64(addr unsafe.Pointer, delta uint64) uint64 {
	return atomic.AddUint64((*uint64)(addr), delta)
}

// AtomicCompareAndSwapUint64 atomically compares and swaps a uint64 in shared memory.
func AtomicCompareAndSwapUint64(addr unsafe.Pointer, old, new uint64) bool {
	return atomic.CompareAndSwapUint64((*uint64)(addr), old, new)
}

// AtomicLoadUint32 loads a uint32 from shared memory atomically.
func AtomicLoadUint32(addr unsafe.Pointer) uint32 {
	return atomic.LoadUint32((*uint32)(addr))
}

// AtomicOrUint32 sets bits in a uint32 in shared memory with a CAS loop and
// returns the previous value. Used for flag words that share a 32-bit cell with
// fields that never change after creation.
func AtomicOrUint32(addr unsafe.Pointer, bits uint32) uint32 {
	p := (*uint32)(addr)
	for {
		old := atomic.LoadUint32(p)
		if old&bits == bits {
			return old
		}
		if atomic.CompareAndSwapUint32(p, old, old|bits) {
			return old
		}
	}
}

// IsLittleEndian is true if the CPU uses little-endian byte order.
var IsLittleEndian = func() bool {
	var x uint32 = 0x04030201
	return *(*byte)(unsafe.Pointer(&x)) == 0x01
}()

// AtomicStoreUint32 stores a uint32 to shared memory atomically.
func AtomicStoreUint32(addr unsafe.Pointer, val uint32) {
	atomic.StoreUint32((*uint32)(addr), val)
}
