package shm

import (
	"unsafe"

	internalshm "github.com/srediag/dmaring/internal/shm"
)

// HeaderSize is the size of the ring header in bytes.
const HeaderSize = 64

const (
	flagFinished = 1 << 0
	flagTXRole   = 1 << 1
)

// ringHeader overlays the first HeaderSize bytes of the ring file.
type ringHeader struct {
	writeIndex uint64   // 0x00
	readIndex  uint64   // 0x08
	errorCount uint64   // 0x10
	slotSize   uint32   // 0x18
	slotCount  uint32   // 0x1C
	chanFlags  uint32   // 0x20: channel_count (low 16), flags (high 16)
	sampleSize uint32   // 0x24
	stallCount uint64   // 0x28
	reserved   [16]byte // 0x30-0x3F
}

var (
	_ [HeaderSize - unsafe.Sizeof(ringHeader{})]byte
	_ [unsafe.Sizeof(ringHeader{}) - HeaderSize]byte
)

func headerAt(mem []byte) *ringHeader {
	return (*ringHeader)(unsafe.Pointer(&mem[0]))
}

func (h *ringHeader) WriteIndex() uint64 {
	return internalshm.AtomicLoadUint64(unsafe.Pointer(&h.writeIndex))
}

func (h *ringHeader) SetWriteIndex(v uint64) {
	internalshm.AtomicStoreUint64(unsafe.Pointer(&h.writeIndex), v)
}

func (h *ringHeader) ReadIndex() uint64 {
	return internalshm.AtomicLoadUint64(unsafe.Pointer(&h.readIndex))
}

func (h *ringHeader) SetReadIndex(v uint64) {
	internalshm.AtomicStoreUint64(unsafe.Pointer(&h.readIndex), v)
}

func (h *ringHeader) ErrorCount() uint64 {
	return internalshm.AtomicLoadUint64(unsafe.Pointer(&h.errorCount))
}

func (h *ringHeader) AddErrors(n uint64) {
	internalshm.AtomicAddUint64(unsafe.Pointer(&h.errorCount), n)
}

func (h *ringHeader) StallCount() uint64 {
	return internalshm.AtomicLoadUint64(unsafe.Pointer(&h.stallCount))
}

// AddStall is called by both sides, so it is a read-modify-write.
func (h *ringHeader) AddStall() {
	internalshm.AtomicAddUint64(unsafe.Pointer(&h.stallCount), 1)
}

func (h *ringHeader) SlotSize() uint32 {
	return internalshm.AtomicLoadUint32(unsafe.Pointer(&h.slotSize))
}

func (h *ringHeader) SlotCount() uint32 {
	return internalshm.AtomicLoadUint32(unsafe.Pointer(&h.slotCount))
}

func (h *ringHeader) SampleSize() uint32 {
	return internalshm.AtomicLoadUint32(unsafe.Pointer(&h.sampleSize))
}

func (h *ringHeader) ChannelCount() uint16 {
	return uint16(internalshm.AtomicLoadUint32(unsafe.Pointer(&h.chanFlags)))
}

func (h *ringHeader) Flags() uint16 {
	return uint16(internalshm.AtomicLoadUint32(unsafe.Pointer(&h.chanFlags)) >> 16)
}

// SetFlags sets bits in flags. Bits are never cleared.
func (h *ringHeader) SetFlags(bits uint16) {
	internalshm.AtomicOrUint32(unsafe.Pointer(&h.chanFlags), uint32(bits)<<16)
}

// init writes the geometry of a freshly created, zeroed header. slot_count
// goes last: a consumer treats a zero slot count as a ring still being set up.
func (h *ringHeader) init(slotSize, slotCount uint32, channels uint16, sampleSize uint32, flags uint16) {
	h.slotSize = slotSize
	h.sampleSize = sampleSize
	h.chanFlags = uint32(channels) | uint32(flags)<<16
	internalshm.AtomicStoreUint32(unsafe.Pointer(&h.slotCount), slotCount)
}

// Header is a snapshot of a ring header.
type Header struct {
	WriteIndex uint64 `json:"write_index"`
	ReadIndex  uint64 `json:"read_index"`
	ErrorCount uint64 `json:"error_count"`
	SlotSize   uint32 `json:"slot_payload_size"`
	SlotCount  uint32 `json:"slot_count"`
	Channels   uint16 `json:"channel_count"`
	Flags      uint16 `json:"flags"`
	SampleSize uint32 `json:"sample_size"`
	StallCount uint64 `json:"stall_count"`
}

// Finished reports whether the producer finished flag is set.
func (h Header) Finished() bool { return h.Flags&flagFinished != 0 }

// Role returns the role recorded at creation.
func (h Header) Role() Role {
	if h.Flags&flagTXRole != 0 {
		return RoleTX
	}
	return RoleRX
}

// Used returns the number of published slots not yet consumed.
func (h Header) Used() uint64 { return h.WriteIndex - h.ReadIndex }

func (h *ringHeader) snapshot() Header {
	// read before write so Used never underflows.
	read := h.ReadIndex()
	return Header{
		ReadIndex:  read,
		WriteIndex: h.WriteIndex(),
		ErrorCount: h.ErrorCount(),
		SlotSize:   h.SlotSize(),
		SlotCount:  h.SlotCount(),
		Channels:   h.ChannelCount(),
		Flags:      h.Flags(),
		SampleSize: h.SampleSize(),
		StallCount: h.StallCount(),
	}
}
