// Package shm is the cross-process shared ring: a single-producer,
// single-consumer ring of fixed-size slots living in a named shared memory
// file, used between the DMA-facing process and an application process.
//
// The file is a 64-byte little-endian header followed by SlotCount slots of
// SlotSize bytes:
//
//	0   write_index       u64  written by the producer only
//	8   read_index        u64  written by the consumer only
//	16  error_count       u64  RX role: dropped slots; TX role: filler slots
//	24  slot_payload_size u32
//	28  slot_count        u32  stored last on create; zero means not ready
//	32  channel_count     u16
//	34  flags             u16  bit 0 finished, bit 1 TX role
//	36  sample_size       u32
//	40  stall_count       u64  waits caused by a full or empty ring
//	48  reserved          [16]byte
//
// The producer fills a slot and then stores write_index; the consumer loads
// write_index before reading a slot and stores read_index once done. No lock
// is taken and waiting is a bounded sleep-and-repoll loop.
//
// This package is instrumented with OpenTelemetry metrics and tracing
// (OTel Go SDK v1.30.0). Platform-specific helpers are in internal/shm.
//
// Example usage:
//
//	cfg := shm.DefaultConfig()
//	cfg.Name = "rx0"
//	cfg.SlotSize, cfg.SlotCount = 8192, 64
//	ring, err := shm.Create(ctx, cfg)
//	// ...
//	err = ring.Write(ctx, payload)
package shm
