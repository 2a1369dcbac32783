// Package dma implements the hardware side of the streaming engine: the slot
// arena shared with a descriptor engine, the per-direction ring channel and the
// hw/sw/user counter protocol that reconciles hardware completions with the
// application.
//
// RX (hardware produces):
//
//	sw <= user <= hw          available = hw - user
//	hw - sw > threshold    => drain: sw = user = hw, OverflowError
//
// TX (hardware consumes):
//
//	hw <= user <= hw + N      pending = user - hw
//	user < hw              => resync: sw = user = hw, UnderflowError
//
// Each counter has exactly one writer. hw is advanced by the completion path,
// user by the acquiring side and sw by the releasing side. The completion path
// never blocks, allocates or logs.
package dma
