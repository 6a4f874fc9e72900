package kestrel

import "github.com/kestrel-os/kestrel/internal/constants"

// Re-exported for callers that only need the kernel's address map and
// timing constants, not the internal packages that define them.
const (
	PageSize         = constants.PageSize
	UserAreaStart    = constants.UserAreaStart
	UserAreaEnd      = constants.UserAreaEnd
	KernelAreaStart  = constants.KernelAreaStart
	HeapStart        = constants.HeapStart
	HeapMinSize      = constants.HeapMinSize
	InterruptNestMax = constants.InterruptNestedMax
	TimerIRQLine     = constants.TimerIRQLine
	IdlePollInterval = constants.IdlePollInterval
	BootTimeout      = constants.BootTimeout
)
