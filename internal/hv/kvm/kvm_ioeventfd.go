//go:build linux

package kvm

import (
	"fmt"
	"unsafe"
)

const (
	kvmIoeventfd = 0x4040ae79
	kvmIrqfd     = 0x4020ae76
)

const (
	kvmIoeventfdFlagDatamatch = 1 << 0
)

// kvmIoeventfdStruct mirrors struct kvm_ioeventfd from linux/kvm.h.
type kvmIoeventfdStruct struct {
	Datamatch uint64
	Addr      uint64
	Len       uint32
	Fd        int32
	Flags     uint32
	_         [36]byte
}

// kvmIrqfdStruct mirrors struct kvm_irqfd from linux/kvm.h.
type kvmIrqfdStruct struct {
	Fd         uint32
	GSI        uint32
	Flags      uint32
	ResampleFd uint32
	_          [16]byte
}

func registerIoEventFd(vmFd int, fd int, addr uint64, length uint32, datamatch uint64) error {
	args := kvmIoeventfdStruct{
		Datamatch: datamatch,
		Addr:      addr,
		Len:       length,
		Fd:        int32(fd),
		Flags:     kvmIoeventfdFlagDatamatch,
	}
	if _, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmIoeventfd), uintptr(unsafe.Pointer(&args))); err != nil {
		return fmt.Errorf("KVM_IOEVENTFD: %w", err)
	}
	return nil
}

func registerIrqFd(vmFd int, fd int, gsi uint32) error {
	args := kvmIrqfdStruct{
		Fd:  uint32(fd),
		GSI: gsi,
	}
	if _, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmIrqfd), uintptr(unsafe.Pointer(&args))); err != nil {
		return fmt.Errorf("KVM_IRQFD: %w", err)
	}
	return nil
}
