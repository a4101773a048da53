//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/tinyrange/vmmio/internal/hv"
)

// haltLoader writes a single HLT instruction at addr and points RIP at it,
// running the vCPU in flat 32-bit protected mode.
type haltLoader struct {
	addr uint64
	code []byte
}

func (l *haltLoader) Load(vm hv.VirtualMachine) error {
	code := l.code
	if code == nil {
		code = []byte{0xF4} // HLT
	}

	if _, err := vm.WriteAt(code, int64(l.addr)); err != nil {
		return fmt.Errorf("write guest code: %w", err)
	}

	return vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		amd64CPU, ok := vcpu.(hv.VirtualCPUAmd64)
		if !ok {
			return fmt.Errorf("vCPU does not implement VirtualCPUAmd64")
		}

		if err := amd64CPU.SetProtectedMode(); err != nil {
			return fmt.Errorf("set protected mode: %w", err)
		}

		return vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rip: hv.Register64(l.addr),
		})
	})
}

func (l *haltLoader) Run(ctx context.Context, vcpu hv.VirtualCPU) error {
	return vcpu.Run(ctx)
}

func TestRunSimpleHalt(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	loader := &haltLoader{addr: 0x100000}

	vm, err := kvm.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs:  1,
		MemSize:  0x200000,
		MemBase:  0x100000,
		VMLoader: loader,
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	defer vm.Close()

	err = vm.Run(context.Background(), loader)
	if !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("Run KVM virtual machine: %v", err)
	}
}

func TestRunSimpleAddition(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	// mov eax, 40; add eax, 2; hlt
	code := []byte{
		0xB8, 0x28, 0x00, 0x00, 0x00, // mov eax, 40
		0x83, 0xC0, 0x02, // add eax, 2
		0xF4, // hlt
	}
	loader := &haltLoader{addr: 0x100000, code: code}

	vm, err := kvm.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs:  1,
		MemSize:  0x200000,
		MemBase:  0x100000,
		VMLoader: loader,
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	defer vm.Close()

	err = vm.Run(context.Background(), loader)
	if !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("Run KVM virtual machine: %v", err)
	}

	if err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		regs := map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rax: hv.Register64(0),
		}

		if err := vcpu.GetRegisters(regs); err != nil {
			return fmt.Errorf("get RAX register: %w", err)
		}

		rax := uint64(regs[hv.RegisterAMD64Rax].(hv.Register64))
		if rax != 42 {
			return fmt.Errorf("unexpected RAX value: got %d, want 42", rax)
		}

		return nil
	}); err != nil {
		t.Fatalf("sync vCPU registers: %v", err)
	}
}
