package devmgr

import "testing"

func TestDeviceTreeNodesOrderedByAddress(t *testing.T) {
	binder := &fakeBinder{}
	m := New(binder, Config{MMIOBase: 0xd0000000, IRQMin: 5, IRQMax: 23})

	if _, err := m.RegisterVirtioDevice(newFakeDevice(), nil, "a"); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if _, err := m.RegisterVirtioDevice(newFakeDevice(), nil, "b"); err != nil {
		t.Fatalf("register b: %v", err)
	}

	nodes := m.DeviceTreeNodes()
	if len(nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(nodes))
	}
	if nodes[0].Name != "virtio_mmio@d0000000" {
		t.Fatalf("unexpected first node name: %s", nodes[0].Name)
	}
	if nodes[1].Name != "virtio_mmio@d0001000" {
		t.Fatalf("unexpected second node name: %s", nodes[1].Name)
	}
}
