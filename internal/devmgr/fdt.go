package devmgr

import (
	"fmt"

	"github.com/tinyrange/vmmio/internal/fdt"
)

// DeviceTreeNodes renders every registered device as an fdt.Node, in
// address order, for splicing under the platform bus node. This is the
// consumer relationship DeviceInfoTable exists to feed: the registry stays
// the single source of truth for addr/irq/type, and FDT generation is just
// one more reader of it, alongside GetAddress/GetDeviceInfo.
func (m *Manager) DeviceTreeNodes() []fdt.Node {
	table := m.DeviceInfoTable()
	nodes := make([]fdt.Node, 0, len(table))
	for _, info := range table {
		nodes = append(nodes, deviceTreeNode(info))
	}
	return nodes
}

func deviceTreeNode(info DeviceInfo) fdt.Node {
	switch info.Type {
	case DeviceTypeVirtio:
		return fdt.Node{
			Name: fmt.Sprintf("virtio_mmio@%x", info.Addr),
			Properties: map[string]fdt.Property{
				"compatible":   {Strings: []string{"virtio,mmio"}},
				"reg":          {U64: []uint64{info.Addr, info.Len}},
				"interrupts":   {U32: []uint32{0, info.IRQ, 4}},
				"dma-coherent": {Flag: true},
			},
		}
	case DeviceTypeSerial:
		return fdt.Node{
			Name: fmt.Sprintf("serial@%x", info.Addr),
			Properties: map[string]fdt.Property{
				"compatible": {Strings: []string{"ns16550a"}},
				"reg":        {U64: []uint64{info.Addr, info.Len}},
				"interrupts": {U32: []uint32{0, info.IRQ, 4}},
			},
		}
	case DeviceTypeRTC:
		return fdt.Node{
			Name: fmt.Sprintf("pl031@%x", info.Addr),
			Properties: map[string]fdt.Property{
				"compatible": {Strings: []string{"arm,pl031", "arm,primecell"}},
				"reg":        {U64: []uint64{info.Addr, info.Len}},
				"interrupts": {U32: []uint32{0, info.IRQ, 4}},
			},
		}
	default:
		return fdt.Node{
			Name: fmt.Sprintf("device@%x", info.Addr),
			Properties: map[string]fdt.Property{
				"reg": {U64: []uint64{info.Addr, info.Len}},
			},
		}
	}
}
