// Package dtb parses a flattened device tree (FDT) blob and answers the
// handful of queries the boot path needs: where RAM is, how many CPUs
// exist, and where the platform's interrupt controller, timer and
// console live.
//
// There is no teacher analogue for this — the teacher boots a fixed
// Raspberry Pi 3 and never sees a device tree. The token-walk algorithm
// and struct shapes below are ported from original_source's dtb/mod.rs,
// re-expressed as Go slices and encoding/binary reads instead of raw
// pointer arithmetic over a big-endian blob.
package dtb

import (
	"encoding/binary"

	"kestrel/src/kerr"
)

const (
	magic = 0xD00DFEED

	tokenBeginNode = 0x00000001
	tokenEndNode   = 0x00000002
	tokenProp      = 0x00000003
	tokenNop       = 0x00000004
	tokenEnd       = 0x00000009
)

// Header is the 40-byte FDT header, decoded from big-endian.
type Header struct {
	Magic           uint32
	TotalSize       uint32
	OffStruct       uint32
	OffStrings      uint32
	OffMemRsvmap    uint32
	Version         uint32
	LastCompVersion uint32
	BootCPUIDPhys   uint32
	SizeStrings     uint32
	SizeStruct      uint32
}

const headerSize = 40

// Tree is a parsed device tree. It holds the raw blob and the decoded
// header; all queries re-walk the structure block, since the blob is
// small (tens of KiB) and boot-time queries happen a handful of times.
type Tree struct {
	blob   []byte
	header Header
}

// MemoryRegion is the base and size of a /memory node's first reg entry.
type MemoryRegion struct {
	Base uint64
	Size uint64
}

// Device is one node found while scanning for a compatible string.
type Device struct {
	Name         string
	RegBase      uint64
	RegSize      uint64
	RegExtra     []Region
	Interrupts   []uint32
	Compatible   string
	ClockFreqHz  uint32
	HasClockFreq bool
}

// Region is a secondary (base, size) pair from a multi-entry reg property.
type Region struct {
	Base uint64
	Size uint64
}

// GIC describes an ARM64 generic interrupt controller.
type GIC struct {
	DistributorBase   uint64
	CPUInterfaceBase  uint64
	RedistributorBase uint64
	HasRedistributor  bool
	V3                bool
}

// PLIC describes a RISC-V platform-level interrupt controller.
type PLIC struct {
	Base uint64
	Size uint64
}

// CLINT describes a RISC-V core-local interruptor.
type CLINT struct {
	Base uint64
	Size uint64
}

// UART describes a discovered console device.
type UART struct {
	Base      uint64
	Size      uint64
	IRQ       uint32
	ClockHz   uint32
}

// Parse validates the header at the start of blob and returns a Tree
// that reads from it. blob must remain valid for the Tree's lifetime.
func Parse(blob []byte) (*Tree, error) {
	if len(blob) < headerSize {
		return nil, kerr.New(kerr.InvalidInput, "dtb", "blob shorter than fdt header")
	}
	h := Header{
		Magic:           binary.BigEndian.Uint32(blob[0:4]),
		TotalSize:       binary.BigEndian.Uint32(blob[4:8]),
		OffStruct:       binary.BigEndian.Uint32(blob[8:12]),
		OffStrings:      binary.BigEndian.Uint32(blob[12:16]),
		OffMemRsvmap:    binary.BigEndian.Uint32(blob[16:20]),
		Version:         binary.BigEndian.Uint32(blob[20:24]),
		LastCompVersion: binary.BigEndian.Uint32(blob[24:28]),
		BootCPUIDPhys:   binary.BigEndian.Uint32(blob[28:32]),
		SizeStrings:     binary.BigEndian.Uint32(blob[32:36]),
		SizeStruct:      binary.BigEndian.Uint32(blob[36:40]),
	}
	if h.Magic != magic {
		return nil, kerr.New(kerr.InvalidInput, "dtb", "bad magic")
	}
	if h.Version < 16 {
		return nil, kerr.New(kerr.Unsupported, "dtb", "fdt version below 16")
	}
	if int(h.OffStruct)+int(h.SizeStruct) > len(blob) || int(h.OffStrings)+int(h.SizeStrings) > len(blob) {
		return nil, kerr.New(kerr.InvalidInput, "dtb", "block offsets exceed blob length")
	}
	return &Tree{blob: blob, header: h}, nil
}

// Header returns the decoded FDT header.
func (t *Tree) Header() Header { return t.header }

func align4(off int) int { return (off + 3) &^ 3 }

func (t *Tree) cstringAt(off int) (string, int) {
	start := off
	for off < len(t.blob) && t.blob[off] != 0 {
		off++
	}
	return string(t.blob[start:off]), off - start + 1
}

func (t *Tree) stringAt(nameoff uint32) string {
	base := int(t.header.OffStrings) + int(nameoff)
	s, _ := t.cstringAt(base)
	return s
}

func readCells(data []byte, cells uint32) uint64 {
	switch cells {
	case 1:
		if len(data) < 4 {
			return 0
		}
		return uint64(binary.BigEndian.Uint32(data))
	case 2:
		if len(data) < 8 {
			return 0
		}
		hi := uint64(binary.BigEndian.Uint32(data[0:4]))
		lo := uint64(binary.BigEndian.Uint32(data[4:8]))
		return hi<<32 | lo
	default:
		return 0
	}
}

// nodeState tracks the address/size-cells inherited while descending
// into a node, mirroring the FDT rule that these properties are set by
// the nearest ancestor that declares them.
type nodeState struct {
	name          string
	addressCells  uint32
	sizeCells     uint32
}

// walk drives the structure-block token loop, calling onBeginNode when
// a node opens, onProp for every property under the node currently on
// top of the stack (root included), and onEndNode when a node closes.
// Any of the callbacks may be nil.
func (t *Tree) walk(onBeginNode func(depth int, name string), onProp func(depth int, state nodeState, name string, data []byte), onEndNode func(depth int, name string)) {
	off := int(t.header.OffStruct)
	end := off + int(t.header.SizeStruct)
	depth := 0
	stack := []nodeState{{addressCells: 2, sizeCells: 1}}

	for off < end {
		if off+4 > len(t.blob) {
			return
		}
		token := binary.BigEndian.Uint32(t.blob[off : off+4])
		off += 4

		switch token {
		case tokenBeginNode:
			name, n := t.cstringAt(off)
			off = align4(off + n)
			if onBeginNode != nil {
				onBeginNode(depth, name)
			}
			parent := stack[len(stack)-1]
			stack = append(stack, nodeState{name: name, addressCells: parent.addressCells, sizeCells: parent.sizeCells})
			depth++
		case tokenEndNode:
			name := stack[len(stack)-1].name
			stack = stack[:len(stack)-1]
			depth--
			if onEndNode != nil {
				onEndNode(depth, name)
			}
		case tokenProp:
			if off+8 > len(t.blob) {
				return
			}
			plen := binary.BigEndian.Uint32(t.blob[off : off+4])
			nameoff := binary.BigEndian.Uint32(t.blob[off+4 : off+8])
			off += 8
			if off+int(plen) > len(t.blob) {
				return
			}
			data := t.blob[off : off+int(plen)]
			propName := t.stringAt(nameoff)

			cur := &stack[len(stack)-1]
			switch propName {
			case "#address-cells":
				if plen == 4 {
					cur.addressCells = binary.BigEndian.Uint32(data)
				}
			case "#size-cells":
				if plen == 4 {
					cur.sizeCells = binary.BigEndian.Uint32(data)
				}
			}
			if onProp != nil {
				onProp(depth, *cur, propName, data)
			}
			off = align4(off + int(plen))
		case tokenNop:
			// nothing to do
		case tokenEnd:
			return
		default:
			return
		}
	}
}

// FindMemory returns the base and size of the first /memory node's reg
// property.
func (t *Tree) FindMemory() (MemoryRegion, error) {
	var found *Device
	t.scanDevices(func(d *Device, isRoot bool, parentName string) {
		if found == nil && !isRoot && parentName == "" && (d.Name == "memory" || hasPrefix(d.Name, "memory@")) {
			cp := *d
			found = &cp
		}
	})
	if found == nil {
		return MemoryRegion{}, kerr.New(kerr.NotFound, "dtb", "no /memory node")
	}
	return MemoryRegion{Base: found.RegBase, Size: found.RegSize}, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// scanFrame is one entry in scanDevices' shadow stack, tracking enough
// about a node and its ancestry to classify it once it closes.
type scanFrame struct {
	dev        Device
	isRoot     bool
	parentName string
}

// scanDevices walks every node once, the root included (isRoot is true
// for it), invoking visit with its fully populated Device record when
// the node closes. parentName is the immediate parent's name ("" for
// nodes directly under the root).
func (t *Tree) scanDevices(visit func(d *Device, isRoot bool, parentName string)) {
	var stack []scanFrame
	t.walk(
		func(depth int, name string) {
			parentName := ""
			isRoot := len(stack) == 0
			if !isRoot {
				parentName = stack[len(stack)-1].dev.Name
			}
			stack = append(stack, scanFrame{dev: Device{Name: name}, isRoot: isRoot, parentName: parentName})
		},
		func(depth int, state nodeState, name string, data []byte) {
			if len(stack) == 0 {
				return
			}
			cur := &stack[len(stack)-1].dev
			switch name {
			case "compatible":
				cur.Compatible = trimNulls(data)
			case "reg":
				entrySize := int(state.addressCells+state.sizeCells) * 4
				if entrySize == 0 {
					return
				}
				n := len(data) / entrySize
				for i := 0; i < n; i++ {
					entry := data[i*entrySize : (i+1)*entrySize]
					base := readCells(entry[:state.addressCells*4], state.addressCells)
					size := readCells(entry[state.addressCells*4:], state.sizeCells)
					if i == 0 {
						cur.RegBase, cur.RegSize = base, size
					} else {
						cur.RegExtra = append(cur.RegExtra, Region{Base: base, Size: size})
					}
				}
			case "interrupts":
				for i := 0; i+4 <= len(data); i += 4 {
					cur.Interrupts = append(cur.Interrupts, binary.BigEndian.Uint32(data[i:i+4]))
				}
			case "clock-frequency":
				if len(data) == 4 {
					cur.ClockFreqHz = binary.BigEndian.Uint32(data)
					cur.HasClockFreq = true
				}
			}
		},
		func(depth int, name string) {
			if len(stack) == 0 {
				return
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			visit(&top.dev, top.isRoot, top.parentName)
		},
	)
}

// FindCompatible returns every device node whose compatible property
// contains s among its NUL-separated entries.
func (t *Tree) FindCompatible(s string) []Device {
	var devices []Device
	t.scanDevices(func(d *Device, isRoot bool, parentName string) {
		if isRoot {
			return
		}
		if matchesCompatible(d.Compatible, s) {
			devices = append(devices, *d)
		}
	})
	return devices
}

func trimNulls(data []byte) string {
	s := string(data)
	for len(s) > 0 && s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return s
}

func matchesCompatible(compatible, target string) bool {
	start := 0
	for i := 0; i <= len(compatible); i++ {
		if i == len(compatible) || compatible[i] == 0 {
			if compatible[start:i] == target {
				return true
			}
			start = i + 1
		}
	}
	return false
}

// CountCPUs counts /cpus children whose device_type is "cpu", returning
// at least 1. It tracks, for each open node, whether its parent is
// /cpus and what device_type (if any) it declared, using a shadow
// stack in the same style as scanDevices.
func (t *Tree) CountCPUs() int {
	count := 0
	type frame struct {
		name         string
		parentIsCPUs bool
		deviceType   string
	}
	var stack []frame
	t.walk(
		func(_ int, name string) {
			parentIsCPUs := len(stack) > 0 && stack[len(stack)-1].name == "cpus"
			stack = append(stack, frame{name: name, parentIsCPUs: parentIsCPUs})
		},
		func(_ int, _ nodeState, name string, data []byte) {
			if len(stack) == 0 {
				return
			}
			top := &stack[len(stack)-1]
			if top.parentIsCPUs && name == "device_type" {
				top.deviceType = trimNulls(data)
			}
		},
		func(_ int, _ string) {
			if len(stack) == 0 {
				return
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if top.parentIsCPUs && top.deviceType == "cpu" {
				count++
			}
		},
	)
	if count == 0 {
		return 1
	}
	return count
}

var gicCompatibles = []string{"arm,gic-400", "arm,cortex-a15-gic", "arm,gic-v3"}

// FindGIC locates an ARM64 generic interrupt controller.
func (t *Tree) FindGIC() (GIC, bool) {
	for _, compat := range gicCompatibles {
		devs := t.FindCompatible(compat)
		if len(devs) == 0 {
			continue
		}
		d := devs[0]
		v3 := contains(compat, "v3")
		g := GIC{DistributorBase: d.RegBase, V3: v3}
		if len(d.RegExtra) > 0 {
			g.CPUInterfaceBase = d.RegExtra[0].Base
		}
		if v3 && len(d.RegExtra) > 1 {
			g.RedistributorBase = d.RegExtra[1].Base
			g.HasRedistributor = true
		}
		return g, true
	}
	return GIC{}, false
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

var plicCompatibles = []string{"riscv,plic0", "sifive,plic-1.0.0"}

// FindPLIC locates a RISC-V platform-level interrupt controller.
func (t *Tree) FindPLIC() (PLIC, bool) {
	for _, compat := range plicCompatibles {
		devs := t.FindCompatible(compat)
		if len(devs) > 0 {
			return PLIC{Base: devs[0].RegBase, Size: devs[0].RegSize}, true
		}
	}
	return PLIC{}, false
}

var clintCompatibles = []string{"riscv,clint0", "sifive,clint0"}

// FindCLINT locates a RISC-V core-local interruptor. Absence is not an
// error: some boards (and ARM64 entirely) have none.
func (t *Tree) FindCLINT() (CLINT, bool) {
	for _, compat := range clintCompatibles {
		devs := t.FindCompatible(compat)
		if len(devs) > 0 {
			return CLINT{Base: devs[0].RegBase, Size: devs[0].RegSize}, true
		}
	}
	return CLINT{}, false
}

var uartCompatibles = []string{"arm,pl011", "arm,primecell", "ns16550a", "ns16550", "snps,dw-apb-uart"}

// FindUART locates the console device.
func (t *Tree) FindUART() (UART, bool) {
	for _, compat := range uartCompatibles {
		devs := t.FindCompatible(compat)
		if len(devs) == 0 {
			continue
		}
		d := devs[0]
		u := UART{Base: d.RegBase, Size: d.RegSize}
		if len(d.Interrupts) > 0 {
			u.IRQ = d.Interrupts[0]
		}
		if d.HasClockFreq {
			u.ClockHz = d.ClockFreqHz
		}
		return u, true
	}
	return UART{}, false
}

// probeStep is the granularity of the fallback scan's second pass.
const probeStep = 4096

// discoverWindow is how far below ramEnd the first probe lands.
const discoverWindow = 2 * 1024 * 1024

// scanWindow bounds the second pass to the first 512 KiB of RAM.
const scanWindow = 512 * 1024

// Discover probes for a DTB when the caller has no address for one.
// It checks ramEnd-2MiB first, then steps through the first 512 KiB of
// RAM at 4 KiB granularity, confirming the magic word at each
// candidate. readWord reads the big-endian 32-bit word at a physical
// address; the kernel wires it to a raw pointer read, tests wire it to
// a lookup into a fake memory image.
func Discover(ramBase, ramEnd uint64, readWord func(addr uint64) uint32) (uint64, bool) {
	if ramEnd > discoverWindow {
		candidate := ramEnd - discoverWindow
		if readWord(candidate) == magic {
			return candidate, true
		}
	}
	limit := ramBase + scanWindow
	for addr := ramBase; addr < limit; addr += probeStep {
		if readWord(addr) == magic {
			return addr, true
		}
	}
	return 0, false
}

// RootCompatible returns the root node's compatible strings, used for
// board matching.
func (t *Tree) RootCompatible() []string {
	var result []string
	done := false
	t.walk(
		func(depth int, name string) {},
		func(depth int, state nodeState, name string, data []byte) {
			if done || depth != 1 || name != "compatible" {
				return
			}
			s := trimNulls(data)
			start := 0
			for i := 0; i <= len(s); i++ {
				if i == len(s) || s[i] == 0 {
					if i > start {
						result = append(result, s[start:i])
					}
					start = i + 1
				}
			}
		},
		func(depth int, name string) {
			if depth == 0 {
				done = true
			}
		},
	)
	return result
}
