package module

import (
	"bytes"
	"debug/elf"
	"io"

	"kestrel/src/archcap"
	"kestrel/src/kerr"
	"kestrel/src/mm"
)

// State is a loaded module's lifecycle stage.
type State int

const (
	Loading State = iota
	Live
	Failed
	Unloading
)

func (s State) String() string {
	switch s {
	case Loading:
		return "Loading"
	case Live:
		return "Live"
	case Failed:
		return "Failed"
	case Unloading:
		return "Unloading"
	default:
		return "Unknown"
	}
}

const pltEntries = 256

// Module is a loaded relocatable object.
type Module struct {
	Name string
	State State

	Base   mm.Frame
	Length uint64
	Frames uint64

	PLTBase    mm.Frame
	PLTEntries int

	Exports []string

	initFn uintptr
	exitFn uintptr

	// refCount and dependsOn are read by Unload but never set by Load:
	// the kernel symbol table maps names to addresses without recording
	// which module exported them, so refCount stays zero, dependsOn stays
	// empty, and Unload neither refuses with kerr.Busy nor decrements
	// any other module's count.
	refCount int32

	dependsOn []*Module
}

// Loader ties together a frame allocator, a kernel symbol table, and
// an ISA backend to load and unload ELF64 relocatable objects.
type Loader struct {
	frames *mm.FrameAllocator
	syms   *SymbolTable
	arch   archcap.Arch

	// callKernelPrint and friends are not modeled: module_init is
	// invoked via callFn, which the boot-time wiring supplies as a
	// function that jumps to the loaded entry point. Tests supply a
	// fake that just calls a Go function directly.
	callFn func(entry uintptr) int32
}

// NewLoader creates a Loader. callFn invokes a loaded function
// (module_init/module_exit) given its loaded address; the boot-time
// wiring supplies one that performs an ISA-specific indirect call,
// tests supply one that dispatches to an in-process Go function table.
func NewLoader(frames *mm.FrameAllocator, syms *SymbolTable, arch archcap.Arch, callFn func(entry uintptr) int32) *Loader {
	return &Loader{frames: frames, syms: syms, arch: arch, callFn: callFn}
}

type section struct {
	name    string
	base    uintptr
	size    uint64
	data    []byte
	isBSS   bool
	elfIdx  int
}

// Load parses raw as an ELF64 relocatable object, places its loadable
// sections and a PLT page into frames from the loader's allocator,
// resolves symbols, applies relocations, and calls module_init.
func (l *Loader) Load(name string, raw []byte) (*Module, error) {
	ef, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, kerr.New(kerr.InvalidInput, "module", "not a valid ELF file")
	}
	if ef.Class != elf.ELFCLASS64 {
		return nil, kerr.New(kerr.Unsupported, "module", "only ELF64 objects are supported")
	}
	if ef.Machine != hostMachine(l.arch.Name()) {
		return nil, kerr.New(kerr.Unsupported, "module", "object machine does not match host ISA")
	}

	sections, totalSize, err := layoutSections(ef)
	if err != nil {
		return nil, err
	}

	relocator := l.arch.Relocator()
	stubSize := relocator.StubSize()

	totalPages := (totalSize + mm.PageSize - 1) / mm.PageSize
	pltPages := uint64((pltEntries*stubSize + mm.PageSize - 1) / mm.PageSize)
	framesNeeded := totalPages + pltPages

	base, err := l.frames.AllocFrames(framesNeeded)
	if err != nil {
		return nil, err
	}

	pltBase := base
	sectionsBase := base + mm.Frame(pltPages)

	backing := make([]byte, framesNeeded*mm.PageSize)
	pltBuf := backing[:pltPages*mm.PageSize]

	cursor := uintptr(sectionsBase) * mm.PageSize
	loadedBase := make(map[int]uintptr)
	for i := range sections {
		s := &sections[i]
		s.base = cursor
		loadedBase[s.elfIdx] = cursor
		if !s.isBSS {
			off := cursor - uintptr(sectionsBase)*mm.PageSize
			copy(backing[pltPages*mm.PageSize+uint64(off):], s.data)
		}
		cursor += uintptr(s.size)
	}

	plt := archcap.NewPLT(uintptr(pltBase)*mm.PageSize, stubSize, pltEntries,
		func(stubAddr uintptr, target uint64) error {
			off := stubAddr - uintptr(pltBase)*mm.PageSize
			return relocator.WriteStub(pltBuf[off:off+uintptr(stubSize)], target)
		})

	symbols, err := ef.Symbols()
	if err != nil {
		return nil, kerr.New(kerr.InvalidInput, "module", "unable to read symbol table")
	}
	localSyms := make(map[string]uintptr)
	var exports []string
	for _, s := range symbols {
		if s.Section >= elf.SectionIndex(len(ef.Sections)) {
			continue
		}
		if base, ok := loadedBase[int(s.Section)]; ok {
			addr := base + uintptr(s.Value)
			localSyms[s.Name] = addr
			if elf.ST_BIND(s.Info) == elf.STB_GLOBAL {
				exports = append(exports, s.Name)
			}
		}
	}

	resolve := func(name string) (uintptr, bool) {
		if addr, ok := localSyms[name]; ok {
			return addr, true
		}
		return l.syms.Lookup(name)
	}

	for _, sec := range ef.Sections {
		rels, err := readRelocations(ef, sec)
		if err != nil {
			return nil, err
		}
		for _, r := range rels {
			targetBase, ok := loadedBase[r.targetSectionIdx]
			if !ok {
				continue
			}
			symAddr, ok := resolve(r.symbolName)
			if !ok {
				return nil, kerr.New(kerr.NotFound, "module", "unresolved symbol: "+r.symbolName)
			}
			siteAddr := targetBase + uintptr(r.offset)
			off := siteAddr - uintptr(sectionsBase)*mm.PageSize
			site := backing[pltPages*mm.PageSize+uint64(off):]
			if err := relocator.Apply(site, r.relType, uint64(symAddr), uint64(r.addend), uint64(siteAddr), plt); err != nil {
				return nil, err
			}
		}
	}

	initAddr, hasInit := localSyms["module_init"]
	if !hasInit {
		l.frames.FreeFrames(base, framesNeeded)
		return nil, kerr.New(kerr.NotFound, "module", "module_init not exported")
	}
	exitAddr := localSyms["module_exit"]

	l.arch.FlushICacheRange(uintptr(sectionsBase)*mm.PageSize, uintptr(totalPages*mm.PageSize))
	l.arch.FlushICacheRange(uintptr(pltBase)*mm.PageSize, uintptr(pltPages*mm.PageSize))

	m := &Module{
		Name:       name,
		State:      Loading,
		Base:       sectionsBase,
		Length:     totalSize,
		Frames:     framesNeeded,
		PLTBase:    pltBase,
		PLTEntries: plt.Entries(),
		Exports:    exports,
		initFn:     initAddr,
		exitFn:     exitAddr,
	}

	if rc := l.callFn(initAddr); rc == 0 {
		m.State = Live
		for _, name := range m.Exports {
			l.syms.Register(name, localSyms[name])
		}
	} else {
		m.State = Failed
		l.frames.FreeFrames(base, framesNeeded)
	}

	return m, nil
}

// Unload requests that m be unloaded. It is only permitted while m is
// Live and its reference count is zero.
func (l *Loader) Unload(m *Module) error {
	if m.State != Live {
		return kerr.New(kerr.InvalidInput, "module", "unload requires a Live module")
	}
	if m.refCount != 0 {
		return kerr.New(kerr.Busy, "module", "module still referenced by other modules")
	}
	m.State = Unloading
	if m.exitFn != 0 {
		l.callFn(m.exitFn)
	}
	for _, name := range m.Exports {
		l.syms.Unregister(name)
	}
	for _, dep := range m.dependsOn {
		dep.refCount--
	}
	return l.frames.FreeFrames(m.PLTBase, m.Frames)
}

func hostMachine(archName string) elf.Machine {
	switch archName {
	case "arm64":
		return elf.EM_AARCH64
	case "riscv64":
		return elf.EM_RISCV
	default:
		return elf.EM_NONE
	}
}

func layoutSections(ef *elf.File) ([]section, uint64, error) {
	var sections []section
	var total uint64
	for i, sec := range ef.Sections {
		switch sec.Name {
		case ".text", ".rodata", ".data", ".bss":
		default:
			continue
		}
		if sec.Size == 0 {
			continue
		}
		isBSS := sec.Type == elf.SHT_NOBITS
		var data []byte
		if !isBSS {
			r := sec.Open()
			buf := make([]byte, sec.Size)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, 0, kerr.New(kerr.InvalidInput, "module", "unable to read section "+sec.Name)
			}
			data = buf
		}
		aligned := alignUp64(sec.Size, mm.PageSize)
		sections = append(sections, section{name: sec.Name, size: aligned, data: data, isBSS: isBSS, elfIdx: i})
		total += aligned
	}
	return sections, total, nil
}

func alignUp64(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

type relocation struct {
	targetSectionIdx int
	offset           uint64
	relType          uint32
	symbolName       string
	addend           int64
}

func readRelocations(ef *elf.File, sec *elf.Section) ([]relocation, error) {
	if sec.Type != elf.SHT_RELA && sec.Type != elf.SHT_REL {
		return nil, nil
	}
	targetIdx := int(sec.Info)
	if targetIdx <= 0 || targetIdx >= len(ef.Sections) {
		return nil, nil
	}
	symbols, err := ef.Symbols()
	if err != nil {
		return nil, kerr.New(kerr.InvalidInput, "module", "unable to read symbol table for relocations")
	}

	data, err := sec.Data()
	if err != nil {
		return nil, kerr.New(kerr.InvalidInput, "module", "unable to read relocation section "+sec.Name)
	}

	var out []relocation
	const relaEntSize = 24
	const relEntSize = 16
	entSize := relEntSize
	if sec.Type == elf.SHT_RELA {
		entSize = relaEntSize
	}
	for off := 0; off+entSize <= len(data); off += entSize {
		entry := data[off : off+entSize]
		r64 := leUint64(entry[0:8])
		info := leUint64(entry[8:16])
		symIdx := info >> 32
		relType := uint32(info)
		var addend int64
		if sec.Type == elf.SHT_RELA {
			addend = int64(leUint64(entry[16:24]))
		}
		var symName string
		if symIdx > 0 && int(symIdx) <= len(symbols) {
			symName = symbols[symIdx-1].Name
		}
		out = append(out, relocation{
			targetSectionIdx: targetIdx,
			offset:           r64,
			relType:          relType,
			symbolName:       symName,
			addend:           addend,
		})
	}
	return out, nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
