package main

import (
	"debug/elf"
	"fmt"
)

// runELFInfo prints the loadable sections and the defined/undefined
// symbols of path, the same view module.Loader.Load takes of a
// relocatable module object before it ever applies a single
// relocation: SHF_ALLOC sections, and which symbols the module
// exports versus expects the kernel symbol table to resolve.
//
// Grounded on the teacher's main.go loadable-section scan
// (newLoadableSect's SHF_ALLOC check, fp.Symbols() walk) adapted from
// a boot-image layout tool to a pre-flight check for this kernel's
// ELF64 module format.
func runELFInfo(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("elfinfo requires exactly one module object path")
	}

	fp, err := elf.Open(args[0])
	if err != nil {
		return err
	}
	defer fp.Close()

	if fp.Type != elf.ET_REL {
		return fmt.Errorf("%s is %s, want ET_REL (a relocatable module object)", args[0], fp.Type)
	}
	switch fp.Machine {
	case elf.EM_AARCH64, elf.EM_RISCV:
	default:
		return fmt.Errorf("%s targets %s, which this kernel's loader does not accept", args[0], fp.Machine)
	}

	fmt.Printf("%s: %s, entry=%#x\n", args[0], fp.Machine, fp.Entry)
	fmt.Println("loadable sections:")
	for _, s := range fp.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		fmt.Printf("  %-16s size=%#-8x flags=%s\n", s.Name, s.Size, s.Flags)
	}

	syms, err := fp.Symbols()
	if err != nil {
		return fmt.Errorf("reading symbol table: %w", err)
	}
	fmt.Println("defined symbols:")
	for _, sym := range syms {
		if sym.Section == elf.SHN_UNDEF || elf.ST_TYPE(sym.Info) != elf.STT_FUNC && elf.ST_TYPE(sym.Info) != elf.STT_OBJECT {
			continue
		}
		fmt.Printf("  %-24s value=%#x size=%d\n", sym.Name, sym.Value, sym.Size)
	}
	fmt.Println("undefined symbols (must be resolvable against the kernel symbol table):")
	for _, sym := range syms {
		if sym.Section != elf.SHN_UNDEF {
			continue
		}
		fmt.Printf("  %s\n", sym.Name)
	}
	return nil
}
