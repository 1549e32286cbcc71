package elf_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"objwrite/internal/arch"
	"objwrite/internal/format"
	_ "objwrite/internal/format/elf"
)

func newObject(t *testing.T, a arch.Arch, e arch.Endianness) *format.Object {
	t.Helper()
	o, err := format.New(format.FormatELF, a, e)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func parse(t *testing.T, o *format.Object) *elf.File {
	t.Helper()
	data, err := o.Write()
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("elf.NewFile: %v", err)
	}
	return f
}

func sectionData(t *testing.T, f *elf.File, name string) []byte {
	t.Helper()
	s := f.Section(name)
	if s == nil {
		t.Fatalf("missing section %s", name)
	}
	data, err := s.Data()
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return data
}

func TestRoundTrip(t *testing.T) {
	o := newObject(t, arch.ArchX86_64, arch.LittleEndian)
	text, err := o.SectionID(format.SectionText)
	if err != nil {
		t.Fatal(err)
	}
	sym := o.AddSymbol(format.Symbol{
		Name:    []byte("main"),
		Kind:    format.SymbolText,
		Scope:   format.ScopeDynamic,
		Section: format.UndefinedSection,
	})
	o.AddSymbolData(sym, text, []byte{0x90, 0x90}, 16)

	f := parse(t, o)
	if f.Type != elf.ET_REL || f.Machine != elf.EM_X86_64 || f.Class != elf.ELFCLASS64 {
		t.Fatalf("header = %v %v %v", f.Type, f.Machine, f.Class)
	}
	if got := sectionData(t, f, ".text"); !bytes.Equal(got, []byte{0x90, 0x90}) {
		t.Errorf(".text = %x", got)
	}
	if s := f.Section(".text"); s.Flags != elf.SHF_ALLOC|elf.SHF_EXECINSTR || s.Addralign != 16 {
		t.Errorf(".text flags %v align %d", s.Flags, s.Addralign)
	}
	syms, err := f.Symbols()
	if err != nil {
		t.Fatal(err)
	}
	if len(syms) != 1 {
		t.Fatalf("got %d symbols, want 1", len(syms))
	}
	s := syms[0]
	if s.Name != "main" || s.Value != 0 || s.Size != 2 {
		t.Errorf("symbol = %+v", s)
	}
	if elf.ST_BIND(s.Info) != elf.STB_GLOBAL || elf.ST_TYPE(s.Info) != elf.STT_FUNC {
		t.Errorf("symbol info = %#x", s.Info)
	}
}

func TestExplicitAddend(t *testing.T) {
	o := newObject(t, arch.ArchX86_64, arch.LittleEndian)
	text, _ := o.SectionID(format.SectionText)
	o.AppendSectionData(text, []byte{0xe8, 0, 0, 0, 0}, 1)
	callee := o.AddSymbol(format.Symbol{
		Name:    []byte("callee"),
		Kind:    format.SymbolText,
		Section: format.UndefinedSection,
	})
	err := o.AddRelocation(text, format.Relocation{
		Offset: 1,
		Symbol: callee,
		Addend: -4,
		Flags:  format.GenericRelocation{Kind: format.RelocPltRelative, Size: 32},
	})
	if err != nil {
		t.Fatal(err)
	}
	relocs := o.Section(text).Relocations()
	if len(relocs) != 1 || relocs[0].Addend != -4 {
		t.Fatalf("relocations = %+v", relocs)
	}
	if relocs[0].Flags != (format.ElfRelocation{RType: uint32(elf.R_X86_64_PLT32)}) {
		t.Errorf("flags = %+v", relocs[0].Flags)
	}

	f := parse(t, o)
	if got := sectionData(t, f, ".text"); !bytes.Equal(got, []byte{0xe8, 0, 0, 0, 0}) {
		t.Errorf(".text = %x", got)
	}
	rela := sectionData(t, f, ".rela.text")
	var r elf.Rela64
	if err := binary.Read(bytes.NewReader(rela), binary.LittleEndian, &r); err != nil {
		t.Fatal(err)
	}
	if r.Off != 1 || r.Addend != -4 || elf.R_TYPE64(r.Info) != uint32(elf.R_X86_64_PLT32) || elf.R_SYM64(r.Info) != 1 {
		t.Errorf("rela = %+v", r)
	}
	if s := f.Section(".rela.text"); s.Link != uint32(sectionIndex(f, ".symtab")) || s.Info != uint32(sectionIndex(f, ".text")) {
		t.Errorf(".rela.text link %d info %d", s.Link, s.Info)
	}
}

func sectionIndex(f *elf.File, name string) int {
	for i, s := range f.Sections {
		if s.Name == name {
			return i
		}
	}
	return -1
}

func TestImplicitAddend(t *testing.T) {
	tests := []struct {
		name   string
		arch   arch.Arch
		endian arch.Endianness
		want   []byte
	}{
		{"i386", arch.ArchX86, arch.LittleEndian, []byte{0x78, 0x56, 0x34, 0x12}},
		{"mips", arch.ArchMIPS, arch.BigEndian, []byte{0x12, 0x34, 0x56, 0x78}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newObject(t, tt.arch, tt.endian)
			data, _ := o.SectionID(format.SectionData)
			o.AppendSectionData(data, make([]byte, 8), 4)
			target := o.AddSymbol(format.Symbol{
				Name:    []byte("target"),
				Kind:    format.SymbolData,
				Section: format.UndefinedSection,
			})
			err := o.AddRelocation(data, format.Relocation{
				Offset: 4,
				Symbol: target,
				Addend: 0x12345678,
				Flags:  format.GenericRelocation{Kind: format.RelocAbsolute, Size: 32},
			})
			if err != nil {
				t.Fatal(err)
			}
			if a := o.Section(data).Relocations()[0].Addend; a != 0 {
				t.Errorf("stored addend = %d, want 0", a)
			}
			f := parse(t, o)
			got := sectionData(t, f, ".data")
			if !bytes.Equal(got[4:], tt.want) {
				t.Errorf(".data = %x, want addend %x", got, tt.want)
			}
			if f.Section(".rel.data") == nil {
				t.Errorf("missing .rel.data")
			}
		})
	}
}

func TestImplicitAddendOutOfRange(t *testing.T) {
	o := newObject(t, arch.ArchX86, arch.LittleEndian)
	text, _ := o.SectionID(format.SectionText)
	o.AppendSectionData(text, []byte{0x90, 0x90}, 1)
	sym := o.SectionSymbol(text)
	err := o.AddRelocation(text, format.Relocation{
		Offset: 0,
		Symbol: sym,
		Addend: 1,
		Flags:  format.GenericRelocation{Kind: format.RelocAbsolute, Size: 32},
	})
	var ioe *format.InvalidOffsetError
	if !errors.As(err, &ioe) {
		t.Fatalf("err = %v, want InvalidOffsetError", err)
	}
	if ioe.Len != 2 || ioe.Offset != 0 || ioe.Size != 4 {
		t.Errorf("error = %+v", ioe)
	}
	if n := len(o.Section(text).Relocations()); n != 0 {
		t.Errorf("%d relocations recorded after failure", n)
	}
}

func TestUnsupported(t *testing.T) {
	o := newObject(t, arch.ArchX86_64, arch.LittleEndian)
	for _, s := range []format.StandardSection{format.SectionTlsVariables, format.SectionCommon} {
		if _, err := o.SectionID(s); !errors.Is(err, format.ErrUnsupported) {
			t.Errorf("SectionID(%s) = %v, want ErrUnsupported", s, err)
		}
	}
	text, _ := o.SectionID(format.SectionText)
	o.AppendSectionData(text, make([]byte, 8), 1)
	sym := o.SectionSymbol(text)
	err := o.AddRelocation(text, format.Relocation{
		Symbol: sym,
		Flags:  format.GenericRelocation{Kind: format.RelocSectionIndex, Size: 24},
	})
	if !errors.Is(err, format.ErrUnsupported) {
		t.Errorf("AddRelocation = %v, want ErrUnsupported", err)
	}
}

func TestComdatGroup(t *testing.T) {
	o := newObject(t, arch.ArchX86_64, arch.LittleEndian)
	sec, err := o.AddSubsection(format.SectionText, []byte("inline_fn"))
	if err != nil {
		t.Fatal(err)
	}
	if name := string(o.Section(sec).Name()); name != ".text.inline_fn" {
		t.Fatalf("subsection name = %q", name)
	}
	sym := o.AddSymbol(format.Symbol{
		Name:    []byte("inline_fn"),
		Kind:    format.SymbolText,
		Scope:   format.ScopeLinkage,
		Weak:    true,
		Section: format.UndefinedSection,
	})
	o.AddSymbolData(sym, sec, []byte{0xc3}, 1)
	o.AddComdat(format.Comdat{Kind: format.ComdatAny, Symbol: sym, Sections: []format.SectionID{sec}})

	f := parse(t, o)
	group := f.Section(".group")
	if group == nil || group.Type != elf.SHT_GROUP {
		t.Fatalf("group section = %+v", group)
	}
	words := sectionData(t, f, ".group")
	want := make([]byte, 8)
	binary.LittleEndian.PutUint32(want, 1)
	binary.LittleEndian.PutUint32(want[4:], uint32(sectionIndex(f, ".text.inline_fn")))
	if !bytes.Equal(words, want) {
		t.Errorf(".group = %x, want %x", words, want)
	}
	if s := f.Section(".text.inline_fn"); s.Flags&elf.SHF_GROUP == 0 {
		t.Errorf("member flags = %v", s.Flags)
	}

	syms, _ := f.Symbols()
	if int(group.Info) != 1 || syms[0].Name != "inline_fn" {
		t.Errorf("group signature = %d (%v)", group.Info, syms)
	}
	if elf.ST_BIND(syms[0].Info) != elf.STB_WEAK || elf.ST_VISIBILITY(syms[0].Other) != elf.STV_HIDDEN {
		t.Errorf("symbol info %#x other %#x", syms[0].Info, syms[0].Other)
	}
}

func TestComdatKind(t *testing.T) {
	o := newObject(t, arch.ArchARM64, arch.LittleEndian)
	sec, _ := o.SectionID(format.SectionData)
	sym := o.AddSymbol(format.Symbol{Name: []byte("x"), Kind: format.SymbolData, Scope: format.ScopeLinkage, Section: format.UndefinedSection})
	o.AddSymbolData(sym, sec, []byte{1}, 1)
	o.AddComdat(format.Comdat{Kind: format.ComdatLargest, Symbol: sym, Sections: []format.SectionID{sec}})
	if _, err := o.Write(); !errors.Is(err, format.ErrUnsupported) {
		t.Errorf("Write = %v, want ErrUnsupported", err)
	}
}

func TestLocalsFirst(t *testing.T) {
	o := newObject(t, arch.ArchRISCV64, arch.LittleEndian)
	o.AddFileSymbol([]byte("input.c"))
	data, _ := o.SectionID(format.SectionData)
	global := o.AddSymbol(format.Symbol{Name: []byte("g"), Kind: format.SymbolData, Scope: format.ScopeDynamic, Section: format.UndefinedSection})
	o.AddSymbolData(global, data, []byte{1, 2, 3, 4}, 4)
	local := o.AddSymbol(format.Symbol{Name: []byte("l"), Kind: format.SymbolData, Scope: format.ScopeCompilation, Section: format.UndefinedSection})
	o.AddSymbolData(local, data, []byte{5}, 1)
	o.SectionSymbol(data)

	f := parse(t, o)
	syms, err := f.Symbols()
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, s := range syms {
		names = append(names, s.Name)
	}
	if len(syms) != 4 || syms[0].Name != "input.c" || syms[1].Name != "l" || syms[3].Name != "g" {
		t.Fatalf("symbols = %q", names)
	}
	if elf.ST_TYPE(syms[0].Info) != elf.STT_FILE || syms[0].Section != elf.SHN_ABS {
		t.Errorf("file symbol = %+v", syms[0])
	}
	if elf.ST_TYPE(syms[2].Info) != elf.STT_SECTION {
		t.Errorf("section symbol = %+v", syms[2])
	}
	if syms[1].Value != 4 {
		t.Errorf("l value = %d, want 4", syms[1].Value)
	}
	if info := f.Section(".symtab").Info; info != 4 {
		t.Errorf(".symtab info = %d, want 4", info)
	}
}

func TestCommonSymbol(t *testing.T) {
	o := newObject(t, arch.ArchX86_64, arch.LittleEndian)
	if o.HasCommon() {
		t.Fatal("ELF has no common section")
	}
	_, err := o.AddCommonSymbol(format.Symbol{Name: []byte("buf"), Kind: format.SymbolData, Scope: format.ScopeDynamic}, 64, 16)
	if err != nil {
		t.Fatal(err)
	}
	f := parse(t, o)
	syms, _ := f.Symbols()
	if len(syms) != 1 || syms[0].Section != elf.SHN_COMMON || syms[0].Value != 16 || syms[0].Size != 64 {
		t.Errorf("symbols = %+v", syms)
	}
}

func TestBigEndian32(t *testing.T) {
	o := newObject(t, arch.ArchPPC, arch.BigEndian)
	bss, _ := o.SectionID(format.SectionUninitializedData)
	sym := o.AddSymbol(format.Symbol{Name: []byte("zero"), Kind: format.SymbolData, Scope: format.ScopeDynamic, Section: format.UndefinedSection})
	o.AddSymbolBSS(sym, bss, 100, 8)
	tbss, _ := o.SectionID(format.SectionUninitializedTls)
	o.AppendSectionBSS(tbss, 4, 4)

	f := parse(t, o)
	if f.Class != elf.ELFCLASS32 || f.Data != elf.ELFDATA2MSB || f.Machine != elf.EM_PPC {
		t.Fatalf("header = %v %v %v", f.Class, f.Data, f.Machine)
	}
	s := f.Section(".bss")
	if s == nil || s.Type != elf.SHT_NOBITS || s.Size != 100 || s.Addralign != 8 {
		t.Errorf(".bss = %+v", s)
	}
	if s := f.Section(".tbss"); s == nil || s.Flags&elf.SHF_TLS == 0 {
		t.Errorf(".tbss = %+v", s)
	}
}

func TestOutOfRange32(t *testing.T) {
	o := newObject(t, arch.ArchPPC, arch.BigEndian)
	data, _ := o.SectionID(format.SectionData)
	o.AppendSectionData(data, make([]byte, 4), 4)
	sym := o.SectionSymbol(data)
	err := o.AddRelocation(data, format.Relocation{
		Symbol: sym,
		Addend: 1 << 31,
		Flags:  format.GenericRelocation{Kind: format.RelocAbsolute, Size: 32},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Write(); err == nil {
		t.Error("addend 1<<31 written to ELF32")
	}

	o = newObject(t, arch.ArchX86, arch.LittleEndian)
	o.AddSymbol(format.Symbol{Name: []byte("big"), Value: 1 << 32, Kind: format.SymbolData, Scope: format.ScopeLinkage, Section: format.AbsoluteSection})
	if _, err := o.Write(); err == nil {
		t.Error("symbol value 1<<32 written to ELF32")
	}
}

func TestGnuProperty(t *testing.T) {
	o := newObject(t, arch.ArchX86_64, arch.LittleEndian)
	sec, err := o.SectionID(format.SectionGnuProperty)
	if err != nil {
		t.Fatal(err)
	}
	o.AppendSectionData(sec, make([]byte, 16), 8)
	f := parse(t, o)
	s := f.Section(".note.gnu.property")
	if s == nil || s.Type != elf.SHT_NOTE || s.Flags != elf.SHF_ALLOC {
		t.Errorf(".note.gnu.property = %+v", s)
	}
}

func TestARMFlags(t *testing.T) {
	o := newObject(t, arch.ArchARM, arch.LittleEndian)
	data, err := o.Write()
	if err != nil {
		t.Fatal(err)
	}
	if flags := binary.LittleEndian.Uint32(data[36:]); flags != 0x05000000 {
		t.Errorf("e_flags = %#x", flags)
	}
	o.Flags = format.ElfFileFlags{EFlags: 0x05000400}
	data, _ = o.Write()
	if flags := binary.LittleEndian.Uint32(data[36:]); flags != 0x05000400 {
		t.Errorf("e_flags = %#x", flags)
	}
}
