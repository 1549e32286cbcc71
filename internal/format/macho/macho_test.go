package macho_test

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
	"errors"
	"testing"

	"objwrite/internal/arch"
	"objwrite/internal/format"
	objmacho "objwrite/internal/format/macho"
)

func newObject(t *testing.T, a arch.Arch) *format.Object {
	t.Helper()
	o, err := format.New(format.FormatMachO, a, arch.LittleEndian)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func parse(t *testing.T, o *format.Object) *macho.File {
	t.Helper()
	data, err := o.Write()
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	f, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("macho.NewFile: %v", err)
	}
	return f
}

func findSymbol(t *testing.T, f *macho.File, name string) (int, macho.Symbol) {
	t.Helper()
	for i, s := range f.Symtab.Syms {
		if s.Name == name {
			return i, s
		}
	}
	t.Fatalf("symbol %q not found", name)
	return -1, macho.Symbol{}
}

func TestRoundTrip(t *testing.T) {
	o := newObject(t, arch.ArchX86_64)
	text, err := o.SectionID(format.SectionText)
	if err != nil {
		t.Fatal(err)
	}
	main := o.AddSymbol(format.Symbol{Name: []byte("main"), Kind: format.SymbolText, Scope: format.ScopeDynamic, Section: format.UndefinedSection})
	o.AddSymbolData(main, text, []byte{0xe8, 0, 0, 0, 0, 0xc3}, 16)
	puts := o.AddSymbol(format.Symbol{Name: []byte("puts"), Kind: format.SymbolText, Section: format.UndefinedSection})
	err = o.AddRelocation(text, format.Relocation{
		Offset: 1,
		Symbol: puts,
		Addend: -4,
		Flags:  format.GenericRelocation{Kind: format.RelocRelative, Encoding: format.EncodingX86Branch, Size: 32},
	})
	if err != nil {
		t.Fatal(err)
	}

	f := parse(t, o)
	if f.Cpu != macho.CpuAmd64 || f.Type != macho.TypeObj || f.Magic != macho.Magic64 {
		t.Errorf("header = %+v", f.FileHeader)
	}
	s := f.Section("__text")
	if s == nil || s.Seg != "__TEXT" {
		t.Fatalf("__text = %+v", s)
	}
	if s.Align != 4 || s.Flags != 0x80000400 {
		t.Errorf("__text align %d flags %#x", s.Align, s.Flags)
	}
	data, err := s.Data()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte{0xe8, 0, 0, 0, 0, 0xc3}) {
		t.Errorf("__text = %x", data)
	}

	mi, m := findSymbol(t, f, "_main")
	if m.Type != 0x0f || m.Sect != 1 || m.Value != 0 {
		t.Errorf("_main = %+v", m)
	}
	pi, p := findSymbol(t, f, "_puts")
	if p.Type != 0x01 || p.Sect != 0 {
		t.Errorf("_puts = %+v", p)
	}
	if mi != 0 || pi != 1 {
		t.Errorf("symbol order: _main %d, _puts %d", mi, pi)
	}
	d := f.Dysymtab
	if d.Nlocalsym != 0 || d.Iextdefsym != 0 || d.Nextdefsym != 1 || d.Iundefsym != 1 || d.Nundefsym != 1 {
		t.Errorf("dysymtab = %+v", d.DysymtabCmd)
	}

	if len(s.Relocs) != 1 {
		t.Fatalf("got %d relocations", len(s.Relocs))
	}
	r := s.Relocs[0]
	if r.Addr != 1 || r.Type != uint8(macho.X86_64_RELOC_BRANCH) || !r.Pcrel || !r.Extern || r.Len != 2 || r.Value != uint32(pi) {
		t.Errorf("relocation = %+v", r)
	}
}

func TestImplicitAddend(t *testing.T) {
	o := newObject(t, arch.ArchX86_64)
	data, _ := o.SectionID(format.SectionData)
	o.AppendSectionData(data, make([]byte, 12), 8)
	ext := o.AddSymbol(format.Symbol{Name: []byte("ext"), Kind: format.SymbolData, Section: format.UndefinedSection})
	if err := o.AddRelocation(data, format.Relocation{Offset: 0, Symbol: ext, Addend: 8, Flags: format.GenericRelocation{Kind: format.RelocAbsolute, Size: 64}}); err != nil {
		t.Fatal(err)
	}
	if err := o.AddRelocation(data, format.Relocation{Offset: 8, Symbol: ext, Flags: format.GenericRelocation{Kind: format.RelocRelative, Size: 32}}); err != nil {
		t.Fatal(err)
	}
	want := []byte{8, 0, 0, 0, 0, 0, 0, 0, 4, 0, 0, 0}
	if got := o.Section(data).Data(); !bytes.Equal(got, want) {
		t.Errorf("data = %x, want %x", got, want)
	}

	f := parse(t, o)
	relocs := f.Section("__data").Relocs
	if len(relocs) != 2 {
		t.Fatalf("got %d relocations", len(relocs))
	}
	if relocs[0].Type != uint8(macho.X86_64_RELOC_UNSIGNED) || relocs[0].Len != 3 || relocs[0].Pcrel {
		t.Errorf("absolute relocation = %+v", relocs[0])
	}
	if relocs[1].Type != uint8(macho.X86_64_RELOC_SIGNED) || !relocs[1].Pcrel {
		t.Errorf("relative relocation = %+v", relocs[1])
	}
}

func TestARM64ExplicitAddend(t *testing.T) {
	o := newObject(t, arch.ArchARM64)
	text, _ := o.SectionID(format.SectionText)
	o.AppendSectionData(text, make([]byte, 8), 4)
	fn := o.AddSymbol(format.Symbol{Name: []byte("fn"), Kind: format.SymbolText, Section: format.UndefinedSection})
	call := format.GenericRelocation{Kind: format.RelocRelative, Encoding: format.EncodingAArch64Call, Size: 26}
	if err := o.AddRelocation(text, format.Relocation{Offset: 0, Symbol: fn, Addend: 8, Flags: call}); err != nil {
		t.Fatal(err)
	}
	if err := o.AddRelocation(text, format.Relocation{Offset: 4, Symbol: fn, Flags: call}); err != nil {
		t.Fatal(err)
	}
	if got := o.Section(text).Data(); !bytes.Equal(got, make([]byte, 8)) {
		t.Errorf("explicit addend written to data: %x", got)
	}
	if got := o.Section(text).Relocations()[0].Addend; got != 8 {
		t.Errorf("stored addend = %d", got)
	}

	f := parse(t, o)
	relocs := f.Section("__text").Relocs
	if len(relocs) != 3 {
		t.Fatalf("got %d relocations", len(relocs))
	}
	if r := relocs[0]; r.Type != uint8(macho.ARM64_RELOC_ADDEND) || r.Value != 8 || r.Extern || r.Addr != 0 {
		t.Errorf("addend entry = %+v", r)
	}
	for _, r := range relocs[1:] {
		if r.Type != uint8(macho.ARM64_RELOC_BRANCH26) || !r.Pcrel || !r.Extern {
			t.Errorf("branch relocation = %+v", r)
		}
	}
	if f.Cpu != macho.CpuArm64 || f.SubCpu != 0 {
		t.Errorf("cpu = %v/%d", f.Cpu, f.SubCpu)
	}
}

func TestThreadVariable(t *testing.T) {
	o := newObject(t, arch.ArchX86_64)
	tdata, err := o.SectionID(format.SectionTls)
	if err != nil {
		t.Fatal(err)
	}
	v := o.AddSymbol(format.Symbol{Name: []byte("counter"), Kind: format.SymbolTls, Scope: format.ScopeDynamic, Section: format.UndefinedSection})
	o.AddSymbolData(v, tdata, []byte{1, 0, 0, 0}, 4)

	vars, ok := o.StandardSection(format.SectionTlsVariables)
	if !ok {
		t.Fatal("no thread variables section")
	}
	sym := o.Symbol(v)
	if sym.Section != format.InSection(vars) || sym.Size != 24 || sym.Value != 0 {
		t.Errorf("variable = %+v", sym)
	}
	init, ok := o.ThreadVariableInit(v)
	if !ok {
		t.Fatal("no initializer symbol")
	}
	is := o.Symbol(init)
	if string(is.Name) != "_counter$tlv$init" || is.Section != format.InSection(tdata) || is.Size != 4 {
		t.Errorf("initializer = %+v", is)
	}

	relocs := o.Section(vars).Relocations()
	if len(relocs) != 2 {
		t.Fatalf("got %d record relocations", len(relocs))
	}
	if n := o.Symbol(relocs[0].Symbol).Name; relocs[0].Offset != 0 || string(n) != "__tlv_bootstrap" {
		t.Errorf("first relocation = %+v against %q", relocs[0], n)
	}
	if relocs[1].Offset != 16 || relocs[1].Symbol != init {
		t.Errorf("second relocation = %+v", relocs[1])
	}

	// Redefining the variable reuses its record.
	o.SetSymbolData(v, tdata, 0, 4)
	if n := len(o.Section(vars).Relocations()); n != 2 {
		t.Errorf("record relocations after redefinition = %d", n)
	}
	if got, _ := o.ThreadVariableInit(v); got != init {
		t.Errorf("initializer changed to %d", got)
	}

	f := parse(t, o)
	if s := f.Section("__thread_data"); s == nil || s.Flags != 0x11 {
		t.Errorf("__thread_data = %+v", s)
	}
	tv := f.Section("__thread_vars")
	if tv == nil || tv.Flags != 0x13 {
		t.Fatalf("__thread_vars = %+v", tv)
	}
	_, c := findSymbol(t, f, "_counter")
	if c.Sect != uint8(vars)+1 || c.Value != tv.Addr {
		t.Errorf("_counter = %+v", c)
	}
	_, i := findSymbol(t, f, "_counter$tlv$init")
	if i.Type != 0x0e || i.Sect != uint8(tdata)+1 {
		t.Errorf("initializer symbol = %+v", i)
	}
	bi, b := findSymbol(t, f, "__tlv_bootstrap")
	if b.Type != 0x01 {
		t.Errorf("__tlv_bootstrap = %+v", b)
	}
	if r := tv.Relocs[0]; r.Value != uint32(bi) || r.Len != 3 || r.Type != uint8(macho.X86_64_RELOC_UNSIGNED) {
		t.Errorf("bootstrap relocation = %+v", r)
	}
}

func TestSubsectionsViaSymbols(t *testing.T) {
	o := newObject(t, arch.ArchX86_64)
	o.SetSubsectionsViaSymbols()
	if !o.SubsectionsViaSymbols() {
		t.Fatal("subsections via symbols not enabled")
	}
	text, _ := o.SectionID(format.SectionText)
	sub, err := o.AddSubsection(format.SectionText, []byte("f"))
	if err != nil {
		t.Fatal(err)
	}
	if sub != text {
		t.Errorf("subsection = %d, want %d", sub, text)
	}
	f1 := o.AddSymbol(format.Symbol{Name: []byte("f"), Kind: format.SymbolText, Scope: format.ScopeLinkage, Section: format.UndefinedSection})
	o.AddSymbolData(f1, sub, nil, 1)
	if sym := o.Symbol(f1); sym.Size != 1 {
		t.Errorf("empty symbol size = %d", sym.Size)
	}
	if got := o.Section(text).Size(); got != 1 {
		t.Errorf("section size = %d", got)
	}

	f := parse(t, o)
	if f.Flags&macho.FlagSubsectionsViaSymbols == 0 {
		t.Errorf("flags = %#x", f.Flags)
	}
	if _, s := findSymbol(t, f, "_f"); s.Type != 0x1f {
		t.Errorf("hidden symbol type = %#x", s.Type)
	}
}

func TestExplicitFileFlags(t *testing.T) {
	o := newObject(t, arch.ArchX86_64)
	o.SetSubsectionsViaSymbols()
	o.Flags = format.MachOFileFlags{Flags: macho.FlagNoUndefs}
	f := parse(t, o)
	if want := macho.FlagNoUndefs | macho.FlagSubsectionsViaSymbols; f.Flags != want {
		t.Errorf("flags = %#x, want %#x", f.Flags, want)
	}
}

func TestOutOfRange(t *testing.T) {
	o := newObject(t, arch.ArchARM64)
	text, _ := o.SectionID(format.SectionText)
	o.AppendSectionData(text, make([]byte, 4), 4)
	fn := o.AddSymbol(format.Symbol{Name: []byte("fn"), Kind: format.SymbolText, Section: format.UndefinedSection})
	call := format.GenericRelocation{Kind: format.RelocRelative, Encoding: format.EncodingAArch64Call, Size: 26}
	if err := o.AddRelocation(text, format.Relocation{Symbol: fn, Addend: 1 << 23, Flags: call}); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Write(); err == nil {
		t.Error("addend 1<<23 written")
	}

	o = newObject(t, arch.ArchX86)
	o.AddSymbol(format.Symbol{Name: []byte("big"), Value: 1 << 32, Kind: format.SymbolData, Scope: format.ScopeDynamic, Section: format.AbsoluteSection})
	if _, err := o.Write(); err == nil {
		t.Error("symbol value 1<<32 written to 32-bit object")
	}
}

func TestCommon(t *testing.T) {
	o := newObject(t, arch.ArchX86_64)
	if !o.HasCommon() {
		t.Fatal("Mach-O has a common section")
	}
	id, err := o.AddCommonSymbol(format.Symbol{Name: []byte("buf"), Kind: format.SymbolData, Scope: format.ScopeDynamic, Section: format.UndefinedSection}, 64, 16)
	if err != nil {
		t.Fatal(err)
	}
	sec, _ := o.StandardSection(format.SectionCommon)
	if o.Symbol(id).Section != format.InSection(sec) {
		t.Errorf("common symbol section = %v", o.Symbol(id).Section)
	}

	f := parse(t, o)
	s := f.Section("__common")
	if s == nil || s.Flags != 0x1 || s.Size != 64 || s.Offset != 0 || s.Align != 4 {
		t.Errorf("__common = %+v", s)
	}
}

func TestWeak(t *testing.T) {
	o := newObject(t, arch.ArchX86_64)
	text, _ := o.SectionID(format.SectionText)
	def := o.AddSymbol(format.Symbol{Name: []byte("wdef"), Kind: format.SymbolText, Scope: format.ScopeDynamic, Weak: true, Section: format.UndefinedSection})
	o.AddSymbolData(def, text, []byte{0xc3}, 1)
	o.AddSymbol(format.Symbol{Name: []byte("wref"), Kind: format.SymbolText, Weak: true, Section: format.UndefinedSection})

	f := parse(t, o)
	if _, s := findSymbol(t, f, "_wdef"); s.Desc != 0x80 {
		t.Errorf("_wdef desc = %#x", s.Desc)
	}
	if _, s := findSymbol(t, f, "_wref"); s.Desc != 0x40 {
		t.Errorf("_wref desc = %#x", s.Desc)
	}
}

func TestSectionSymbol(t *testing.T) {
	o := newObject(t, arch.ArchX86_64)
	text, _ := o.SectionID(format.SectionText)
	data, _ := o.SectionID(format.SectionData)
	o.AppendSectionData(text, make([]byte, 16), 16)
	o.AppendSectionData(data, make([]byte, 8), 8)
	ss := o.SectionSymbol(data)
	if o.SectionSymbol(data) != ss {
		t.Errorf("section symbol not reused")
	}
	if err := o.AddRelocation(text, format.Relocation{Offset: 8, Symbol: ss, Flags: format.GenericRelocation{Kind: format.RelocAbsolute, Size: 64}}); err != nil {
		t.Fatal(err)
	}

	f := parse(t, o)
	i, s := findSymbol(t, f, "ltmp1")
	if s.Type != 0x0e || s.Sect != 2 || s.Value != 16 {
		t.Errorf("ltmp1 = %+v", s)
	}
	if f.Dysymtab.Nlocalsym != 1 {
		t.Errorf("locals = %d", f.Dysymtab.Nlocalsym)
	}
	if r := f.Section("__text").Relocs[0]; r.Value != uint32(i) {
		t.Errorf("relocation symbol = %d, want %d", r.Value, i)
	}
	if d := f.Section("__data"); d.Addr != 16 {
		t.Errorf("__data address = %d", d.Addr)
	}
}

func Test32Bit(t *testing.T) {
	o := newObject(t, arch.ArchX86)
	text, _ := o.SectionID(format.SectionText)
	o.AppendSectionData(text, make([]byte, 8), 4)
	x := o.AddSymbol(format.Symbol{Name: []byte("x"), Kind: format.SymbolText, Scope: format.ScopeDynamic, Section: format.UndefinedSection})
	o.SetSymbolData(x, text, 4, 4)
	if err := o.AddRelocation(text, format.Relocation{Offset: 0, Symbol: x, Flags: format.GenericRelocation{Kind: format.RelocRelative, Size: 32}}); err != nil {
		t.Fatal(err)
	}
	if got := o.Section(text).Data()[:4]; !bytes.Equal(got, []byte{4, 0, 0, 0}) {
		t.Errorf("addend bytes = %x", got)
	}

	f := parse(t, o)
	if f.Magic != macho.Magic32 || f.Cpu != macho.Cpu386 || f.SubCpu != 3 {
		t.Errorf("header = %+v", f.FileHeader)
	}
	if _, s := findSymbol(t, f, "_x"); s.Value != 4 || s.Sect != 1 {
		t.Errorf("_x = %+v", s)
	}
	r := f.Section("__text").Relocs[0]
	if r.Type != uint8(macho.GENERIC_RELOC_VANILLA) || !r.Pcrel || !r.Extern {
		t.Errorf("relocation = %+v", r)
	}
}

func TestBuildVersion(t *testing.T) {
	o := newObject(t, arch.ArchARM64)
	o.SetSubArchitecture(arch.SubArchARM64E)
	objmacho.SetBuildVersion(o, objmacho.BuildVersion{Platform: 1, MinOS: 0x000b0000, SDK: 0x000e0000})

	f := parse(t, o)
	if f.SubCpu != 2 {
		t.Errorf("subtype = %d", f.SubCpu)
	}
	found := false
	for _, l := range f.Loads {
		raw := l.Raw()
		if binary.LittleEndian.Uint32(raw) != 0x32 {
			continue
		}
		found = true
		if len(raw) != 24 || binary.LittleEndian.Uint32(raw[8:]) != 1 || binary.LittleEndian.Uint32(raw[12:]) != 0x000b0000 {
			t.Errorf("build version = %x", raw)
		}
	}
	if !found {
		t.Errorf("no LC_BUILD_VERSION")
	}

	objmacho.SetCPUSubtype(o, 0x80000002)
	f = parse(t, o)
	if f.SubCpu != 0x80000002 {
		t.Errorf("subtype override = %#x", f.SubCpu)
	}
}

func TestUnsupported(t *testing.T) {
	if _, err := format.New(format.FormatMachO, arch.ArchX86_64, arch.BigEndian); !errors.Is(err, format.ErrUnsupported) {
		t.Errorf("big-endian New = %v", err)
	}
	if _, err := format.New(format.FormatMachO, arch.ArchRISCV64, arch.LittleEndian); !errors.Is(err, format.ErrUnsupported) {
		t.Errorf("riscv64 New = %v", err)
	}

	o := newObject(t, arch.ArchX86_64)
	if _, err := o.SectionID(format.SectionGnuProperty); !errors.Is(err, format.ErrUnsupported) {
		t.Errorf("SectionID(gnu-property) = %v", err)
	}
	text, _ := o.SectionID(format.SectionText)
	fn := o.AddSymbol(format.Symbol{Name: []byte("fn"), Kind: format.SymbolText, Scope: format.ScopeLinkage, Section: format.UndefinedSection})
	o.AddSymbolData(fn, text, []byte{0xc3}, 1)
	o.AddComdat(format.Comdat{Kind: format.ComdatAny, Symbol: fn, Sections: []format.SectionID{text}})
	if _, err := o.Write(); !errors.Is(err, format.ErrUnsupported) {
		t.Errorf("Write with COMDAT = %v", err)
	}
}

func TestSegmentNames(t *testing.T) {
	o := newObject(t, arch.ArchX86_64)
	for seg, want := range map[format.StandardSegment]string{
		format.SegmentText:  "__TEXT",
		format.SegmentData:  "__DATA",
		format.SegmentDebug: "__DWARF",
	} {
		if got := string(o.SegmentName(seg)); got != want {
			t.Errorf("SegmentName(%d) = %q, want %q", seg, got, want)
		}
	}
}
