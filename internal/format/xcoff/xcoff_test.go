package xcoff_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"objwrite/internal/arch"
	"objwrite/internal/format"
	_ "objwrite/internal/format/xcoff"
)

var be = binary.BigEndian

func newObject(t *testing.T, a arch.Arch) *format.Object {
	t.Helper()
	o, err := format.New(format.FormatXCOFF, a, arch.BigEndian)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func write(t *testing.T, o *format.Object) []byte {
	t.Helper()
	data, err := o.Write()
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	return data
}

type xsection struct {
	name    string
	vaddr   uint64
	size    uint64
	scnptr  uint64
	relptr  uint64
	nreloc  int
	flags   uint32
	content []byte
}

type xsymbol struct {
	name   string
	value  uint64
	scnum  int16
	typ    uint16
	sclass uint8
	numaux uint8
	aux    []byte
}

type xfile struct {
	magic    uint16
	sections []xsection
	symbols  []xsymbol // indexed by symbol table entry; aux slots are empty
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// parse decodes the parts of an XCOFF object the tests look at.
func parse(t *testing.T, data []byte) *xfile {
	t.Helper()
	f := &xfile{magic: be.Uint16(data)}
	is64 := f.magic == 0x01f7
	nscns := int(be.Uint16(data[2:]))
	var symptr uint64
	var nsyms int
	hdr, scn := 20, 40
	if is64 {
		symptr = be.Uint64(data[8:])
		nsyms = int(be.Uint32(data[20:]))
		hdr, scn = 24, 72
	} else {
		symptr = uint64(be.Uint32(data[8:]))
		nsyms = int(be.Uint32(data[12:]))
	}
	if be.Uint16(data[16:]) != 0 {
		t.Fatalf("unexpected optional header")
	}

	for i := 0; i < nscns; i++ {
		h := data[hdr+i*scn:]
		s := xsection{name: cstring(h[:8])}
		if is64 {
			s.vaddr, s.size = be.Uint64(h[16:]), be.Uint64(h[24:])
			s.scnptr, s.relptr = be.Uint64(h[32:]), be.Uint64(h[40:])
			s.nreloc, s.flags = int(be.Uint32(h[56:])), be.Uint32(h[64:])
		} else {
			s.vaddr, s.size = uint64(be.Uint32(h[12:])), uint64(be.Uint32(h[16:]))
			s.scnptr, s.relptr = uint64(be.Uint32(h[20:])), uint64(be.Uint32(h[24:]))
			s.nreloc, s.flags = int(be.Uint16(h[32:])), be.Uint32(h[36:])
		}
		if s.scnptr != 0 {
			s.content = data[s.scnptr : s.scnptr+s.size]
		}
		f.sections = append(f.sections, s)
	}

	strtab := data[symptr+uint64(nsyms*18):]
	if n := be.Uint32(strtab); int(n) != len(strtab) {
		t.Fatalf("string table size %d, have %d bytes", n, len(strtab))
	}
	f.symbols = make([]xsymbol, nsyms)
	for i := 0; i < nsyms; i++ {
		e := data[symptr+uint64(i*18):]
		var s xsymbol
		if is64 {
			s.value = be.Uint64(e)
			s.name = cstring(strtab[be.Uint32(e[8:]):])
		} else {
			if be.Uint32(e) == 0 {
				s.name = cstring(strtab[be.Uint32(e[4:]):])
			} else {
				s.name = cstring(e[:8])
			}
			s.value = uint64(be.Uint32(e[8:]))
		}
		s.scnum = int16(be.Uint16(e[12:]))
		s.typ = be.Uint16(e[14:])
		s.sclass, s.numaux = e[16], e[17]
		s.aux = e[18 : 18+18*int(s.numaux)]
		f.symbols[i] = s
		i += int(s.numaux)
	}
	return f
}

func (f *xfile) symbol(t *testing.T, name string) (int, xsymbol) {
	t.Helper()
	for i, s := range f.symbols {
		if s.name == name && s.sclass != 0 {
			return i, s
		}
	}
	t.Fatalf("symbol %q not found", name)
	return -1, xsymbol{}
}

func TestRoundTrip32(t *testing.T) {
	o := newObject(t, arch.ArchPPC)
	text, _ := o.SectionID(format.SectionText)
	data, _ := o.SectionID(format.SectionData)
	o.AppendSectionData(text, make([]byte, 8), 4)
	main := o.AddSymbol(format.Symbol{Name: []byte("main"), Kind: format.SymbolText, Scope: format.ScopeDynamic, Section: format.UndefinedSection})
	o.SetSymbolData(main, text, 0, 8)
	ptr := o.AddSymbol(format.Symbol{Name: []byte("a_long_pointer_name"), Kind: format.SymbolData, Scope: format.ScopeCompilation, Section: format.UndefinedSection})
	o.AddSymbolData(ptr, data, make([]byte, 4), 4)
	ext := o.AddSymbol(format.Symbol{Name: []byte("ext"), Kind: format.SymbolData, Section: format.UndefinedSection})
	if err := o.AddRelocation(data, format.Relocation{Offset: 0, Symbol: ext, Addend: 0x10, Flags: format.GenericRelocation{Kind: format.RelocAbsolute, Size: 32}}); err != nil {
		t.Fatal(err)
	}
	if got := o.Section(data).Data(); !bytes.Equal(got, []byte{0, 0, 0, 0x10}) {
		t.Errorf("implicit addend = %x", got)
	}

	out := write(t, o)
	f := parse(t, out)
	if f.magic != 0x01df || len(f.sections) != 2 {
		t.Fatalf("magic %#x, %d sections", f.magic, len(f.sections))
	}
	if s := f.sections[0]; s.name != ".text" || s.flags != 0x20 || s.size != 8 {
		t.Errorf(".text = %+v", s)
	}
	d := f.sections[1]
	if d.name != ".data" || d.flags != 0x40 || d.vaddr != 8 || d.nreloc != 1 {
		t.Errorf(".data = %+v", d)
	}

	_, m := f.symbol(t, "main")
	if m.sclass != 2 || m.scnum != 1 || m.numaux != 1 {
		t.Errorf("main = %+v", m)
	}
	if m.aux[10] != 1|2<<3 || m.aux[11] != 0 || be.Uint32(m.aux) != 8 {
		t.Errorf("main csect = %x", m.aux)
	}
	_, p := f.symbol(t, "a_long_pointer_name")
	if p.sclass != 107 || p.scnum != 2 || p.value != 8 || p.aux[11] != 5 {
		t.Errorf("pointer = %+v", p)
	}
	ei, e := f.symbol(t, "ext")
	if e.sclass != 2 || e.scnum != 0 || e.aux[10] != 0 || e.aux[11] != 4 {
		t.Errorf("ext = %+v", e)
	}

	r := out[d.relptr:]
	if be.Uint32(r) != 8 || int(be.Uint32(r[4:])) != ei || r[8] != 31 || r[9] != 0 {
		t.Errorf("relocation = %x (ext at %d)", r[:10], ei)
	}
}

func TestRoundTrip64(t *testing.T) {
	o := newObject(t, arch.ArchPPC64)
	o.AddFileSymbol([]byte("main.c"))
	text, _ := o.SectionID(format.SectionText)
	o.AppendSectionData(text, make([]byte, 8), 4)
	fn := o.AddSymbol(format.Symbol{Name: []byte("fn"), Kind: format.SymbolText, Section: format.UndefinedSection})
	call := format.GenericRelocation{Kind: format.RelocRelative, Size: 26}
	if err := o.AddRelocation(text, format.Relocation{Offset: 4, Symbol: fn, Flags: call}); err != nil {
		t.Fatal(err)
	}
	if err := o.AddRelocation(text, format.Relocation{Offset: 0, Symbol: fn, Addend: 4, Flags: call}); !errors.Is(err, format.ErrUnsupported) {
		t.Errorf("branch with addend = %v", err)
	}
	tbss, _ := o.SectionID(format.SectionUninitializedTls)
	tv := o.AddSymbol(format.Symbol{Name: []byte("tv"), Kind: format.SymbolTls, Scope: format.ScopeLinkage, Section: format.UndefinedSection})
	o.AddSymbolBSS(tv, tbss, 8, 8)

	data := write(t, o)
	f := parse(t, data)
	if f.magic != 0x01f7 {
		t.Fatalf("magic = %#x", f.magic)
	}
	if s := f.sections[1]; s.name != ".tbss" || s.flags != 0x800 || s.scnptr != 0 || s.size != 8 {
		t.Errorf(".tbss = %+v", s)
	}

	file := f.symbols[0]
	if file.name != ".file" || file.sclass != 103 || file.scnum != -2 {
		t.Errorf("file symbol = %+v", file)
	}
	if file.aux[14] != 0 || file.aux[17] != 252 {
		t.Errorf("file aux = %x", file.aux)
	}

	fi, s := f.symbol(t, "fn")
	if s.sclass != 2 || s.scnum != 0 || s.aux[11] != 0 || s.aux[17] != 251 {
		t.Errorf("fn = %+v", s)
	}
	_, v := f.symbol(t, "tv")
	if v.typ != 0x2000 || v.scnum != 2 || v.aux[11] != 21 {
		t.Errorf("tv = %+v", v)
	}

	r := data[f.sections[0].relptr:]
	if be.Uint64(r) != 4 || int(be.Uint32(r[8:])) != fi || r[12] != 0x80|25 || r[13] != 0x1a {
		t.Errorf("relocation = %x", r[:14])
	}
}

func TestReadOnlySectionsShared(t *testing.T) {
	o := newObject(t, arch.ArchPPC)
	ro, _ := o.SectionID(format.SectionReadOnlyData)
	rel, _ := o.SectionID(format.SectionReadOnlyDataWithRel)
	str, _ := o.SectionID(format.SectionReadOnlyString)
	if ro != str || ro != rel || string(o.Section(ro).Name()) != ".rdata" {
		t.Errorf("read-only sections %d, %d and %d", ro, rel, str)
	}
	if n := len(o.Sections()); n != 1 {
		t.Errorf("%d sections", n)
	}
}

func TestUnsupported(t *testing.T) {
	if _, err := format.New(format.FormatXCOFF, arch.ArchPPC64, arch.LittleEndian); !errors.Is(err, format.ErrUnsupported) {
		t.Errorf("little-endian New = %v", err)
	}
	if _, err := format.New(format.FormatXCOFF, arch.ArchX86_64, arch.BigEndian); !errors.Is(err, format.ErrUnsupported) {
		t.Errorf("x86_64 New = %v", err)
	}
	o := newObject(t, arch.ArchPPC64)
	if _, err := o.AddSubsection(format.SectionText, []byte("f")); !errors.Is(err, format.ErrUnsupported) {
		t.Errorf("AddSubsection = %v", err)
	}
	if _, err := o.SectionID(format.SectionTlsVariables); !errors.Is(err, format.ErrUnsupported) {
		t.Errorf("SectionID(tlv) = %v", err)
	}
}
