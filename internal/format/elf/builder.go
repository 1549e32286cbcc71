package elf

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"math"

	"objwrite/internal/arch"
	"objwrite/internal/buffer"
	"objwrite/internal/format"
	"objwrite/internal/strtab"
)

const grpComdat = 1

// Default e_flags for 32-bit ARM: EABI version 5.
const efARMEABI5 = 0x05000000

type section struct {
	name    strtab.ID
	hasName bool
	typ     elf.SectionType
	flags   uint64
	offset  uint64
	size    uint64
	align   uint64
	link    uint32
	info    uint32
	entsize uint64
	data    []byte

	// Object section whose relocations this section holds, or COMDAT
	// described by this group section.
	target int
}

// builder lays out and writes one ELF relocatable object.
type builder struct {
	obj   *format.Object
	p     *policy
	is64  bool
	order binary.ByteOrder

	headers []section

	secIndex   []int
	relIndex   []int
	groupIndex []int
	symtab     int
	strtabIdx  int
	shstrtab   int

	symIndex  []uint32
	symOrder  []format.SymbolID
	symFlags  []format.ElfSymbolFlags
	symNames  []strtab.ID
	numLocals int

	strings   strtab.Table
	shstrings strtab.Table
	strData   []byte
	shstrData []byte
	shoff     uint64
	totalSize uint64
}

func (p *policy) Write(w buffer.WritableBuffer) error {
	b := &builder{
		obj:   p.obj,
		p:     p,
		is64:  p.obj.Architecture().Is64(),
		order: p.obj.Endianness().Order(),
	}
	if err := b.layout(); err != nil {
		return err
	}
	return b.write(w)
}

func (b *builder) addrSize() uint64 {
	if b.is64 {
		return 8
	}
	return 4
}

func (b *builder) relocEntSize() uint64 {
	switch {
	case b.is64 && b.p.rela:
		return 24
	case b.is64:
		return 16
	case b.p.rela:
		return 12
	default:
		return 8
	}
}

func (b *builder) symEntSize() uint64 {
	if b.is64 {
		return 24
	}
	return 16
}

func (b *builder) layout() error {
	obj := b.obj
	sections := obj.Sections()
	comdats := obj.Comdats()

	b.headers = append(b.headers, section{})

	inGroup := make([]bool, len(sections))
	b.groupIndex = make([]int, len(comdats))
	for i, c := range comdats {
		if c.Kind != format.ComdatAny {
			return format.Unsupportedf("ELF COMDAT kind %s", c.Kind)
		}
		if len(c.Sections) == 0 {
			return fmt.Errorf("COMDAT %d has no sections", i)
		}
		for _, s := range c.Sections {
			inGroup[s] = true
		}
		b.groupIndex[i] = len(b.headers)
		b.headers = append(b.headers, section{
			name:    b.shstrings.Add([]byte(".group")),
			hasName: true,
			typ:     elf.SHT_GROUP,
			align:   4,
			entsize: 4,
			size:    uint64(4 * (len(c.Sections) + 1)),
			target:  i,
		})
	}

	b.secIndex = make([]int, len(sections))
	b.relIndex = make([]int, len(sections))
	for i, sec := range sections {
		flags, err := obj.SectionFlags(sec)
		if err != nil {
			return err
		}
		ef, ok := flags.(format.ElfSectionFlags)
		if !ok {
			return fmt.Errorf("section %q: flags %T are not ELF flags", sec.Name(), flags)
		}
		sh := section{
			typ:   elf.SHT_PROGBITS,
			flags: ef.ShFlags,
			size:  sec.Size(),
			align: sec.Align(),
		}
		if len(sec.Name()) != 0 {
			sh.name, sh.hasName = b.shstrings.Add(sec.Name()), true
		}
		switch sec.Kind() {
		case format.KindUninitializedData, format.KindUninitializedTls:
			sh.typ = elf.SHT_NOBITS
		case format.KindNote:
			sh.typ = elf.SHT_NOTE
		case format.KindReadOnlyString, format.KindOtherString, format.KindDebugString:
			sh.entsize = 1
		}
		if sh.typ != elf.SHT_NOBITS {
			sh.data = sec.Data()
		}
		if inGroup[i] {
			sh.flags |= uint64(elf.SHF_GROUP)
		}
		b.secIndex[i] = len(b.headers)
		b.headers = append(b.headers, sh)

		b.relIndex[i] = -1
		if relocs := sec.Relocations(); len(relocs) != 0 {
			prefix := ".rel"
			typ := elf.SHT_REL
			if b.p.rela {
				prefix, typ = ".rela", elf.SHT_RELA
			}
			name := append([]byte(prefix), sec.Name()...)
			b.relIndex[i] = len(b.headers)
			b.headers = append(b.headers, section{
				name:    b.shstrings.Add(name),
				hasName: true,
				typ:     typ,
				flags:   uint64(elf.SHF_INFO_LINK),
				size:    uint64(len(relocs)) * b.relocEntSize(),
				align:   b.addrSize(),
				info:    uint32(b.secIndex[i]),
				entsize: b.relocEntSize(),
				target:  i,
			})
		}
	}

	b.symtab = len(b.headers)
	b.headers = append(b.headers, section{name: b.shstrings.Add([]byte(".symtab")), hasName: true, typ: elf.SHT_SYMTAB, align: b.addrSize(), entsize: b.symEntSize()})
	b.strtabIdx = len(b.headers)
	b.headers = append(b.headers, section{name: b.shstrings.Add([]byte(".strtab")), hasName: true, typ: elf.SHT_STRTAB, align: 1})
	b.shstrtab = len(b.headers)
	b.headers = append(b.headers, section{name: b.shstrings.Add([]byte(".shstrtab")), hasName: true, typ: elf.SHT_STRTAB, align: 1})

	if len(b.headers) >= int(elf.SHN_LORESERVE) {
		return fmt.Errorf("too many sections: %d", len(b.headers))
	}

	if err := b.layoutSymbols(); err != nil {
		return err
	}
	if !b.is64 {
		if err := b.check32(); err != nil {
			return err
		}
	}

	var err error
	if b.strData, err = b.strings.Write([]byte{0}); err != nil {
		return err
	}
	if b.shstrData, err = b.shstrings.Write([]byte{0}); err != nil {
		return err
	}

	// Links that depend on the symbol table.
	symtab := &b.headers[b.symtab]
	symtab.link = uint32(b.strtabIdx)
	symtab.info = uint32(b.numLocals + 1)
	symtab.size = uint64(len(b.symOrder)+1) * b.symEntSize()
	b.headers[b.strtabIdx].size = uint64(len(b.strData))
	b.headers[b.shstrtab].size = uint64(len(b.shstrData))
	for i, c := range comdats {
		g := &b.headers[b.groupIndex[i]]
		g.link = uint32(b.symtab)
		g.info = b.symIndex[c.Symbol]
	}
	for i := range sections {
		if r := b.relIndex[i]; r >= 0 {
			b.headers[r].link = uint32(b.symtab)
		}
	}

	offset := b.headerSize()
	for i := 1; i < len(b.headers); i++ {
		sh := &b.headers[i]
		offset = alignUp(offset, sh.align)
		sh.offset = offset
		if sh.typ != elf.SHT_NOBITS {
			offset += sh.size
		}
	}
	b.shoff = alignUp(offset, b.addrSize())
	b.totalSize = b.shoff + uint64(len(b.headers))*b.shEntSize()
	if !b.is64 && b.totalSize > math.MaxUint32 {
		return fmt.Errorf("ELF32 object of %d bytes", b.totalSize)
	}
	return nil
}

// check32 rejects values that do not fit the fields of an ELF32 object.
func (b *builder) check32() error {
	for _, sym := range b.obj.Symbols() {
		if sym.Value > math.MaxUint32 || sym.Size > math.MaxUint32 {
			return fmt.Errorf("symbol %q: value %#x size %#x out of range for ELF32", sym.Name, sym.Value, sym.Size)
		}
	}
	if len(b.symOrder) >= 1<<24 {
		return fmt.Errorf("too many symbols for ELF32 relocations: %d", len(b.symOrder))
	}
	for _, sec := range b.obj.Sections() {
		if sec.Size() > math.MaxUint32 {
			return fmt.Errorf("section %q: size %#x out of range for ELF32", sec.Name(), sec.Size())
		}
		for _, r := range sec.Relocations() {
			if r.Offset > math.MaxUint32 {
				return fmt.Errorf("section %q: relocation offset %#x out of range for ELF32", sec.Name(), r.Offset)
			}
			if r.Addend < math.MinInt32 || r.Addend > math.MaxInt32 {
				return fmt.Errorf("section %q: relocation addend %d out of range for ELF32", sec.Name(), r.Addend)
			}
		}
	}
	return nil
}

// layoutSymbols orders the symbol table with local symbols first.
func (b *builder) layoutSymbols() error {
	obj := b.obj
	syms := obj.Symbols()
	b.symIndex = make([]uint32, len(syms))
	b.symFlags = make([]format.ElfSymbolFlags, len(syms))
	b.symNames = make([]strtab.ID, len(syms))

	var locals, globals []format.SymbolID
	for i, sym := range syms {
		flags, err := obj.SymbolFlags(sym)
		if err != nil {
			return err
		}
		ef, ok := flags.(format.ElfSymbolFlags)
		if !ok {
			return fmt.Errorf("symbol %q: flags %T are not ELF flags", sym.Name, flags)
		}
		b.symFlags[i] = ef
		if sym.Kind != format.SymbolKindSection && len(sym.Name) != 0 {
			b.symNames[i] = b.strings.Add(sym.Name)
		} else {
			b.symNames[i] = -1
		}
		if elf.ST_BIND(ef.StInfo) == elf.STB_LOCAL {
			locals = append(locals, format.SymbolID(i))
		} else {
			globals = append(globals, format.SymbolID(i))
		}
	}
	b.numLocals = len(locals)
	b.symOrder = append(locals, globals...)
	for i, id := range b.symOrder {
		b.symIndex[id] = uint32(i + 1)
	}
	return nil
}

func (b *builder) headerSize() uint64 {
	if b.is64 {
		return 64
	}
	return 52
}

func (b *builder) shEntSize() uint64 {
	if b.is64 {
		return 64
	}
	return 40
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func (b *builder) write(w buffer.WritableBuffer) error {
	if err := w.Reserve(int(b.totalSize)); err != nil {
		return err
	}
	if err := b.writeHeader(w); err != nil {
		return err
	}

	sections := b.obj.Sections()
	for i := 1; i < len(b.headers); i++ {
		sh := &b.headers[i]
		if sh.typ == elf.SHT_NOBITS {
			continue
		}
		if err := w.Resize(int(sh.offset)); err != nil {
			return err
		}
		var err error
		switch {
		case sh.typ == elf.SHT_GROUP:
			err = b.writeGroup(w, b.obj.Comdat(format.ComdatID(sh.target)))
		case sh.typ == elf.SHT_REL || sh.typ == elf.SHT_RELA:
			err = b.writeRelocations(w, sections[sh.target])
		case i == b.symtab:
			err = b.writeSymbols(w)
		case i == b.strtabIdx:
			_, err = w.Write(b.strData)
		case i == b.shstrtab:
			_, err = w.Write(b.shstrData)
		default:
			_, err = w.Write(sh.data)
		}
		if err != nil {
			return err
		}
	}

	if err := w.Resize(int(b.shoff)); err != nil {
		return err
	}
	for i := range b.headers {
		if err := b.writeSectionHeader(w, &b.headers[i]); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) flags() format.ElfFileFlags {
	if f, ok := b.obj.Flags.(format.ElfFileFlags); ok {
		return f
	}
	var f format.ElfFileFlags
	if b.obj.Architecture() == arch.ArchARM {
		f.EFlags = efARMEABI5
	}
	return f
}

func (b *builder) writeHeader(w buffer.WritableBuffer) error {
	flags := b.flags()
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	if b.is64 {
		ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	}
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	if b.obj.Endianness() == arch.BigEndian {
		ident[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	}
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	ident[elf.EI_OSABI] = flags.OSABI
	ident[elf.EI_ABIVERSION] = flags.ABIVersion

	if b.is64 {
		return binary.Write(w, b.order, &elf.Header64{
			Ident:     ident,
			Type:      uint16(elf.ET_REL),
			Machine:   uint16(b.p.machine),
			Version:   uint32(elf.EV_CURRENT),
			Shoff:     b.shoff,
			Flags:     flags.EFlags,
			Ehsize:    uint16(b.headerSize()),
			Shentsize: uint16(b.shEntSize()),
			Shnum:     uint16(len(b.headers)),
			Shstrndx:  uint16(b.shstrtab),
		})
	}
	return binary.Write(w, b.order, &elf.Header32{
		Ident:     ident,
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(b.p.machine),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     uint32(b.shoff),
		Flags:     flags.EFlags,
		Ehsize:    uint16(b.headerSize()),
		Shentsize: uint16(b.shEntSize()),
		Shnum:     uint16(len(b.headers)),
		Shstrndx:  uint16(b.shstrtab),
	})
}

func (b *builder) writeSectionHeader(w buffer.WritableBuffer, sh *section) error {
	var name uint32
	if sh.hasName {
		name = uint32(b.shstrings.Offset(sh.name))
	}
	if b.is64 {
		return binary.Write(w, b.order, &elf.Section64{
			Name:      name,
			Type:      uint32(sh.typ),
			Flags:     sh.flags,
			Off:       sh.offset,
			Size:      sh.size,
			Link:      sh.link,
			Info:      sh.info,
			Addralign: sh.align,
			Entsize:   sh.entsize,
		})
	}
	return binary.Write(w, b.order, &elf.Section32{
		Name:      name,
		Type:      uint32(sh.typ),
		Flags:     uint32(sh.flags),
		Off:       uint32(sh.offset),
		Size:      uint32(sh.size),
		Link:      sh.link,
		Info:      sh.info,
		Addralign: uint32(sh.align),
		Entsize:   uint32(sh.entsize),
	})
}

func (b *builder) writeGroup(w buffer.WritableBuffer, c *format.Comdat) error {
	words := make([]uint32, 0, len(c.Sections)+1)
	words = append(words, grpComdat)
	for _, s := range c.Sections {
		words = append(words, uint32(b.secIndex[s]))
	}
	return binary.Write(w, b.order, words)
}

func (b *builder) symbolShndx(sym *format.Symbol) uint16 {
	if id, ok := sym.Section.ID(); ok {
		return uint16(b.secIndex[id])
	}
	switch {
	case sym.Section.IsAbsolute(), sym.Kind == format.SymbolFile:
		return uint16(elf.SHN_ABS)
	case sym.Section.IsCommon():
		return uint16(elf.SHN_COMMON)
	default:
		return uint16(elf.SHN_UNDEF)
	}
}

func (b *builder) writeSymbols(w buffer.WritableBuffer) error {
	syms := b.obj.Symbols()
	if b.is64 {
		if err := binary.Write(w, b.order, &elf.Sym64{}); err != nil {
			return err
		}
	} else if err := binary.Write(w, b.order, &elf.Sym32{}); err != nil {
		return err
	}
	for _, id := range b.symOrder {
		sym := syms[id]
		var name uint32
		if b.symNames[id] >= 0 {
			name = uint32(b.strings.Offset(b.symNames[id]))
		}
		f := b.symFlags[id]
		shndx := b.symbolShndx(sym)
		var err error
		if b.is64 {
			err = binary.Write(w, b.order, &elf.Sym64{
				Name:  name,
				Info:  f.StInfo,
				Other: f.StOther,
				Shndx: shndx,
				Value: sym.Value,
				Size:  sym.Size,
			})
		} else {
			err = binary.Write(w, b.order, &elf.Sym32{
				Name:  name,
				Value: uint32(sym.Value),
				Size:  uint32(sym.Size),
				Info:  f.StInfo,
				Other: f.StOther,
				Shndx: shndx,
			})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) writeRelocations(w buffer.WritableBuffer, sec *format.Section) error {
	for _, r := range sec.Relocations() {
		f, ok := r.Flags.(format.ElfRelocation)
		if !ok {
			return fmt.Errorf("section %q: relocation flags %T are not ELF flags", sec.Name(), r.Flags)
		}
		sym := b.symIndex[r.Symbol]
		var v any
		switch {
		case b.is64 && b.p.rela:
			v = &elf.Rela64{Off: r.Offset, Info: elf.R_INFO(sym, f.RType), Addend: r.Addend}
		case b.is64:
			v = &elf.Rel64{Off: r.Offset, Info: elf.R_INFO(sym, f.RType)}
		case b.p.rela:
			v = &elf.Rela32{Off: uint32(r.Offset), Info: elf.R_INFO32(sym, f.RType), Addend: int32(r.Addend)}
		default:
			v = &elf.Rel32{Off: uint32(r.Offset), Info: elf.R_INFO32(sym, f.RType)}
		}
		if err := binary.Write(w, b.order, v); err != nil {
			return err
		}
	}
	return nil
}
