package macho

import (
	"debug/macho"
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"strconv"

	"objwrite/internal/buffer"
	"objwrite/internal/format"
	"objwrite/internal/strtab"
)

const (
	nExt  = 0x01
	nAbs  = 0x02
	nSect = 0x0e
	nPext = 0x10

	loadCmdBuildVersion = 0x32
	buildVersionSize    = 24
	symtabCmdSize       = 24
	dysymtabCmdSize     = 80
	relocInfoSize       = 8
	vmProtAll           = 7
)

type buildVersionCmd struct {
	Cmd      uint32
	Len      uint32
	Platform uint32
	Minos    uint32
	Sdk      uint32
	Ntools   uint32
}

type sectionLayout struct {
	addr      uint64
	offset    uint32
	relOffset uint32
	numRelocs int
	flags     uint32
}

// builder lays out and writes one MH_OBJECT file. All sections live in
// a single unnamed segment.
type builder struct {
	obj  *format.Object
	p    *policy
	is64 bool

	sections []sectionLayout
	ncmds    int
	cmdsSize int
	segOff   uint64
	segSize  uint64
	vmSize   uint64

	symIndex  []int
	symOrder  []format.SymbolID
	symNames  []strtab.ID
	symDesc   []uint16
	nLocal    int
	nExtdef   int
	nUndef    int
	strings   strtab.Table
	strData   []byte
	symOffset uint32
	strOffset uint32
	strSize   int
	totalSize int
}

func (p *policy) Write(w buffer.WritableBuffer) error {
	b := &builder{
		obj:  p.obj,
		p:    p,
		is64: p.obj.Architecture().Is64(),
	}
	if err := b.layout(); err != nil {
		return err
	}
	return b.write(w)
}

func (b *builder) ptrSize() int {
	if b.is64 {
		return 8
	}
	return 4
}

func (b *builder) headerSize() int {
	if b.is64 {
		return 32
	}
	return 28
}

func (b *builder) segmentCmdSize() int {
	if b.is64 {
		return 72
	}
	return 56
}

func (b *builder) sectionHeaderSize() int {
	if b.is64 {
		return 80
	}
	return 68
}

func (b *builder) nlistSize() int {
	if b.is64 {
		return 16
	}
	return 12
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func (b *builder) layout() error {
	obj := b.obj
	if len(obj.Comdats()) != 0 {
		return format.Unsupportedf("Mach-O COMDATs")
	}
	sections := obj.Sections()
	if len(sections) > 255 {
		return fmt.Errorf("too many sections: %d", len(sections))
	}

	b.ncmds = 3
	b.cmdsSize = b.segmentCmdSize() + len(sections)*b.sectionHeaderSize() + symtabCmdSize + dysymtabCmdSize
	if b.p.hasBuildVersion {
		b.ncmds++
		b.cmdsSize += buildVersionSize
	}

	b.sections = make([]sectionLayout, len(sections))
	var addr uint64
	offset := uint64(b.headerSize() + b.cmdsSize)
	b.segOff = offset
	for i, sec := range sections {
		if len(sec.Name()) > 16 || len(sec.Segment()) > 16 {
			return fmt.Errorf("section %q,%q: name longer than 16 bytes", sec.Segment(), sec.Name())
		}
		flags, err := obj.SectionFlags(sec)
		if err != nil {
			return err
		}
		mf, ok := flags.(format.MachOSectionFlags)
		if !ok {
			return fmt.Errorf("section %q: flags %T are not Mach-O flags", sec.Name(), flags)
		}
		sl := &b.sections[i]
		sl.flags = mf.Flags
		addr = alignUp(addr, sec.Align())
		sl.addr = addr
		addr += sec.Size()
		if !sec.IsBSS() {
			offset = alignUp(offset, sec.Align())
			sl.offset = uint32(offset)
			offset += sec.Size()
		}
	}
	b.vmSize = addr
	b.segSize = offset - b.segOff

	offset = alignUp(offset, 4)
	for i, sec := range sections {
		n := 0
		for _, r := range sec.Relocations() {
			n++
			if r.Addend != 0 {
				n++
			}
		}
		if n == 0 {
			continue
		}
		b.sections[i].relOffset = uint32(offset)
		b.sections[i].numRelocs = n
		offset += uint64(n * relocInfoSize)
	}

	if err := b.layoutSymbols(); err != nil {
		return err
	}
	var err error
	if b.strData, err = b.strings.Write([]byte{0}); err != nil {
		return err
	}

	offset = alignUp(offset, uint64(b.ptrSize()))
	b.symOffset = uint32(offset)
	offset += uint64(len(b.symOrder) * b.nlistSize())
	b.strOffset = uint32(offset)
	b.strSize = int(alignUp(uint64(len(b.strData)), uint64(b.ptrSize())))
	if end := offset + uint64(b.strSize); end > math.MaxUint32 {
		return fmt.Errorf("Mach-O object of %d bytes", end)
	}
	b.totalSize = int(offset) + b.strSize
	return b.checkRanges()
}

// checkRanges rejects values that do not fit their Mach-O fields.
// Explicit addends are stored in the 24-bit symbol number field.
func (b *builder) checkRanges() error {
	for _, sec := range b.obj.Sections() {
		for _, r := range sec.Relocations() {
			if r.Offset > math.MaxUint32 {
				return fmt.Errorf("section %q: relocation offset %#x out of range", sec.Name(), r.Offset)
			}
			if r.Addend < -1<<23 || r.Addend >= 1<<23 {
				return fmt.Errorf("section %q: relocation addend %d out of range", sec.Name(), r.Addend)
			}
		}
	}
	if b.is64 {
		return nil
	}
	if b.vmSize > math.MaxUint32 {
		return fmt.Errorf("32-bit Mach-O segment of %#x bytes", b.vmSize)
	}
	for _, id := range b.symOrder {
		sym := b.obj.Symbol(id)
		value := sym.Value
		if sym.IsCommon() {
			value = sym.Size
		} else if sid, ok := sym.Section.ID(); ok && value <= math.MaxUint32 {
			value += b.sections[sid].addr
		}
		if value > math.MaxUint32 {
			return fmt.Errorf("symbol %q: value out of range for 32-bit Mach-O", sym.Name)
		}
	}
	return nil
}

const (
	classLocal = iota
	classExtdef
	classUndef
)

func symbolClass(sym *format.Symbol) int {
	switch {
	case sym.IsUndefined() || sym.IsCommon():
		return classUndef
	case sym.IsLocal():
		return classLocal
	default:
		return classExtdef
	}
}

// layoutSymbols partitions the symbol table into local, external
// defined and undefined symbols, in that order, as LC_DYSYMTAB
// requires. File symbols are not written.
func (b *builder) layoutSymbols() error {
	obj := b.obj
	syms := obj.Symbols()
	b.symIndex = make([]int, len(syms))
	b.symNames = make([]strtab.ID, len(syms))
	b.symDesc = make([]uint16, len(syms))

	var groups [3][]format.SymbolID
	for i, sym := range syms {
		b.symIndex[i] = -1
		b.symNames[i] = -1
		if sym.Kind == format.SymbolFile {
			continue
		}
		flags, err := obj.SymbolFlags(sym)
		if err != nil {
			return err
		}
		mf, ok := flags.(format.MachOSymbolFlags)
		if !ok {
			return fmt.Errorf("symbol %q: flags %T are not Mach-O flags", sym.Name, flags)
		}
		b.symDesc[i] = mf.NDesc

		name := sym.Name
		if sym.Kind == format.SymbolKindSection && len(name) == 0 {
			id, _ := sym.Section.ID()
			name = []byte("ltmp" + strconv.Itoa(int(id)))
		}
		if len(name) != 0 {
			b.symNames[i] = b.strings.Add(name)
		}
		c := symbolClass(sym)
		groups[c] = append(groups[c], format.SymbolID(i))
	}
	b.nLocal = len(groups[classLocal])
	b.nExtdef = len(groups[classExtdef])
	b.nUndef = len(groups[classUndef])
	for _, g := range groups {
		b.symOrder = append(b.symOrder, g...)
	}
	for i, id := range b.symOrder {
		b.symIndex[id] = i
	}

	for _, sec := range obj.Sections() {
		for _, r := range sec.Relocations() {
			if b.symIndex[r.Symbol] < 0 {
				return fmt.Errorf("section %q: relocation against file symbol %q", sec.Name(), syms[r.Symbol].Name)
			}
		}
	}
	return nil
}

func (b *builder) headerFlags() uint32 {
	var flags uint32
	if f, ok := b.obj.Flags.(format.MachOFileFlags); ok {
		flags = f.Flags
	}
	if b.obj.SubsectionsViaSymbols() {
		flags |= macho.FlagSubsectionsViaSymbols
	}
	return flags
}

func name16(s []byte) (n [16]byte) {
	copy(n[:], s)
	return n
}

func (b *builder) write(w buffer.WritableBuffer) error {
	obj := b.obj
	order := binary.LittleEndian
	if err := w.Reserve(b.totalSize); err != nil {
		return err
	}

	magic := macho.Magic32
	if b.is64 {
		magic = macho.Magic64
	}
	err := binary.Write(w, order, &macho.FileHeader{
		Magic:  magic,
		Cpu:    b.p.cpu,
		SubCpu: b.p.cpuSubtype(),
		Type:   macho.TypeObj,
		Ncmd:   uint32(b.ncmds),
		Cmdsz:  uint32(b.cmdsSize),
		Flags:  b.headerFlags(),
	})
	if err != nil {
		return err
	}
	if b.is64 {
		if err := binary.Write(w, order, uint32(0)); err != nil {
			return err
		}
	}

	sections := obj.Sections()
	segLen := uint32(b.segmentCmdSize() + len(sections)*b.sectionHeaderSize())
	if b.is64 {
		err = binary.Write(w, order, &macho.Segment64{
			Cmd:     macho.LoadCmdSegment64,
			Len:     segLen,
			Memsz:   b.vmSize,
			Offset:  b.segOff,
			Filesz:  b.segSize,
			Maxprot: vmProtAll,
			Prot:    vmProtAll,
			Nsect:   uint32(len(sections)),
		})
	} else {
		err = binary.Write(w, order, &macho.Segment32{
			Cmd:     macho.LoadCmdSegment,
			Len:     segLen,
			Memsz:   uint32(b.vmSize),
			Offset:  uint32(b.segOff),
			Filesz:  uint32(b.segSize),
			Maxprot: vmProtAll,
			Prot:    vmProtAll,
			Nsect:   uint32(len(sections)),
		})
	}
	if err != nil {
		return err
	}
	for i, sec := range sections {
		if err := b.writeSectionHeader(w, sec, &b.sections[i]); err != nil {
			return err
		}
	}

	if b.p.hasBuildVersion {
		v := b.p.buildVersion
		err := binary.Write(w, order, &buildVersionCmd{
			Cmd:      loadCmdBuildVersion,
			Len:      buildVersionSize,
			Platform: v.Platform,
			Minos:    v.MinOS,
			Sdk:      v.SDK,
		})
		if err != nil {
			return err
		}
	}
	err = binary.Write(w, order, &macho.SymtabCmd{
		Cmd:     macho.LoadCmdSymtab,
		Len:     symtabCmdSize,
		Symoff:  b.symOffset,
		Nsyms:   uint32(len(b.symOrder)),
		Stroff:  b.strOffset,
		Strsize: uint32(b.strSize),
	})
	if err != nil {
		return err
	}
	err = binary.Write(w, order, &macho.DysymtabCmd{
		Cmd:        macho.LoadCmdDysymtab,
		Len:        dysymtabCmdSize,
		Nlocalsym:  uint32(b.nLocal),
		Iextdefsym: uint32(b.nLocal),
		Nextdefsym: uint32(b.nExtdef),
		Iundefsym:  uint32(b.nLocal + b.nExtdef),
		Nundefsym:  uint32(b.nUndef),
	})
	if err != nil {
		return err
	}

	for i, sec := range sections {
		if sec.IsBSS() || sec.Size() == 0 {
			continue
		}
		if err := w.Resize(int(b.sections[i].offset)); err != nil {
			return err
		}
		if _, err := w.Write(sec.Data()); err != nil {
			return err
		}
	}

	for i, sec := range sections {
		sl := &b.sections[i]
		if sl.numRelocs == 0 {
			continue
		}
		if err := w.Resize(int(sl.relOffset)); err != nil {
			return err
		}
		for _, r := range sec.Relocations() {
			if err := b.writeRelocation(w, sec, r); err != nil {
				return err
			}
		}
	}

	if err := w.Resize(int(b.symOffset)); err != nil {
		return err
	}
	for _, id := range b.symOrder {
		if err := b.writeSymbol(w, id); err != nil {
			return err
		}
	}
	if _, err := w.Write(b.strData); err != nil {
		return err
	}
	return w.Resize(b.totalSize)
}

func (b *builder) writeSectionHeader(w buffer.WritableBuffer, sec *format.Section, sl *sectionLayout) error {
	align := uint32(bits.TrailingZeros64(sec.Align()))
	if b.is64 {
		return binary.Write(w, binary.LittleEndian, &macho.Section64{
			Name:   name16(sec.Name()),
			Seg:    name16(sec.Segment()),
			Addr:   sl.addr,
			Size:   sec.Size(),
			Offset: sl.offset,
			Align:  align,
			Reloff: sl.relOffset,
			Nreloc: uint32(sl.numRelocs),
			Flags:  sl.flags,
		})
	}
	return binary.Write(w, binary.LittleEndian, &macho.Section32{
		Name:   name16(sec.Name()),
		Seg:    name16(sec.Segment()),
		Addr:   uint32(sl.addr),
		Size:   uint32(sec.Size()),
		Offset: sl.offset,
		Align:  align,
		Reloff: sl.relOffset,
		Nreloc: uint32(sl.numRelocs),
		Flags:  sl.flags,
	})
}

// relocInfo packs the second word of a relocation_info entry.
func relocInfo(symbolnum uint32, pcrel bool, length uint8, extern bool, rtype uint8) uint32 {
	v := symbolnum&0xffffff | uint32(length&3)<<25 | uint32(rtype&0xf)<<28
	if pcrel {
		v |= 1 << 24
	}
	if extern {
		v |= 1 << 27
	}
	return v
}

func (b *builder) writeRelocation(w buffer.WritableBuffer, sec *format.Section, r format.Relocation) error {
	f, ok := r.Flags.(format.MachORelocation)
	if !ok {
		return fmt.Errorf("section %q: relocation flags %T are not Mach-O flags", sec.Name(), r.Flags)
	}
	var entry [relocInfoSize]byte
	if r.Addend != 0 {
		binary.LittleEndian.PutUint32(entry[0:], uint32(r.Offset))
		binary.LittleEndian.PutUint32(entry[4:], relocInfo(uint32(r.Addend), false, 2, false, uint8(macho.ARM64_RELOC_ADDEND)))
		if _, err := w.Write(entry[:]); err != nil {
			return err
		}
	}
	binary.LittleEndian.PutUint32(entry[0:], uint32(r.Offset))
	binary.LittleEndian.PutUint32(entry[4:], relocInfo(uint32(b.symIndex[r.Symbol]), f.RPCRel, f.RLength, true, f.RType))
	_, err := w.Write(entry[:])
	return err
}

func (b *builder) writeSymbol(w buffer.WritableBuffer, id format.SymbolID) error {
	sym := b.obj.Symbol(id)
	var strx uint32
	if n := b.symNames[id]; n >= 0 {
		strx = uint32(b.strings.Offset(n))
	}

	var typ, sect uint8
	desc := b.symDesc[id]
	value := sym.Value
	switch {
	case sym.IsUndefined():
		typ = nExt
	case sym.IsCommon():
		// Common symbols are undefined externals whose value is the
		// size. The alignment is stored as a power of two in n_desc.
		typ = nExt
		value = sym.Size
		if sym.Value > 1 {
			desc = desc&0xf0ff | uint16(bits.TrailingZeros64(sym.Value))<<8
		}
	case sym.Section.IsAbsolute():
		typ = nAbs
	default:
		sid, ok := sym.Section.ID()
		if !ok {
			return fmt.Errorf("symbol %q has no section", sym.Name)
		}
		typ = nSect
		sect = uint8(sid + 1)
		value += b.sections[sid].addr
	}
	if !sym.IsUndefined() && !sym.IsCommon() {
		switch sym.Scope {
		case format.ScopeCompilation:
		case format.ScopeLinkage:
			typ |= nExt | nPext
		default:
			typ |= nExt
		}
	}

	if b.is64 {
		return binary.Write(w, binary.LittleEndian, &macho.Nlist64{
			Name:  strx,
			Type:  typ,
			Sect:  sect,
			Desc:  desc,
			Value: value,
		})
	}
	return binary.Write(w, binary.LittleEndian, &macho.Nlist32{
		Name:  strx,
		Type:  typ,
		Sect:  sect,
		Desc:  desc,
		Value: uint32(value),
	})
}
