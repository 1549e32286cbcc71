package xcoff

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"objwrite/internal/buffer"
	"objwrite/internal/format"
	"objwrite/internal/strtab"
)

// Section numbers.
const (
	nDebug = -2
	nAbs   = -1
	nUndef = 0
)

// Storage classes.
const (
	cExt     = 2
	cFile    = 103
	cHidext  = 107
	cWeakext = 111
)

// Symbol types and storage-mapping classes of csect entries.
const (
	xtyER = 0
	xtySD = 1
	xtyCM = 3

	xmcPR = 0
	xmcRO = 1
	xmcUA = 4
	xmcRW = 5
	xmcBS = 9
	xmcTL = 20
	xmcUL = 21
)

const (
	symVHidden = 0x2000
	xftFN      = 0
	auxFile    = 252
	auxCSect   = 251
	symEntSize = 18
)

type fileHdr32 struct {
	Fmagic   uint16
	Fnscns   uint16
	Ftimedat int32
	Fsymptr  uint32
	Fnsyms   int32
	Fopthdr  uint16
	Fflags   uint16
}

type fileHdr64 struct {
	Fmagic   uint16
	Fnscns   uint16
	Ftimedat int32
	Fsymptr  uint64
	Fopthdr  uint16
	Fflags   uint16
	Fnsyms   int32
}

type scnHdr32 struct {
	Sname    [8]byte
	Spaddr   uint32
	Svaddr   uint32
	Ssize    uint32
	Sscnptr  uint32
	Srelptr  uint32
	Slnnoptr uint32
	Snreloc  uint16
	Snlnno   uint16
	Sflags   uint32
}

type scnHdr64 struct {
	Sname    [8]byte
	Spaddr   uint64
	Svaddr   uint64
	Ssize    uint64
	Sscnptr  uint64
	Srelptr  uint64
	Slnnoptr uint64
	Snreloc  uint32
	Snlnno   uint32
	Sflags   uint32
	Spad     uint32
}

type reloc32 struct {
	Rvaddr  uint32
	Rsymndx uint32
	Rrsize  uint8
	Rrtype  uint8
}

type reloc64 struct {
	Rvaddr  uint64
	Rsymndx uint32
	Rrsize  uint8
	Rrtype  uint8
}

type symEnt32 struct {
	Nname   [8]byte
	Nvalue  uint32
	Nscnum  int16
	Ntype   uint16
	Nsclass uint8
	Nnumaux uint8
}

type symEnt64 struct {
	Nvalue  uint64
	Noffset uint32
	Nscnum  int16
	Ntype   uint16
	Nsclass uint8
	Nnumaux uint8
}

type auxCSect32 struct {
	Xscnlen   uint32
	Xparmhash uint32
	Xsnhash   uint16
	Xsmtyp    uint8
	Xsmclas   uint8
	Xstab     uint32
	Xsnstab   uint16
}

type auxCSect64 struct {
	Xscnlenlo uint32
	Xparmhash uint32
	Xsnhash   uint16
	Xsmtyp    uint8
	Xsmclas   uint8
	Xscnlenhi uint32
	Xpad      uint8
	Xauxtype  uint8
}

type sectionLayout struct {
	name      [8]byte
	flags     uint32
	vaddr     uint64
	offset    uint64
	relOffset uint64
}

// csect holds the fields of one symbol table entry and its csect
// auxiliary entry.
type csect struct {
	value  uint64
	scnum  int16
	typ    uint16
	sclass uint8
	smtyp  uint8
	smclas uint8
	scnlen uint64
}

type builder struct {
	obj   *format.Object
	p     *policy
	is64  bool
	order binary.ByteOrder

	sections []sectionLayout
	symOrder []format.SymbolID
	symIndex []uint32
	symNames []strtab.ID
	fileName strtab.ID
	numSyms  int

	strings   strtab.Table
	strData   []byte
	symOffset uint64
	totalSize uint64
}

func (p *policy) Write(w buffer.WritableBuffer) error {
	b := &builder{
		obj:   p.obj,
		p:     p,
		is64:  p.magic == u64TocMagic,
		order: binary.BigEndian,
	}
	if err := b.layout(); err != nil {
		return err
	}
	return b.write(w)
}

func (b *builder) sizes() (hdr, scn, rel int) {
	if b.is64 {
		return 24, 72, 14
	}
	return 20, 40, 10
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
		return format.Unsupportedf("XCOFF COMDATs")
	}
	sections := obj.Sections()
	if len(sections) > 0x7fff {
		return fmt.Errorf("too many sections: %d", len(sections))
	}
	hdrSize, scnSize, relSize := b.sizes()

	b.sections = make([]sectionLayout, len(sections))
	offset := uint64(hdrSize + scnSize*len(sections))
	var vaddr uint64
	for i, sec := range sections {
		if len(sec.Name()) > 8 {
			return fmt.Errorf("section name %q longer than 8 bytes", sec.Name())
		}
		flags, err := obj.SectionFlags(sec)
		if err != nil {
			return err
		}
		xf, ok := flags.(format.XcoffSectionFlags)
		if !ok {
			return fmt.Errorf("section %q: flags %T are not XCOFF flags", sec.Name(), flags)
		}
		sl := &b.sections[i]
		copy(sl.name[:], sec.Name())
		sl.flags = xf.SFlags
		vaddr = alignUp(vaddr, sec.Align())
		sl.vaddr = vaddr
		vaddr += sec.Size()
		if !sec.IsBSS() && sec.Size() != 0 {
			offset = alignUp(offset, 4)
			sl.offset = offset
			offset += sec.Size()
		}
	}
	for i, sec := range sections {
		n := len(sec.Relocations())
		if n == 0 {
			continue
		}
		if !b.is64 && n > 0xffff {
			return fmt.Errorf("section %q: %d relocations", sec.Name(), n)
		}
		offset = alignUp(offset, 2)
		b.sections[i].relOffset = offset
		offset += uint64(n * relSize)
	}

	b.layoutSymbols()
	prefix := make([]byte, 4)
	var err error
	if b.strData, err = b.strings.Write(prefix); err != nil {
		return err
	}
	b.order.PutUint32(b.strData, uint32(len(b.strData)))

	b.symOffset = alignUp(offset, 2)
	b.totalSize = b.symOffset + uint64(b.numSyms*symEntSize+len(b.strData))
	return nil
}

// layoutSymbols places C_FILE entries first. Every entry has one
// auxiliary entry.
func (b *builder) layoutSymbols() {
	syms := b.obj.Symbols()
	b.symIndex = make([]uint32, len(syms))
	b.symNames = make([]strtab.ID, len(syms))

	for i, sym := range syms {
		if sym.Kind == format.SymbolFile {
			b.symOrder = append(b.symOrder, format.SymbolID(i))
		}
	}
	for i, sym := range syms {
		if sym.Kind != format.SymbolFile {
			b.symOrder = append(b.symOrder, format.SymbolID(i))
		}
	}
	for _, id := range b.symOrder {
		sym := syms[id]
		b.symIndex[id] = uint32(b.numSyms)
		b.numSyms += 2
		b.symNames[id] = -1
		switch {
		case sym.Kind == format.SymbolFile:
			if len(sym.Name) != 0 {
				b.symNames[id] = b.strings.Add(sym.Name)
			}
			if b.is64 {
				b.fileName = b.strings.Add([]byte(".file"))
			}
		case len(sym.Name) == 0:
		case b.is64 || len(sym.Name) > 8:
			b.symNames[id] = b.strings.Add(sym.Name)
		}
	}
}

func storageMappingClass(k format.SectionKind) uint8 {
	switch k {
	case format.KindText:
		return xmcPR
	case format.KindReadOnlyData, format.KindReadOnlyDataWithRel, format.KindReadOnlyString:
		return xmcRO
	case format.KindUninitializedData:
		return xmcBS
	case format.KindTls:
		return xmcTL
	case format.KindUninitializedTls:
		return xmcUL
	default:
		return xmcRW
	}
}

func log2(align uint64) uint8 {
	if align == 0 {
		return 0
	}
	return uint8(bits.TrailingZeros64(align))
}

func (b *builder) csect(sym *format.Symbol) (csect, error) {
	c := csect{value: sym.Value, scnlen: sym.Size}
	switch {
	case sym.IsLocal():
		c.sclass = cHidext
	case sym.Weak:
		c.sclass = cWeakext
	default:
		c.sclass = cExt
	}
	if sym.Scope == format.ScopeLinkage {
		c.typ = symVHidden
	}

	switch {
	case sym.IsUndefined():
		c.scnum = nUndef
		c.smtyp = xtyER
		c.smclas = xmcUA
		if sym.Kind == format.SymbolText {
			c.smclas = xmcPR
		}
	case sym.IsCommon():
		c.scnum = nUndef
		c.smtyp = xtyCM | log2(sym.Value)<<3
		c.smclas = xmcRW
		c.value = 0
	case sym.Section.IsAbsolute():
		c.scnum = nAbs
		c.smtyp = xtySD
		c.smclas = xmcRW
	default:
		id, ok := sym.Section.ID()
		if !ok {
			return c, fmt.Errorf("symbol %q has no section", sym.Name)
		}
		sec := b.obj.Section(id)
		c.scnum = int16(id + 1)
		c.value += b.sections[id].vaddr
		c.smtyp = xtySD | log2(sec.Align())<<3
		c.smclas = storageMappingClass(sec.Kind())
		if sym.Kind == format.SymbolKindSection {
			c.scnlen = sec.Size()
		}
	}

	if f, ok := sym.Flags.(format.XcoffSymbolFlags); ok {
		c.sclass, c.smtyp, c.smclas = f.NSclass, f.XSmtyp, f.XSmclas
	}
	return c, nil
}

func (b *builder) write(w buffer.WritableBuffer) error {
	obj := b.obj
	if err := w.Reserve(int(b.totalSize)); err != nil {
		return err
	}
	var flags uint16
	if f, ok := obj.Flags.(format.XcoffFileFlags); ok {
		flags = f.FFlags
	}
	sections := obj.Sections()

	var err error
	if b.is64 {
		err = binary.Write(w, b.order, &fileHdr64{
			Fmagic:  b.p.magic,
			Fnscns:  uint16(len(sections)),
			Fsymptr: b.symOffset,
			Fflags:  flags,
			Fnsyms:  int32(b.numSyms),
		})
	} else {
		err = binary.Write(w, b.order, &fileHdr32{
			Fmagic:  b.p.magic,
			Fnscns:  uint16(len(sections)),
			Fsymptr: uint32(b.symOffset),
			Fnsyms:  int32(b.numSyms),
			Fflags:  flags,
		})
	}
	if err != nil {
		return err
	}

	for i, sec := range sections {
		sl := &b.sections[i]
		nrel := len(sec.Relocations())
		if b.is64 {
			err = binary.Write(w, b.order, &scnHdr64{
				Sname:   sl.name,
				Spaddr:  sl.vaddr,
				Svaddr:  sl.vaddr,
				Ssize:   sec.Size(),
				Sscnptr: sl.offset,
				Srelptr: sl.relOffset,
				Snreloc: uint32(nrel),
				Sflags:  sl.flags,
			})
		} else {
			err = binary.Write(w, b.order, &scnHdr32{
				Sname:   sl.name,
				Spaddr:  uint32(sl.vaddr),
				Svaddr:  uint32(sl.vaddr),
				Ssize:   uint32(sec.Size()),
				Sscnptr: uint32(sl.offset),
				Srelptr: uint32(sl.relOffset),
				Snreloc: uint16(nrel),
				Sflags:  sl.flags,
			})
		}
		if err != nil {
			return err
		}
	}

	for i, sec := range sections {
		if sl := &b.sections[i]; sl.offset != 0 {
			if err := w.Resize(int(sl.offset)); err != nil {
				return err
			}
			if _, err := w.Write(sec.Data()); err != nil {
				return err
			}
		}
	}
	for i, sec := range sections {
		if err := b.writeRelocations(w, sec, &b.sections[i]); err != nil {
			return err
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
	_, err = w.Write(b.strData)
	return err
}

func (b *builder) writeRelocations(w buffer.WritableBuffer, sec *format.Section, sl *sectionLayout) error {
	relocs := sec.Relocations()
	if len(relocs) == 0 {
		return nil
	}
	if err := w.Resize(int(sl.relOffset)); err != nil {
		return err
	}
	for _, r := range relocs {
		f, ok := r.Flags.(format.XcoffRelocation)
		if !ok {
			return fmt.Errorf("section %q: relocation flags %T are not XCOFF flags", sec.Name(), r.Flags)
		}
		vaddr := sl.vaddr + r.Offset
		var err error
		if b.is64 {
			err = binary.Write(w, b.order, &reloc64{Rvaddr: vaddr, Rsymndx: b.symIndex[r.Symbol], Rrsize: f.RSize, Rrtype: f.RType})
		} else {
			err = binary.Write(w, b.order, &reloc32{Rvaddr: uint32(vaddr), Rsymndx: b.symIndex[r.Symbol], Rrsize: f.RSize, Rrtype: f.RType})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) nameOffset(id format.SymbolID) uint32 {
	if n := b.symNames[id]; n >= 0 {
		return uint32(b.strings.Offset(n))
	}
	return 0
}

// name32 fills the name field of a 32-bit entry: the name itself if it
// fits, otherwise four zero bytes and a string table offset.
func (b *builder) name32(id format.SymbolID, name []byte) (n [8]byte) {
	if b.symNames[id] >= 0 {
		b.order.PutUint32(n[4:], b.nameOffset(id))
		return n
	}
	copy(n[:], name)
	return n
}

func (b *builder) writeSymbol(w buffer.WritableBuffer, id format.SymbolID) error {
	sym := b.obj.Symbol(id)
	if sym.Kind == format.SymbolFile {
		return b.writeFileSymbol(w, id)
	}
	c, err := b.csect(sym)
	if err != nil {
		return err
	}
	if b.is64 {
		err = binary.Write(w, b.order, &symEnt64{
			Nvalue:  c.value,
			Noffset: b.nameOffset(id),
			Nscnum:  c.scnum,
			Ntype:   c.typ,
			Nsclass: c.sclass,
			Nnumaux: 1,
		})
		if err != nil {
			return err
		}
		return binary.Write(w, b.order, &auxCSect64{
			Xscnlenlo: uint32(c.scnlen),
			Xsmtyp:    c.smtyp,
			Xsmclas:   c.smclas,
			Xscnlenhi: uint32(c.scnlen >> 32),
			Xauxtype:  auxCSect,
		})
	}
	err = binary.Write(w, b.order, &symEnt32{
		Nname:   b.name32(id, sym.Name),
		Nvalue:  uint32(c.value),
		Nscnum:  c.scnum,
		Ntype:   c.typ,
		Nsclass: c.sclass,
		Nnumaux: 1,
	})
	if err != nil {
		return err
	}
	return binary.Write(w, b.order, &auxCSect32{
		Xscnlen: uint32(c.scnlen),
		Xsmtyp:  c.smtyp,
		Xsmclas: c.smclas,
	})
}

// writeFileSymbol writes a C_FILE entry named ".file" whose auxiliary
// entry holds the source file name.
func (b *builder) writeFileSymbol(w buffer.WritableBuffer, id format.SymbolID) error {
	var err error
	if b.is64 {
		err = binary.Write(w, b.order, &symEnt64{
			Noffset: uint32(b.strings.Offset(b.fileName)),
			Nscnum:  nDebug,
			Nsclass: cFile,
			Nnumaux: 1,
		})
	} else {
		var name [8]byte
		copy(name[:], ".file")
		err = binary.Write(w, b.order, &symEnt32{
			Nname:   name,
			Nscnum:  nDebug,
			Nsclass: cFile,
			Nnumaux: 1,
		})
	}
	if err != nil {
		return err
	}
	var aux [symEntSize]byte
	b.order.PutUint32(aux[4:], b.nameOffset(id))
	aux[14] = xftFN
	if b.is64 {
		aux[17] = auxFile
	}
	_, err = w.Write(aux[:])
	return err
}
