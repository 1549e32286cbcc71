package coff

import (
	"debug/pe"
	"encoding/binary"
	"fmt"
	"math/bits"
	"strconv"

	"objwrite/internal/buffer"
	"objwrite/internal/format"
	"objwrite/internal/strtab"
)

const (
	classExternal     = 2
	classStatic       = 3
	classLabel        = 6
	classFile         = 103
	symAbsolute       = -1
	symDebug          = -2
	dtypeFunction     = 0x20
	scnLnkNrelocOvfl  = 0x01000000
	scnAlign1Bytes    = 0x00100000
	selectNewest      = 7
	maxSectionAlign   = 8192
	fileHeaderSize    = 20
	sectionHeaderSize = 40
	relocSize         = 10
	symbolSize        = 18
)

// Digits of the "//" section name form for large string table offsets.
const base64Digits = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

type sectionLayout struct {
	name        [8]byte
	longName    strtab.ID
	hasLongName bool
	flags       uint32
	dataOffset  uint32
	relOffset   uint32
	numRelocs   int
	selection   uint8
	associative uint16
}

type symbolEntry struct {
	sym *format.Symbol // nil for a section symbol the object did not create
	id  format.SymbolID
	// section is the section described by a section symbol, or -1.
	section  int
	name     []byte
	strName  strtab.ID
	longName bool
	numAux   int
}

type builder struct {
	obj *format.Object
	p   *policy

	sections []sectionLayout
	symbols  []symbolEntry
	symIndex []uint32
	numSyms  int

	strings   strtab.Table
	strData   []byte
	symOffset uint32
	totalSize int
}

func (p *policy) Write(w buffer.WritableBuffer) error {
	b := &builder{obj: p.obj, p: p}
	if err := b.layout(); err != nil {
		return err
	}
	return b.write(w)
}

func alignBits(align uint64) (uint32, error) {
	if align > maxSectionAlign {
		return 0, fmt.Errorf("section alignment %d exceeds %d", align, maxSectionAlign)
	}
	return uint32(bits.TrailingZeros64(align)+1) * scnAlign1Bytes, nil
}

func selection(k format.ComdatKind) (uint8, error) {
	switch k {
	case format.ComdatNoDuplicates:
		return pe.IMAGE_COMDAT_SELECT_NODUPLICATES, nil
	case format.ComdatAny:
		return pe.IMAGE_COMDAT_SELECT_ANY, nil
	case format.ComdatSameSize:
		return pe.IMAGE_COMDAT_SELECT_SAME_SIZE, nil
	case format.ComdatExactMatch:
		return pe.IMAGE_COMDAT_SELECT_EXACT_MATCH, nil
	case format.ComdatLargest:
		return pe.IMAGE_COMDAT_SELECT_LARGEST, nil
	case format.ComdatNewest:
		return selectNewest, nil
	default:
		return 0, format.Unsupportedf("COFF COMDAT kind %s", k)
	}
}

func (b *builder) layout() error {
	obj := b.obj
	sections := obj.Sections()
	b.sections = make([]sectionLayout, len(sections))

	for i, sec := range sections {
		flags, err := obj.SectionFlags(sec)
		if err != nil {
			return err
		}
		cf, ok := flags.(format.CoffSectionFlags)
		if !ok {
			return fmt.Errorf("section %q: flags %T are not COFF flags", sec.Name(), flags)
		}
		ab, err := alignBits(sec.Align())
		if err != nil {
			return fmt.Errorf("section %q: %w", sec.Name(), err)
		}
		b.sections[i].flags = cf.Characteristics | ab
		b.sections[i].numRelocs = len(sec.Relocations())
		if name := sec.Name(); len(name) <= 8 {
			copy(b.sections[i].name[:], name)
		} else {
			b.sections[i].longName = b.strings.Add(name)
			b.sections[i].hasLongName = true
		}
	}

	// The COMDAT symbol follows the section symbol of the section it is
	// defined in. Other member sections are associative to that section.
	leaderOf := make(map[int]format.SymbolID)
	for _, c := range obj.Comdats() {
		sym := obj.Symbol(c.Symbol)
		leader, ok := sym.Section.ID()
		if !ok {
			return fmt.Errorf("COMDAT symbol %q is not defined in a section", sym.Name)
		}
		sel, err := selection(c.Kind)
		if err != nil {
			return err
		}
		found := false
		for _, s := range c.Sections {
			b.sections[s].flags |= pe.IMAGE_SCN_LNK_COMDAT
			if s == leader {
				found = true
				b.sections[s].selection = sel
				continue
			}
			b.sections[s].selection = pe.IMAGE_COMDAT_SELECT_ASSOCIATIVE
			b.sections[s].associative = uint16(leader + 1)
		}
		if !found {
			return fmt.Errorf("COMDAT symbol %q is not defined in a member section", sym.Name)
		}
		leaderOf[int(leader)] = c.Symbol
	}

	return b.layoutSymbols(leaderOf)
}

func (b *builder) addSymbol(e symbolEntry) {
	switch {
	case e.section >= 0:
		e.numAux = 1
	case e.sym.Kind == format.SymbolFile:
		e.numAux = (len(e.sym.Name) + symbolSize - 1) / symbolSize
	}
	if e.sym != nil {
		e.name = e.sym.Name
		b.symIndex[e.id] = uint32(b.numSyms)
	}
	if (e.sym == nil || e.sym.Kind != format.SymbolFile) && len(e.name) > 8 {
		e.strName, e.longName = b.strings.Add(e.name), true
	}
	b.symbols = append(b.symbols, e)
	b.numSyms += 1 + e.numAux
}

func (b *builder) layoutSymbols(leaderOf map[int]format.SymbolID) error {
	obj := b.obj
	syms := obj.Symbols()
	b.symIndex = make([]uint32, len(syms))
	placed := make([]bool, len(syms))

	for i, sym := range syms {
		if sym.Weak {
			return format.Unsupportedf("COFF weak symbol %q", sym.Name)
		}
		if sym.Kind == format.SymbolFile {
			b.addSymbol(symbolEntry{sym: sym, id: format.SymbolID(i), section: -1})
			placed[i] = true
		}
	}
	for i, sec := range obj.Sections() {
		if id, ok := sec.Symbol(); ok {
			b.addSymbol(symbolEntry{sym: syms[id], id: id, section: i})
			placed[id] = true
			f, ok := syms[id].Flags.(format.CoffSectionSymbolFlags)
			if ok && b.sections[i].selection == 0 && f.Selection != 0 {
				b.sections[i].flags |= pe.IMAGE_SCN_LNK_COMDAT
				b.sections[i].selection = f.Selection
				if f.HasAssociative {
					b.sections[i].associative = uint16(f.Associative + 1)
				}
			}
		} else {
			b.addSymbol(symbolEntry{section: i, name: sec.Name()})
		}
		if c, ok := leaderOf[i]; ok && !placed[c] {
			b.addSymbol(symbolEntry{sym: syms[c], id: c, section: -1})
			placed[c] = true
		}
	}
	for i, sym := range syms {
		if !placed[i] {
			b.addSymbol(symbolEntry{sym: sym, id: format.SymbolID(i), section: -1})
		}
	}

	var err error
	b.strData, err = b.strings.Write(make([]byte, 4))
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b.strData, uint32(len(b.strData)))

	// Names that need the string table are resolved now that the
	// offsets are known.
	for i, sec := range obj.Sections() {
		sl := &b.sections[i]
		if !sl.hasLongName {
			continue
		}
		off := b.strings.Offset(sl.longName)
		switch {
		case off <= 9999999:
			copy(sl.name[:], "/"+strconv.Itoa(off))
		case uint64(off) < 1<<36:
			copy(sl.name[:], "//")
			for j, v := 7, off; j >= 2; j-- {
				sl.name[j] = base64Digits[v&63]
				v >>= 6
			}
		default:
			return fmt.Errorf("section %q: string table offset %d too large", sec.Name(), off)
		}
	}

	offset := fileHeaderSize + sectionHeaderSize*len(b.sections)
	for i, sec := range obj.Sections() {
		sl := &b.sections[i]
		if !sec.IsBSS() && sec.Size() != 0 {
			offset = alignUp(offset, 4)
			sl.dataOffset = uint32(offset)
			offset += int(sec.Size())
		}
		if n := sl.numRelocs; n != 0 {
			if n > 0xffff {
				sl.flags |= scnLnkNrelocOvfl
				n++
			}
			sl.relOffset = uint32(offset)
			offset += n * relocSize
		}
	}
	b.symOffset = uint32(offset)
	b.totalSize = offset + b.numSyms*symbolSize + len(b.strData)
	return nil
}

func alignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}

func (b *builder) write(w buffer.WritableBuffer) error {
	obj := b.obj
	if err := w.Reserve(b.totalSize); err != nil {
		return err
	}
	var characteristics uint16
	if f, ok := obj.Flags.(format.CoffFileFlags); ok {
		characteristics = f.Characteristics
	}
	err := binary.Write(w, binary.LittleEndian, &pe.FileHeader{
		Machine:              b.p.fileMachine(),
		NumberOfSections:     uint16(len(b.sections)),
		PointerToSymbolTable: b.symOffset,
		NumberOfSymbols:      uint32(b.numSyms),
		Characteristics:      characteristics,
	})
	if err != nil {
		return err
	}

	sections := obj.Sections()
	for i, sec := range sections {
		sl := &b.sections[i]
		nrel := sl.numRelocs
		if nrel > 0xffff {
			nrel = 0xffff
		}
		err := binary.Write(w, binary.LittleEndian, &pe.SectionHeader32{
			Name:                 sl.name,
			SizeOfRawData:        uint32(sec.Size()),
			PointerToRawData:     sl.dataOffset,
			PointerToRelocations: sl.relOffset,
			NumberOfRelocations:  uint16(nrel),
			Characteristics:      sl.flags,
		})
		if err != nil {
			return err
		}
	}

	for i, sec := range sections {
		sl := &b.sections[i]
		if sl.dataOffset != 0 {
			if err := w.Resize(int(sl.dataOffset)); err != nil {
				return err
			}
			if _, err := w.Write(sec.Data()); err != nil {
				return err
			}
		}
		if sl.numRelocs == 0 {
			continue
		}
		if err := w.Resize(int(sl.relOffset)); err != nil {
			return err
		}
		if sl.numRelocs > 0xffff {
			if err := binary.Write(w, binary.LittleEndian, &pe.Reloc{VirtualAddress: uint32(sl.numRelocs + 1)}); err != nil {
				return err
			}
		}
		for _, r := range sec.Relocations() {
			f, ok := r.Flags.(format.CoffRelocation)
			if !ok {
				return fmt.Errorf("section %q: relocation flags %T are not COFF flags", sec.Name(), r.Flags)
			}
			err := binary.Write(w, binary.LittleEndian, &pe.Reloc{
				VirtualAddress:   uint32(r.Offset),
				SymbolTableIndex: b.symIndex[r.Symbol],
				Type:             f.Type,
			})
			if err != nil {
				return err
			}
		}
	}

	if err := w.Resize(int(b.symOffset)); err != nil {
		return err
	}
	for _, e := range b.symbols {
		if err := b.writeSymbol(w, e); err != nil {
			return err
		}
	}
	_, err = w.Write(b.strData)
	return err
}

func (b *builder) writeSymbol(w buffer.WritableBuffer, e symbolEntry) error {
	if e.section >= 0 {
		return b.writeSectionSymbol(w, e)
	}
	sym := e.sym
	if sym.Kind == format.SymbolFile {
		rec := pe.COFFSymbol{
			StorageClass:       classFile,
			SectionNumber:      symDebug,
			NumberOfAuxSymbols: uint8(e.numAux),
		}
		copy(rec.Name[:], ".file")
		if err := binary.Write(w, binary.LittleEndian, &rec); err != nil {
			return err
		}
		aux := make([]byte, e.numAux*symbolSize)
		copy(aux, sym.Name)
		_, err := w.Write(aux)
		return err
	}

	rec := pe.COFFSymbol{Value: uint32(sym.Value)}
	b.setName(&rec, e)
	if sym.Kind == format.SymbolText {
		rec.Type = dtypeFunction
	}
	switch {
	case sym.Section.IsUndefined():
		rec.StorageClass = classExternal
	case sym.Section.IsCommon():
		rec.StorageClass = classExternal
		rec.Value = uint32(sym.Size)
	case sym.Section.IsAbsolute():
		rec.SectionNumber = symAbsolute
		rec.StorageClass = classExternal
		if sym.IsLocal() {
			rec.StorageClass = classStatic
		}
	default:
		id, ok := sym.Section.ID()
		if !ok {
			return fmt.Errorf("symbol %q has no section", sym.Name)
		}
		rec.SectionNumber = int16(id + 1)
		switch {
		case sym.Kind == format.SymbolLabel:
			rec.StorageClass = classLabel
		case sym.IsLocal():
			rec.StorageClass = classStatic
		default:
			rec.StorageClass = classExternal
		}
	}
	return binary.Write(w, binary.LittleEndian, &rec)
}

func (b *builder) setName(rec *pe.COFFSymbol, e symbolEntry) {
	if e.longName {
		binary.LittleEndian.PutUint32(rec.Name[4:], uint32(b.strings.Offset(e.strName)))
		return
	}
	copy(rec.Name[:], e.name)
}

func (b *builder) writeSectionSymbol(w buffer.WritableBuffer, e symbolEntry) error {
	sec := b.obj.Section(format.SectionID(e.section))
	sl := &b.sections[e.section]
	rec := pe.COFFSymbol{
		SectionNumber:      int16(e.section + 1),
		StorageClass:       classStatic,
		NumberOfAuxSymbols: 1,
	}
	b.setName(&rec, e)
	if err := binary.Write(w, binary.LittleEndian, &rec); err != nil {
		return err
	}
	nrel := sl.numRelocs
	if nrel > 0xffff {
		nrel = 0xffff
	}
	return binary.Write(w, binary.LittleEndian, &pe.COFFSymbolAuxFormat5{
		Size:      uint32(sec.Size()),
		NumRelocs: uint16(nrel),
		SecNum:    sl.associative,
		Selection: sl.selection,
	})
}
