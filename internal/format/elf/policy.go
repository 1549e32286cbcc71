package elf

import (
	"debug/elf"
	"fmt"

	"objwrite/internal/arch"
	"objwrite/internal/format"
)

func init() {
	format.Register(format.FormatELF, newPolicy)
}

type policy struct {
	obj     *format.Object
	machine elf.Machine
	relocs  []relocEntry
	rela    bool
}

func newPolicy(o *format.Object) (format.Policy, error) {
	p := &policy{obj: o}
	switch o.Architecture() {
	case arch.ArchX86:
		p.machine, p.relocs = elf.EM_386, relocs386
	case arch.ArchX86_64:
		p.machine, p.relocs, p.rela = elf.EM_X86_64, relocsX86_64, true
	case arch.ArchARM:
		p.machine, p.relocs = elf.EM_ARM, relocsARM
	case arch.ArchARM64:
		p.machine, p.relocs, p.rela = elf.EM_AARCH64, relocsARM64, true
	case arch.ArchRISCV64:
		p.machine, p.relocs, p.rela = elf.EM_RISCV, relocsRISCV64, true
	case arch.ArchPPC:
		p.machine, p.relocs, p.rela = elf.EM_PPC, relocsPPC, true
	case arch.ArchPPC64:
		p.machine, p.relocs, p.rela = elf.EM_PPC64, relocsPPC64, true
	case arch.ArchMIPS:
		p.machine, p.relocs = elf.EM_MIPS, relocsMIPS
	default:
		return nil, format.Unsupportedf("architecture %s", o.Architecture())
	}
	return p, nil
}

func (p *policy) Extension() string { return ".o" }

func (p *policy) Capabilities() format.Capabilities {
	return format.Capabilities{UninitializedTLS: true}
}

func (p *policy) SegmentName(format.StandardSegment) []byte { return nil }

func (p *policy) SectionInfo(s format.StandardSection) (format.SectionInfo, error) {
	var name string
	var flags format.SectionFlags
	switch s {
	case format.SectionText:
		name = ".text"
	case format.SectionData:
		name = ".data"
	case format.SectionReadOnlyData:
		name = ".rodata"
	case format.SectionReadOnlyDataWithRel:
		name = ".data.rel.ro"
	case format.SectionReadOnlyString:
		name = ".rodata.str1.1"
	case format.SectionUninitializedData:
		name = ".bss"
	case format.SectionTls:
		name = ".tdata"
	case format.SectionUninitializedTls:
		name = ".tbss"
	case format.SectionGnuProperty:
		name = ".note.gnu.property"
		flags = format.ElfSectionFlags{ShFlags: uint64(elf.SHF_ALLOC)}
	default:
		return format.SectionInfo{}, format.Unsupportedf("ELF has no %s section", s)
	}
	return format.SectionInfo{Name: []byte(name), Kind: s.Kind(), Flags: flags}, nil
}

func (p *policy) SubsectionName(section, value []byte) ([]byte, error) {
	name := make([]byte, 0, len(section)+1+len(value))
	name = append(name, section...)
	name = append(name, '.')
	return append(name, value...), nil
}

func (p *policy) DefaultSectionFlags(s *format.Section) (format.SectionFlags, error) {
	var f elf.SectionFlag
	switch s.Kind() {
	case format.KindText:
		f = elf.SHF_ALLOC | elf.SHF_EXECINSTR
	case format.KindData, format.KindReadOnlyDataWithRel, format.KindUninitializedData:
		f = elf.SHF_ALLOC | elf.SHF_WRITE
	case format.KindTls, format.KindUninitializedTls:
		f = elf.SHF_ALLOC | elf.SHF_WRITE | elf.SHF_TLS
	case format.KindReadOnlyData:
		f = elf.SHF_ALLOC
	case format.KindReadOnlyString:
		f = elf.SHF_ALLOC | elf.SHF_STRINGS | elf.SHF_MERGE
	case format.KindOtherString, format.KindDebugString:
		f = elf.SHF_STRINGS | elf.SHF_MERGE
	case format.KindOther, format.KindDebug, format.KindMetadata, format.KindLinker, format.KindNote:
		f = 0
	default:
		return nil, format.Unsupportedf("ELF section %q of kind %s", s.Name(), s.Kind())
	}
	return format.ElfSectionFlags{ShFlags: uint64(f)}, nil
}

func (p *policy) DefaultSymbolFlags(s *format.Symbol) (format.SymbolFlags, error) {
	var typ elf.SymType
	switch s.Kind {
	case format.SymbolText:
		typ = elf.STT_FUNC
		if s.IsUndefined() {
			typ = elf.STT_NOTYPE
		}
	case format.SymbolData:
		typ = elf.STT_OBJECT
		if s.IsUndefined() {
			typ = elf.STT_NOTYPE
		}
	case format.SymbolKindSection:
		typ = elf.STT_SECTION
	case format.SymbolFile:
		typ = elf.STT_FILE
	case format.SymbolTls:
		typ = elf.STT_TLS
	case format.SymbolLabel:
		typ = elf.STT_NOTYPE
	default:
		if !s.IsUndefined() {
			return nil, format.Unsupportedf("ELF symbol %q of kind %s", s.Name, s.Kind)
		}
		typ = elf.STT_NOTYPE
	}

	bind := elf.STB_GLOBAL
	switch {
	case s.Weak:
		bind = elf.STB_WEAK
	case s.IsUndefined():
	case s.IsLocal():
		bind = elf.STB_LOCAL
	}

	vis := elf.STV_DEFAULT
	if s.Scope == format.ScopeLinkage {
		vis = elf.STV_HIDDEN
	}
	return format.ElfSymbolFlags{
		StInfo:  elf.ST_INFO(bind, typ),
		StOther: uint8(vis),
	}, nil
}

func (p *policy) TranslateRelocation(r *format.Relocation) error {
	switch f := r.Flags.(type) {
	case format.ElfRelocation:
		return nil
	case format.GenericRelocation:
		for _, e := range p.relocs {
			if e.kind == f.Kind && e.size == f.Size && (e.enc == anyEncoding || e.enc == f.Encoding) {
				r.Flags = format.ElfRelocation{RType: e.rtype}
				return nil
			}
		}
		return format.Unsupportedf("ELF %s relocation %s/%d/%d", p.obj.Architecture(), f.Kind, f.Encoding, f.Size)
	default:
		return format.Unsupportedf("ELF relocation flags %T", r.Flags)
	}
}

func (p *policy) AdjustAddend(r *format.Relocation) (bool, error) {
	return !p.rela, nil
}

func (p *policy) RelocationSize(r *format.Relocation) (int, error) {
	f, ok := r.Flags.(format.ElfRelocation)
	if !ok {
		return 0, fmt.Errorf("untranslated relocation flags %T", r.Flags)
	}
	for _, e := range p.relocs {
		if e.rtype == f.RType {
			return int(e.size), nil
		}
	}
	return 0, format.Unsupportedf("size of ELF %s relocation type %d", p.obj.Architecture(), f.RType)
}
