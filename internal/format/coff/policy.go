package coff

import (
	"debug/pe"
	"fmt"

	"objwrite/internal/arch"
	"objwrite/internal/format"
)

const (
	machineI386    = pe.IMAGE_FILE_MACHINE_I386
	machineAMD64   = pe.IMAGE_FILE_MACHINE_AMD64
	machineARMNT   = pe.IMAGE_FILE_MACHINE_ARMNT
	machineARM64   = pe.IMAGE_FILE_MACHINE_ARM64
	machineARM64EC = 0xa641
)

const (
	scnLnkInfo   = 0x00000200
	scnLnkRemove = 0x00000800
)

func init() {
	format.Register(format.FormatCOFF, newPolicy)
}

type policy struct {
	obj     *format.Object
	machine uint16
	relocs  []relocEntry
}

func newPolicy(o *format.Object) (format.Policy, error) {
	if o.Endianness() != arch.LittleEndian {
		return nil, format.Unsupportedf("big-endian COFF")
	}
	p := &policy{obj: o}
	switch o.Architecture() {
	case arch.ArchX86:
		p.machine, p.relocs = machineI386, relocsI386
	case arch.ArchX86_64:
		p.machine, p.relocs = machineAMD64, relocsAMD64
	case arch.ArchARM:
		p.machine, p.relocs = machineARMNT, relocsARM
	case arch.ArchARM64:
		p.machine, p.relocs = machineARM64, relocsARM64
	default:
		return nil, format.Unsupportedf("architecture %s", o.Architecture())
	}
	return p, nil
}

func (p *policy) Extension() string { return ".obj" }

func (p *policy) Capabilities() format.Capabilities {
	return format.Capabilities{NamedSectionSymbols: true}
}

func (p *policy) SegmentName(format.StandardSegment) []byte { return nil }

// fileMachine is the machine written to the header, which depends on
// the sub-architecture.
func (p *policy) fileMachine() uint16 {
	if p.machine == machineARM64 && p.obj.SubArchitecture() == arch.SubArchARM64EC {
		return machineARM64EC
	}
	return p.machine
}

func (p *policy) SectionInfo(s format.StandardSection) (format.SectionInfo, error) {
	var name string
	kind := s.Kind()
	switch s {
	case format.SectionText:
		name = ".text"
	case format.SectionData:
		name = ".data"
	case format.SectionReadOnlyData, format.SectionReadOnlyDataWithRel, format.SectionReadOnlyString:
		name, kind = ".rdata", format.KindReadOnlyData
	case format.SectionUninitializedData:
		name = ".bss"
	case format.SectionTls:
		name = ".tls$"
	default:
		return format.SectionInfo{}, format.Unsupportedf("COFF has no %s section", s)
	}
	return format.SectionInfo{Name: []byte(name), Kind: kind}, nil
}

func (p *policy) SubsectionName(section, value []byte) ([]byte, error) {
	name := make([]byte, 0, len(section)+1+len(value))
	name = append(name, section...)
	name = append(name, '$')
	return append(name, value...), nil
}

func (p *policy) DefaultSectionFlags(s *format.Section) (format.SectionFlags, error) {
	var c uint32
	switch s.Kind() {
	case format.KindText:
		c = pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ
	case format.KindData, format.KindTls:
		c = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE
	case format.KindUninitializedData:
		c = pe.IMAGE_SCN_CNT_UNINITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE
	case format.KindReadOnlyData, format.KindReadOnlyDataWithRel, format.KindReadOnlyString:
		c = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ
	case format.KindDebug, format.KindOther, format.KindOtherString, format.KindDebugString:
		c = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_DISCARDABLE
	case format.KindLinker:
		c = scnLnkInfo | scnLnkRemove
	default:
		return nil, format.Unsupportedf("COFF section %q of kind %s", s.Name(), s.Kind())
	}
	return format.CoffSectionFlags{Characteristics: c}, nil
}

// DefaultSymbolFlags returns nil: COFF symbols have no flags beyond
// those derived from kind and scope when the file is written.
func (p *policy) DefaultSymbolFlags(*format.Symbol) (format.SymbolFlags, error) {
	return nil, nil
}

func (p *policy) TranslateRelocation(r *format.Relocation) error {
	switch f := r.Flags.(type) {
	case format.CoffRelocation:
		return nil
	case format.GenericRelocation:
		for _, e := range p.relocs {
			if e.kind == f.Kind && e.size == f.Size && (e.enc == anyEncoding || e.enc == f.Encoding) {
				r.Flags = format.CoffRelocation{Type: e.typ}
				return nil
			}
		}
		return format.Unsupportedf("COFF %s relocation %s/%d/%d", p.obj.Architecture(), f.Kind, f.Encoding, f.Size)
	default:
		return format.Unsupportedf("COFF relocation flags %T", r.Flags)
	}
}

// AdjustAddend converts the addend to be relative to the end of the
// relocated field for PC-relative types. COFF addends are always
// stored in the section data.
func (p *policy) AdjustAddend(r *format.Relocation) (bool, error) {
	f, ok := r.Flags.(format.CoffRelocation)
	if !ok {
		return false, fmt.Errorf("untranslated relocation flags %T", r.Flags)
	}
	if p.machine == machineARM64 && f.Type == relARM64Branch26 && r.Addend != 0 {
		return false, format.Unsupportedf("COFF arm64 branch relocation with addend %d", r.Addend)
	}
	r.Addend += pcBias(p.machine, f.Type)
	return true, nil
}

func (p *policy) RelocationSize(r *format.Relocation) (int, error) {
	f, ok := r.Flags.(format.CoffRelocation)
	if !ok {
		return 0, fmt.Errorf("untranslated relocation flags %T", r.Flags)
	}
	if p.machine == machineAMD64 && f.Type >= relAMD64Rel32_1 && f.Type <= relAMD64Rel32_5 {
		return 32, nil
	}
	for _, e := range p.relocs {
		if e.typ == f.Type {
			return int(e.size), nil
		}
	}
	return 0, format.Unsupportedf("size of COFF %s relocation type %#x", p.obj.Architecture(), f.Type)
}
