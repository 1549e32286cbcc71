// Package xcoff writes AIX XCOFF relocatable objects for 32-bit and
// 64-bit PowerPC.
package xcoff

import (
	"fmt"

	"objwrite/internal/arch"
	"objwrite/internal/format"
)

const (
	u802TocMagic = 0x01df
	u64TocMagic  = 0x01f7
)

// Section types.
const (
	stypDwarf = 0x0010
	stypText  = 0x0020
	stypData  = 0x0040
	stypBss   = 0x0080
	stypInfo  = 0x0200
	stypTdata = 0x0400
	stypTbss  = 0x0800
)

func init() {
	format.Register(format.FormatXCOFF, newPolicy)
}

type policy struct {
	obj   *format.Object
	magic uint16
}

func newPolicy(o *format.Object) (format.Policy, error) {
	if o.Endianness() != arch.BigEndian {
		return nil, format.Unsupportedf("little-endian XCOFF")
	}
	switch o.Architecture() {
	case arch.ArchPPC:
		return &policy{obj: o, magic: u802TocMagic}, nil
	case arch.ArchPPC64:
		return &policy{obj: o, magic: u64TocMagic}, nil
	default:
		return nil, format.Unsupportedf("architecture %s", o.Architecture())
	}
}

func (p *policy) Extension() string { return ".o" }

func (p *policy) Capabilities() format.Capabilities {
	return format.Capabilities{UninitializedTLS: true, NamedSectionSymbols: true}
}

func (p *policy) SegmentName(format.StandardSegment) []byte { return nil }

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
		name = ".tdata"
	case format.SectionUninitializedTls:
		name = ".tbss"
	default:
		return format.SectionInfo{}, format.Unsupportedf("XCOFF has no %s section", s)
	}
	return format.SectionInfo{Name: []byte(name), Kind: kind}, nil
}

func (p *policy) SubsectionName(section, value []byte) ([]byte, error) {
	return nil, format.Unsupportedf("XCOFF subsections")
}

func (p *policy) DefaultSectionFlags(s *format.Section) (format.SectionFlags, error) {
	var flags uint32
	switch s.Kind() {
	case format.KindText:
		flags = stypText
	case format.KindData, format.KindReadOnlyData, format.KindReadOnlyDataWithRel, format.KindReadOnlyString:
		flags = stypData
	case format.KindUninitializedData:
		flags = stypBss
	case format.KindTls:
		flags = stypTdata
	case format.KindUninitializedTls:
		flags = stypTbss
	case format.KindDebug, format.KindDebugString:
		flags = stypDwarf
	case format.KindOther, format.KindOtherString, format.KindMetadata:
		flags = stypInfo
	default:
		return nil, format.Unsupportedf("XCOFF section %q of kind %s", s.Name(), s.Kind())
	}
	return format.XcoffSectionFlags{SFlags: flags}, nil
}

// DefaultSymbolFlags returns nil: the storage class and csect fields
// are derived from the symbol when the file is written.
func (p *policy) DefaultSymbolFlags(*format.Symbol) (format.SymbolFlags, error) {
	return nil, nil
}

func (p *policy) TranslateRelocation(r *format.Relocation) error {
	switch f := r.Flags.(type) {
	case format.XcoffRelocation:
		return nil
	case format.GenericRelocation:
		for _, e := range relocs {
			if e.kind == f.Kind && e.size == f.Size && (e.enc == anyEncoding || e.enc == f.Encoding) {
				r.Flags = format.XcoffRelocation{RType: e.rtype, RSize: (e.size - 1) | e.signed}
				return nil
			}
		}
		return format.Unsupportedf("XCOFF relocation %s/%d/%d", f.Kind, f.Encoding, f.Size)
	default:
		return format.Unsupportedf("XCOFF relocation flags %T", r.Flags)
	}
}

// AdjustAddend reports every addend as implicit. XCOFF has no addend
// field in its relocation entries.
func (p *policy) AdjustAddend(r *format.Relocation) (bool, error) {
	f, ok := r.Flags.(format.XcoffRelocation)
	if !ok {
		return false, fmt.Errorf("untranslated relocation flags %T", r.Flags)
	}
	if f.RType == rRBR && r.Addend != 0 {
		return false, format.Unsupportedf("XCOFF branch relocation with addend %d", r.Addend)
	}
	return true, nil
}

func (p *policy) RelocationSize(r *format.Relocation) (int, error) {
	f, ok := r.Flags.(format.XcoffRelocation)
	if !ok {
		return 0, fmt.Errorf("untranslated relocation flags %T", r.Flags)
	}
	return int(f.RSize&rSizeMask) + 1, nil
}
