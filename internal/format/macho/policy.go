package macho

import (
	"debug/macho"
	"fmt"

	"objwrite/internal/arch"
	"objwrite/internal/format"
)

// Section types and attributes.
const (
	sRegular                     = 0x0
	sZerofill                    = 0x1
	sCstringLiterals             = 0x2
	sThreadLocalRegular          = 0x11
	sThreadLocalZerofill         = 0x12
	sThreadLocalVariables        = 0x13
	sAttrPureInstructions        = 0x80000000
	sAttrSomeInstructions        = 0x00000400
	sAttrDebug                   = 0x02000000
	cpuSubtypeX86All             = 3
	cpuSubtypeARMV7              = 9
	cpuSubtypeARM64All           = 0
	cpuSubtypeARM64E             = 2
	nWeakRef              uint16 = 0x40
	nWeakDef              uint16 = 0x80
)

func init() {
	format.Register(format.FormatMachO, newPolicy)
}

// BuildVersion is the payload of an LC_BUILD_VERSION load command.
// Versions are encoded as xxxx.yy.zz nibbles.
type BuildVersion struct {
	Platform uint32
	MinOS    uint32
	SDK      uint32
}

type policy struct {
	obj       *format.Object
	cpu       macho.Cpu
	subCPU    uint32
	hasSubCPU bool
	relocs    []relocEntry

	buildVersion    BuildVersion
	hasBuildVersion bool
}

func newPolicy(o *format.Object) (format.Policy, error) {
	if o.Endianness() != arch.LittleEndian {
		return nil, format.Unsupportedf("big-endian Mach-O")
	}
	p := &policy{obj: o}
	switch o.Architecture() {
	case arch.ArchX86:
		p.cpu, p.relocs = macho.Cpu386, relocs386
	case arch.ArchX86_64:
		p.cpu, p.relocs = macho.CpuAmd64, relocsX86_64
	case arch.ArchARM:
		p.cpu, p.relocs = macho.CpuArm, relocsARM
	case arch.ArchARM64:
		p.cpu, p.relocs = macho.CpuArm64, relocsARM64
	default:
		return nil, format.Unsupportedf("architecture %s", o.Architecture())
	}
	return p, nil
}

func policyOf(o *format.Object) *policy {
	p, ok := o.Policy().(*policy)
	if !ok {
		panic(fmt.Sprintf("macho: %s object", o.Format()))
	}
	return p
}

// SetBuildVersion adds an LC_BUILD_VERSION load command to a Mach-O
// object. It panics if o is not a Mach-O object.
func SetBuildVersion(o *format.Object, v BuildVersion) {
	p := policyOf(o)
	p.buildVersion, p.hasBuildVersion = v, true
}

// SetCPUSubtype overrides the CPU subtype written to the header of a
// Mach-O object. It panics if o is not a Mach-O object.
func SetCPUSubtype(o *format.Object, subtype uint32) {
	p := policyOf(o)
	p.subCPU, p.hasSubCPU = subtype, true
}

func (p *policy) cpuSubtype() uint32 {
	if p.hasSubCPU {
		return p.subCPU
	}
	switch p.cpu {
	case macho.CpuArm:
		return cpuSubtypeARMV7
	case macho.CpuArm64:
		if p.obj.SubArchitecture() == arch.SubArchARM64E {
			return cpuSubtypeARM64E
		}
		return cpuSubtypeARM64All
	default:
		return cpuSubtypeX86All
	}
}

func (p *policy) Extension() string { return ".o" }

func (p *policy) Capabilities() format.Capabilities {
	return format.Capabilities{
		SubsectionsViaSymbols: true,
		Common:                true,
		UninitializedTLS:      true,
		ThreadVariables:       true,
	}
}

func (p *policy) SegmentName(s format.StandardSegment) []byte {
	switch s {
	case format.SegmentText:
		return []byte("__TEXT")
	case format.SegmentData:
		return []byte("__DATA")
	case format.SegmentDebug:
		return []byte("__DWARF")
	}
	return nil
}

func (p *policy) SectionInfo(s format.StandardSection) (format.SectionInfo, error) {
	var seg, name string
	switch s {
	case format.SectionText:
		seg, name = "__TEXT", "__text"
	case format.SectionData:
		seg, name = "__DATA", "__data"
	case format.SectionReadOnlyData:
		seg, name = "__TEXT", "__const"
	case format.SectionReadOnlyDataWithRel:
		seg, name = "__DATA", "__const"
	case format.SectionReadOnlyString:
		seg, name = "__TEXT", "__cstring"
	case format.SectionUninitializedData:
		seg, name = "__DATA", "__bss"
	case format.SectionTls:
		seg, name = "__DATA", "__thread_data"
	case format.SectionUninitializedTls:
		seg, name = "__DATA", "__thread_bss"
	case format.SectionTlsVariables:
		seg, name = "__DATA", "__thread_vars"
	case format.SectionCommon:
		seg, name = "__DATA", "__common"
	default:
		return format.SectionInfo{}, format.Unsupportedf("Mach-O has no %s section", s)
	}
	return format.SectionInfo{Segment: []byte(seg), Name: []byte(name), Kind: s.Kind()}, nil
}

// SubsectionName is never used by Object, which places subsections in
// the section itself. Other callers get the section name back.
func (p *policy) SubsectionName(section, value []byte) ([]byte, error) {
	return section, nil
}

func (p *policy) DefaultSectionFlags(s *format.Section) (format.SectionFlags, error) {
	var flags uint32
	switch s.Kind() {
	case format.KindText:
		flags = sAttrPureInstructions | sAttrSomeInstructions
	case format.KindReadOnlyString:
		flags = sCstringLiterals
	case format.KindUninitializedData, format.KindCommon:
		flags = sZerofill
	case format.KindTls:
		flags = sThreadLocalRegular
	case format.KindUninitializedTls:
		flags = sThreadLocalZerofill
	case format.KindTlsVariables:
		flags = sThreadLocalVariables
	case format.KindDebug, format.KindDebugString:
		flags = sAttrDebug
	default:
		flags = sRegular
	}
	return format.MachOSectionFlags{Flags: flags}, nil
}

func (p *policy) DefaultSymbolFlags(sym *format.Symbol) (format.SymbolFlags, error) {
	var desc uint16
	if sym.Weak {
		if sym.IsUndefined() {
			desc = nWeakRef
		} else {
			desc = nWeakDef
		}
	}
	return format.MachOSymbolFlags{NDesc: desc}, nil
}

func (p *policy) TranslateRelocation(r *format.Relocation) error {
	switch f := r.Flags.(type) {
	case format.MachORelocation:
		return nil
	case format.GenericRelocation:
		for _, e := range p.relocs {
			if e.kind == f.Kind && e.size == f.Size && (e.enc == anyEncoding || e.enc == f.Encoding) {
				r.Flags = format.MachORelocation{RType: e.rtype, RPCRel: e.pcrel, RLength: e.length}
				return nil
			}
		}
		return format.Unsupportedf("Mach-O %s relocation %s/%d/%d", p.obj.Architecture(), f.Kind, f.Encoding, f.Size)
	default:
		return format.Unsupportedf("Mach-O relocation flags %T", r.Flags)
	}
}

// AdjustAddend makes PC-relative addends relative to the relocated
// field. On arm64 the branch and page relocations take their addend
// from an ARM64_RELOC_ADDEND entry; all other addends are implicit.
func (p *policy) AdjustAddend(r *format.Relocation) (bool, error) {
	f, ok := r.Flags.(format.MachORelocation)
	if !ok {
		return false, fmt.Errorf("untranslated relocation flags %T", r.Flags)
	}
	if f.RPCRel {
		r.Addend += pcBias(p.cpu, f.RType)
	}
	if p.cpu == macho.CpuArm64 {
		switch macho.RelocTypeARM64(f.RType) {
		case macho.ARM64_RELOC_BRANCH26, macho.ARM64_RELOC_PAGE21, macho.ARM64_RELOC_PAGEOFF12:
			if r.Addend < -1<<23 || r.Addend >= 1<<23 {
				return false, fmt.Errorf("addend %d does not fit ARM64_RELOC_ADDEND", r.Addend)
			}
			return false, nil
		}
	}
	return true, nil
}

func (p *policy) RelocationSize(r *format.Relocation) (int, error) {
	f, ok := r.Flags.(format.MachORelocation)
	if !ok {
		return 0, fmt.Errorf("untranslated relocation flags %T", r.Flags)
	}
	if f.RLength > 3 {
		return 0, fmt.Errorf("relocation length %d", f.RLength)
	}
	return 8 << f.RLength, nil
}
