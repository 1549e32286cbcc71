package format

import "objwrite/internal/arch"

// Mangling selects how linkable symbol names are decorated.
type Mangling int

const (
	ManglingNone Mangling = iota
	ManglingCoff
	ManglingCoffI386
	ManglingElf
	ManglingMachO
	ManglingXcoff
)

func (m Mangling) String() string {
	switch m {
	case ManglingCoff:
		return "coff"
	case ManglingCoffI386:
		return "coff-i386"
	case ManglingElf:
		return "elf"
	case ManglingMachO:
		return "macho"
	case ManglingXcoff:
		return "xcoff"
	default:
		return "none"
	}
}

// DefaultMangling returns the usual mangling for a format and architecture.
func DefaultMangling(f Format, a arch.Arch) Mangling {
	switch f {
	case FormatCOFF:
		if a == arch.ArchX86 {
			return ManglingCoffI386
		}
		return ManglingCoff
	case FormatELF:
		return ManglingElf
	case FormatMachO:
		return ManglingMachO
	case FormatXCOFF:
		return ManglingXcoff
	default:
		return ManglingNone
	}
}

// GlobalPrefix returns the byte prepended to linkable symbol names.
func (m Mangling) GlobalPrefix() (byte, bool) {
	switch m {
	case ManglingCoffI386, ManglingMachO:
		return '_', true
	default:
		return 0, false
	}
}
