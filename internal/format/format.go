package format

import "strings"

type Format int

const (
	FormatUnknown Format = iota
	FormatELF
	FormatCOFF
	FormatMachO
	FormatXCOFF
)

func (f Format) String() string {
	switch f {
	case FormatELF:
		return "elf"
	case FormatCOFF:
		return "coff"
	case FormatMachO:
		return "macho"
	case FormatXCOFF:
		return "xcoff"
	default:
		return "unknown"
	}
}

func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "elf":
		return FormatELF
	case "coff", "pe", "obj":
		return FormatCOFF
	case "macho", "mach", "mach-o":
		return FormatMachO
	case "xcoff", "aix":
		return FormatXCOFF
	default:
		return FormatUnknown
	}
}
