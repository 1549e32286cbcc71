package arch

import (
	"encoding/binary"
	"strings"
)

type Arch int

const (
	ArchUnknown Arch = iota
	ArchX86
	ArchX86_64
	ArchARM
	ArchARM64
	ArchRISCV64
	ArchPPC
	ArchPPC64
	ArchMIPS
)

func (a Arch) String() string {
	switch a {
	case ArchX86:
		return "x86"
	case ArchX86_64:
		return "x86_64"
	case ArchARM:
		return "arm"
	case ArchARM64:
		return "arm64"
	case ArchRISCV64:
		return "riscv64"
	case ArchPPC:
		return "ppc"
	case ArchPPC64:
		return "ppc64"
	case ArchMIPS:
		return "mips"
	default:
		return "unknown"
	}
}

func ParseArch(s string) Arch {
	switch strings.ToLower(s) {
	case "x86", "i386", "i686", "386":
		return ArchX86
	case "x86_64", "amd64", "x64":
		return ArchX86_64
	case "arm", "arm32":
		return ArchARM
	case "arm64", "aarch64":
		return ArchARM64
	case "riscv64", "rv64":
		return ArchRISCV64
	case "ppc", "powerpc":
		return ArchPPC
	case "ppc64", "powerpc64":
		return ArchPPC64
	case "mips", "mips32":
		return ArchMIPS
	default:
		return ArchUnknown
	}
}

// AddressSize returns the size of a pointer in bytes, or 0 for ArchUnknown.
func (a Arch) AddressSize() int {
	switch a {
	case ArchX86, ArchARM, ArchPPC, ArchMIPS:
		return 4
	case ArchX86_64, ArchARM64, ArchRISCV64, ArchPPC64:
		return 8
	default:
		return 0
	}
}

// Is64 reports whether the architecture uses 64-bit addresses.
func (a Arch) Is64() bool {
	return a.AddressSize() == 8
}

// SubArch refines an Arch for formats that distinguish variants.
type SubArch int

const (
	SubArchNone SubArch = iota
	SubArchARM64E
	SubArchARM64EC
)

func (s SubArch) String() string {
	switch s {
	case SubArchARM64E:
		return "arm64e"
	case SubArchARM64EC:
		return "arm64ec"
	default:
		return "none"
	}
}

type Endianness int

const (
	LittleEndian Endianness = iota
	BigEndian
)

func (e Endianness) String() string {
	if e == BigEndian {
		return "big"
	}
	return "little"
}

// Order returns the encoding/binary byte order for e.
func (e Endianness) Order() binary.ByteOrder {
	if e == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func ParseEndianness(s string) (Endianness, bool) {
	switch strings.ToLower(s) {
	case "little", "le", "lsb":
		return LittleEndian, true
	case "big", "be", "msb":
		return BigEndian, true
	default:
		return LittleEndian, false
	}
}

// DefaultEndianness returns the usual byte order for a.
func (a Arch) DefaultEndianness() Endianness {
	switch a {
	case ArchPPC, ArchPPC64, ArchMIPS:
		return BigEndian
	default:
		return LittleEndian
	}
}
