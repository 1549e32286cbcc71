package macho

import (
	"debug/macho"

	"objwrite/internal/format"
)

const anyEncoding format.RelocationEncoding = -1

type relocEntry struct {
	kind   format.RelocationKind
	enc    format.RelocationEncoding
	size   uint8
	rtype  uint8
	pcrel  bool
	length uint8
}

var relocs386 = []relocEntry{
	{format.RelocAbsolute, anyEncoding, 32, uint8(macho.GENERIC_RELOC_VANILLA), false, 2},
	{format.RelocRelative, anyEncoding, 32, uint8(macho.GENERIC_RELOC_VANILLA), true, 2},
}

var relocsX86_64 = []relocEntry{
	{format.RelocAbsolute, anyEncoding, 64, uint8(macho.X86_64_RELOC_UNSIGNED), false, 3},
	{format.RelocAbsolute, anyEncoding, 32, uint8(macho.X86_64_RELOC_UNSIGNED), false, 2},
	{format.RelocRelative, format.EncodingX86Branch, 32, uint8(macho.X86_64_RELOC_BRANCH), true, 2},
	{format.RelocRelative, anyEncoding, 32, uint8(macho.X86_64_RELOC_SIGNED), true, 2},
	{format.RelocPltRelative, anyEncoding, 32, uint8(macho.X86_64_RELOC_BRANCH), true, 2},
	{format.RelocGotRelative, format.EncodingX86RipRelativeMovq, 32, uint8(macho.X86_64_RELOC_GOT_LOAD), true, 2},
	{format.RelocGotRelative, anyEncoding, 32, uint8(macho.X86_64_RELOC_GOT), true, 2},
}

var relocsARM = []relocEntry{
	{format.RelocAbsolute, anyEncoding, 32, uint8(macho.ARM_RELOC_VANILLA), false, 2},
}

var relocsARM64 = []relocEntry{
	{format.RelocAbsolute, anyEncoding, 64, uint8(macho.ARM64_RELOC_UNSIGNED), false, 3},
	{format.RelocAbsolute, anyEncoding, 32, uint8(macho.ARM64_RELOC_UNSIGNED), false, 2},
	{format.RelocRelative, format.EncodingAArch64Call, 26, uint8(macho.ARM64_RELOC_BRANCH26), true, 2},
	{format.RelocPltRelative, format.EncodingAArch64Call, 26, uint8(macho.ARM64_RELOC_BRANCH26), true, 2},
}

// pcBias is the distance from the relocated field to the address a
// PC-relative relocation is measured from.
func pcBias(cpu macho.Cpu, rtype uint8) int64 {
	switch cpu {
	case macho.Cpu386:
		return 4
	case macho.CpuAmd64:
		switch macho.RelocTypeX86_64(rtype) {
		case macho.X86_64_RELOC_SIGNED_1:
			return 5
		case macho.X86_64_RELOC_SIGNED_2:
			return 6
		case macho.X86_64_RELOC_SIGNED_4:
			return 8
		}
		return 4
	}
	return 0
}
