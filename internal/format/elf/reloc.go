package elf

import (
	"debug/elf"

	"objwrite/internal/format"
)

const anyEncoding format.RelocationEncoding = -1

// R_MIPS_PC32, missing from debug/elf.
const rMIPSPC32 = 248

// relocEntry maps a generic relocation to an ELF relocation type.
// Entries are matched in order.
type relocEntry struct {
	kind  format.RelocationKind
	enc   format.RelocationEncoding
	size  uint8
	rtype uint32
}

var relocs386 = []relocEntry{
	{format.RelocAbsolute, anyEncoding, 32, uint32(elf.R_386_32)},
	{format.RelocRelative, anyEncoding, 32, uint32(elf.R_386_PC32)},
	{format.RelocGot, anyEncoding, 32, uint32(elf.R_386_GOT32)},
	{format.RelocPltRelative, anyEncoding, 32, uint32(elf.R_386_PLT32)},
	{format.RelocGotBaseOffset, anyEncoding, 32, uint32(elf.R_386_GOTOFF)},
	{format.RelocGotBaseRelative, anyEncoding, 32, uint32(elf.R_386_GOTPC)},
	{format.RelocAbsolute, anyEncoding, 16, uint32(elf.R_386_16)},
	{format.RelocRelative, anyEncoding, 16, uint32(elf.R_386_PC16)},
	{format.RelocAbsolute, anyEncoding, 8, uint32(elf.R_386_8)},
	{format.RelocRelative, anyEncoding, 8, uint32(elf.R_386_PC8)},
}

var relocsX86_64 = []relocEntry{
	{format.RelocAbsolute, anyEncoding, 64, uint32(elf.R_X86_64_64)},
	{format.RelocRelative, anyEncoding, 64, uint32(elf.R_X86_64_PC64)},
	{format.RelocRelative, anyEncoding, 32, uint32(elf.R_X86_64_PC32)},
	{format.RelocGot, anyEncoding, 32, uint32(elf.R_X86_64_GOT32)},
	{format.RelocPltRelative, anyEncoding, 32, uint32(elf.R_X86_64_PLT32)},
	{format.RelocGotRelative, format.EncodingX86RipRelativeMovq, 32, uint32(elf.R_X86_64_REX_GOTPCRELX)},
	{format.RelocGotRelative, anyEncoding, 32, uint32(elf.R_X86_64_GOTPCREL)},
	{format.RelocAbsolute, format.EncodingX86Signed, 32, uint32(elf.R_X86_64_32S)},
	{format.RelocAbsolute, anyEncoding, 32, uint32(elf.R_X86_64_32)},
	{format.RelocAbsolute, anyEncoding, 16, uint32(elf.R_X86_64_16)},
	{format.RelocRelative, anyEncoding, 16, uint32(elf.R_X86_64_PC16)},
	{format.RelocAbsolute, anyEncoding, 8, uint32(elf.R_X86_64_8)},
	{format.RelocRelative, anyEncoding, 8, uint32(elf.R_X86_64_PC8)},
}

var relocsARM = []relocEntry{
	{format.RelocAbsolute, anyEncoding, 32, uint32(elf.R_ARM_ABS32)},
	{format.RelocRelative, anyEncoding, 32, uint32(elf.R_ARM_REL32)},
	{format.RelocAbsolute, anyEncoding, 16, uint32(elf.R_ARM_ABS16)},
	{format.RelocAbsolute, anyEncoding, 8, uint32(elf.R_ARM_ABS8)},
}

var relocsARM64 = []relocEntry{
	{format.RelocAbsolute, anyEncoding, 64, uint32(elf.R_AARCH64_ABS64)},
	{format.RelocAbsolute, anyEncoding, 32, uint32(elf.R_AARCH64_ABS32)},
	{format.RelocAbsolute, anyEncoding, 16, uint32(elf.R_AARCH64_ABS16)},
	{format.RelocRelative, anyEncoding, 64, uint32(elf.R_AARCH64_PREL64)},
	{format.RelocRelative, anyEncoding, 32, uint32(elf.R_AARCH64_PREL32)},
	{format.RelocRelative, anyEncoding, 16, uint32(elf.R_AARCH64_PREL16)},
	{format.RelocRelative, format.EncodingAArch64Call, 26, uint32(elf.R_AARCH64_CALL26)},
	{format.RelocPltRelative, format.EncodingAArch64Call, 26, uint32(elf.R_AARCH64_CALL26)},
}

var relocsRISCV64 = []relocEntry{
	{format.RelocAbsolute, anyEncoding, 64, uint32(elf.R_RISCV_64)},
	{format.RelocAbsolute, anyEncoding, 32, uint32(elf.R_RISCV_32)},
	{format.RelocRelative, anyEncoding, 32, uint32(elf.R_RISCV_32_PCREL)},
}

var relocsPPC = []relocEntry{
	{format.RelocAbsolute, anyEncoding, 32, uint32(elf.R_PPC_ADDR32)},
	{format.RelocRelative, anyEncoding, 32, uint32(elf.R_PPC_REL32)},
	{format.RelocAbsolute, anyEncoding, 16, uint32(elf.R_PPC_ADDR16)},
}

var relocsPPC64 = []relocEntry{
	{format.RelocAbsolute, anyEncoding, 64, uint32(elf.R_PPC64_ADDR64)},
	{format.RelocAbsolute, anyEncoding, 32, uint32(elf.R_PPC64_ADDR32)},
	{format.RelocRelative, anyEncoding, 64, uint32(elf.R_PPC64_REL64)},
	{format.RelocRelative, anyEncoding, 32, uint32(elf.R_PPC64_REL32)},
	{format.RelocAbsolute, anyEncoding, 16, uint32(elf.R_PPC64_ADDR16)},
}

var relocsMIPS = []relocEntry{
	{format.RelocAbsolute, anyEncoding, 32, uint32(elf.R_MIPS_32)},
	{format.RelocAbsolute, anyEncoding, 64, uint32(elf.R_MIPS_64)},
	{format.RelocRelative, anyEncoding, 32, rMIPSPC32},
	{format.RelocAbsolute, anyEncoding, 16, uint32(elf.R_MIPS_16)},
}
