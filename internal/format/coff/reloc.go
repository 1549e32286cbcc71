package coff

import "objwrite/internal/format"

// Relocation types. debug/pe does not define these.
const (
	relI386Dir16   = 0x0001
	relI386Rel16   = 0x0002
	relI386Dir32   = 0x0006
	relI386Dir32NB = 0x0007
	relI386Section = 0x000a
	relI386Secrel  = 0x000b
	relI386Secrel7 = 0x000d
	relI386Rel32   = 0x0014

	relAMD64Addr64   = 0x0001
	relAMD64Addr32   = 0x0002
	relAMD64Addr32NB = 0x0003
	relAMD64Rel32    = 0x0004
	relAMD64Rel32_1  = 0x0005
	relAMD64Rel32_2  = 0x0006
	relAMD64Rel32_3  = 0x0007
	relAMD64Rel32_4  = 0x0008
	relAMD64Rel32_5  = 0x0009
	relAMD64Section  = 0x000a
	relAMD64Secrel   = 0x000b
	relAMD64Secrel7  = 0x000c

	relARMAddr32   = 0x0001
	relARMAddr32NB = 0x0002
	relARMRel32    = 0x000a
	relARMSection  = 0x000e
	relARMSecrel   = 0x000f

	relARM64Addr32   = 0x0001
	relARM64Addr32NB = 0x0002
	relARM64Branch26 = 0x0003
	relARM64Secrel   = 0x0008
	relARM64Section  = 0x000d
	relARM64Addr64   = 0x000e
	relARM64Rel32    = 0x0011
)

const anyEncoding format.RelocationEncoding = -1

type relocEntry struct {
	kind format.RelocationKind
	enc  format.RelocationEncoding
	size uint8
	typ  uint16
}

var relocsI386 = []relocEntry{
	{format.RelocAbsolute, anyEncoding, 16, relI386Dir16},
	{format.RelocRelative, anyEncoding, 16, relI386Rel16},
	{format.RelocAbsolute, anyEncoding, 32, relI386Dir32},
	{format.RelocImageOffset, anyEncoding, 32, relI386Dir32NB},
	{format.RelocSectionIndex, anyEncoding, 16, relI386Section},
	{format.RelocSectionOffset, anyEncoding, 32, relI386Secrel},
	{format.RelocSectionOffset, anyEncoding, 7, relI386Secrel7},
	{format.RelocRelative, anyEncoding, 32, relI386Rel32},
}

var relocsAMD64 = []relocEntry{
	{format.RelocAbsolute, anyEncoding, 64, relAMD64Addr64},
	{format.RelocAbsolute, anyEncoding, 32, relAMD64Addr32},
	{format.RelocImageOffset, anyEncoding, 32, relAMD64Addr32NB},
	{format.RelocRelative, anyEncoding, 32, relAMD64Rel32},
	{format.RelocPltRelative, anyEncoding, 32, relAMD64Rel32},
	{format.RelocSectionIndex, anyEncoding, 16, relAMD64Section},
	{format.RelocSectionOffset, anyEncoding, 32, relAMD64Secrel},
	{format.RelocSectionOffset, anyEncoding, 7, relAMD64Secrel7},
}

var relocsARM = []relocEntry{
	{format.RelocAbsolute, anyEncoding, 32, relARMAddr32},
	{format.RelocImageOffset, anyEncoding, 32, relARMAddr32NB},
	{format.RelocRelative, anyEncoding, 32, relARMRel32},
	{format.RelocSectionIndex, anyEncoding, 16, relARMSection},
	{format.RelocSectionOffset, anyEncoding, 32, relARMSecrel},
}

var relocsARM64 = []relocEntry{
	{format.RelocAbsolute, anyEncoding, 32, relARM64Addr32},
	{format.RelocImageOffset, anyEncoding, 32, relARM64Addr32NB},
	{format.RelocSectionIndex, anyEncoding, 16, relARM64Section},
	{format.RelocSectionOffset, anyEncoding, 32, relARM64Secrel},
	{format.RelocAbsolute, anyEncoding, 64, relARM64Addr64},
	{format.RelocRelative, anyEncoding, 32, relARM64Rel32},
	{format.RelocRelative, format.EncodingAArch64Call, 26, relARM64Branch26},
	{format.RelocPltRelative, format.EncodingAArch64Call, 26, relARM64Branch26},
}

// pcBias is the distance from the relocated field to the address a
// PC-relative relocation type is measured from.
func pcBias(machine, typ uint16) int64 {
	switch machine {
	case machineAMD64:
		switch typ {
		case relAMD64Rel32:
			return 4
		case relAMD64Rel32_1, relAMD64Rel32_2, relAMD64Rel32_3, relAMD64Rel32_4, relAMD64Rel32_5:
			return int64(typ-relAMD64Rel32_1) + 5
		}
	case machineI386:
		if typ == relI386Rel32 {
			return 4
		}
	case machineARMNT:
		if typ == relARMRel32 {
			return 4
		}
	case machineARM64:
		if typ == relARM64Rel32 {
			return 4
		}
	}
	return 0
}
