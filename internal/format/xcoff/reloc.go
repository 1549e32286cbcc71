package xcoff

import "objwrite/internal/format"

// Relocation types.
const (
	rPOS = 0x00
	rREL = 0x02
	rTOC = 0x03
	rRBR = 0x1a
)

const (
	rSizeMask = 0x3f
	rSigned   = 0x80
)

const anyEncoding format.RelocationEncoding = -1

type relocEntry struct {
	kind   format.RelocationKind
	enc    format.RelocationEncoding
	size   uint8
	rtype  uint8
	signed uint8
}

var relocs = []relocEntry{
	{format.RelocAbsolute, anyEncoding, 32, rPOS, 0},
	{format.RelocAbsolute, anyEncoding, 64, rPOS, 0},
	{format.RelocRelative, anyEncoding, 32, rREL, rSigned},
	{format.RelocRelative, anyEncoding, 26, rRBR, rSigned},
	{format.RelocGotBaseOffset, anyEncoding, 16, rTOC, rSigned},
}
