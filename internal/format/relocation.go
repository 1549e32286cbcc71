package format

import "fmt"

type RelocationKind int

const (
	// RelocAbsolute is S + A.
	RelocAbsolute RelocationKind = iota
	// RelocRelative is S + A - P.
	RelocRelative
	// RelocGot is G + A - GOT.
	RelocGot
	// RelocGotRelative is G + A - P.
	RelocGotRelative
	// RelocGotBaseRelative is GOT + A - P.
	RelocGotBaseRelative
	// RelocGotBaseOffset is S + A - GOT.
	RelocGotBaseOffset
	// RelocPltRelative is L + A - P.
	RelocPltRelative
	// RelocImageOffset is S + A - Image.
	RelocImageOffset
	// RelocSectionOffset is S + A - Section.
	RelocSectionOffset
	// RelocSectionIndex is the index of the section containing the symbol.
	RelocSectionIndex
)

func (k RelocationKind) String() string {
	switch k {
	case RelocAbsolute:
		return "absolute"
	case RelocRelative:
		return "relative"
	case RelocGot:
		return "got"
	case RelocGotRelative:
		return "got-relative"
	case RelocGotBaseRelative:
		return "got-base-relative"
	case RelocGotBaseOffset:
		return "got-base-offset"
	case RelocPltRelative:
		return "plt-relative"
	case RelocImageOffset:
		return "image-offset"
	case RelocSectionOffset:
		return "section-offset"
	case RelocSectionIndex:
		return "section-index"
	default:
		return fmt.Sprintf("RelocationKind(%d)", int(k))
	}
}

// RelocationEncoding narrows a relocation kind to a specific instruction form.
type RelocationEncoding int

const (
	EncodingGeneric RelocationEncoding = iota
	// EncodingX86Signed is a sign-extended 32-bit value.
	EncodingX86Signed
	// EncodingX86RipRelative is a RIP-relative displacement.
	EncodingX86RipRelative
	// EncodingX86RipRelativeMovq is a RIP-relative displacement in a movq
	// that the linker may relax.
	EncodingX86RipRelativeMovq
	// EncodingX86Branch is a branch target.
	EncodingX86Branch
	// EncodingAArch64Call is the 26-bit target of a bl instruction.
	EncodingAArch64Call
)

// RelocationFlags describes the type of a relocation. Callers usually
// pass a GenericRelocation, which AddRelocation translates into the
// flags of the object's format.
type RelocationFlags interface {
	relocationFlags()
}

type GenericRelocation struct {
	Kind     RelocationKind
	Encoding RelocationEncoding
	// Size is the width of the relocated field in bits.
	Size uint8
}

type ElfRelocation struct {
	RType uint32
}

type CoffRelocation struct {
	Type uint16
}

type MachORelocation struct {
	RType   uint8
	RPCRel  bool
	RLength uint8
}

type XcoffRelocation struct {
	RType uint8
	RSize uint8
}

func (GenericRelocation) relocationFlags() {}
func (ElfRelocation) relocationFlags()     {}
func (CoffRelocation) relocationFlags()    {}
func (MachORelocation) relocationFlags()   {}
func (XcoffRelocation) relocationFlags()   {}

// A Relocation patches the field at Offset with the address of Symbol
// plus Addend.
type Relocation struct {
	Offset uint64
	Symbol SymbolID
	Addend int64
	Flags  RelocationFlags
}

// AddRelocation adds a relocation to section sec.
//
// The relocation is translated to the object's format. If the format
// stores the addend in the section data, the addend is written at the
// relocation offset and the stored addend becomes zero. Relocations are
// kept in the order they are added.
//
// The referenced symbol must already exist.
func (o *Object) AddRelocation(sec SectionID, r Relocation) error {
	if r.Symbol < 0 || int(r.Symbol) >= len(o.symbols) {
		panic(fmt.Sprintf("relocation references unknown symbol %d", r.Symbol))
	}
	section := o.sections[sec]
	if err := o.policy.TranslateRelocation(&r); err != nil {
		return fmt.Errorf("section %q: %w", section.name, err)
	}
	implicit, err := o.policy.AdjustAddend(&r)
	if err != nil {
		return fmt.Errorf("section %q: %w", section.name, err)
	}
	if implicit && r.Addend != 0 {
		if err := o.writeAddend(section, &r); err != nil {
			return err
		}
		r.Addend = 0
	}
	section.relocations = append(section.relocations, r)
	return nil
}

func (o *Object) writeAddend(section *Section, r *Relocation) error {
	size, err := o.policy.RelocationSize(r)
	if err != nil {
		return fmt.Errorf("section %q: %w", section.name, err)
	}
	order := o.endian.Order()
	var b [8]byte
	switch size {
	case 8:
		b[0] = uint8(r.Addend)
	case 16:
		order.PutUint16(b[:], uint16(r.Addend))
	case 32:
		order.PutUint32(b[:], uint32(r.Addend))
	case 64:
		order.PutUint64(b[:], uint64(r.Addend))
	default:
		return Unsupportedf("implicit addend of %d bits for relocation %+v", size, *r)
	}
	return section.writeAt(r.Offset, b[:size/8])
}
