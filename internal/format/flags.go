package format

// SectionFlags holds section flags specific to one file format.
// A nil SectionFlags means the flags are derived from the section kind.
type SectionFlags interface {
	sectionFlags()
}

type ElfSectionFlags struct {
	ShFlags uint64
}

type CoffSectionFlags struct {
	Characteristics uint32
}

type MachOSectionFlags struct {
	Flags uint32
}

type XcoffSectionFlags struct {
	SFlags uint32
}

func (ElfSectionFlags) sectionFlags()   {}
func (CoffSectionFlags) sectionFlags()  {}
func (MachOSectionFlags) sectionFlags() {}
func (XcoffSectionFlags) sectionFlags() {}

// SymbolFlags holds symbol flags specific to one file format.
// A nil SymbolFlags means the flags are derived from kind and scope.
type SymbolFlags interface {
	symbolFlags()
}

type ElfSymbolFlags struct {
	StInfo  uint8
	StOther uint8
}

type MachOSymbolFlags struct {
	NDesc uint16
}

// CoffSectionSymbolFlags sets the COMDAT selection of a COFF section
// symbol. Associative is only used when HasAssociative is set.
type CoffSectionSymbolFlags struct {
	Selection      uint8
	Associative    SectionID
	HasAssociative bool
}

type XcoffSymbolFlags struct {
	NSclass uint8
	XSmtyp  uint8
	XSmclas uint8
}

func (ElfSymbolFlags) symbolFlags()         {}
func (MachOSymbolFlags) symbolFlags()       {}
func (CoffSectionSymbolFlags) symbolFlags() {}
func (XcoffSymbolFlags) symbolFlags()       {}

// FileFlags holds file header flags specific to one file format.
type FileFlags interface {
	fileFlags()
}

type ElfFileFlags struct {
	OSABI      uint8
	ABIVersion uint8
	EFlags     uint32
}

type CoffFileFlags struct {
	Characteristics uint16
}

type MachOFileFlags struct {
	Flags uint32
}

type XcoffFileFlags struct {
	FFlags uint16
}

func (ElfFileFlags) fileFlags()   {}
func (CoffFileFlags) fileFlags()  {}
func (MachOFileFlags) fileFlags() {}
func (XcoffFileFlags) fileFlags() {}
