package format

import "fmt"

// SectionID identifies a section within an Object.
type SectionID int

type SectionKind int

const (
	KindUnknown SectionKind = iota
	KindText
	KindData
	KindReadOnlyData
	KindReadOnlyDataWithRel
	KindReadOnlyString
	KindUninitializedData
	KindCommon
	KindTls
	KindUninitializedTls
	KindTlsVariables
	KindOtherString
	KindOther
	KindDebug
	KindDebugString
	KindLinker
	KindNote
	KindMetadata
)

var sectionKindNames = [...]string{
	KindUnknown:             "unknown",
	KindText:                "text",
	KindData:                "data",
	KindReadOnlyData:        "rodata",
	KindReadOnlyDataWithRel: "rodata-rel",
	KindReadOnlyString:      "rostring",
	KindUninitializedData:   "bss",
	KindCommon:              "common",
	KindTls:                 "tls",
	KindUninitializedTls:    "tbss",
	KindTlsVariables:        "tlv",
	KindOtherString:         "string",
	KindOther:               "other",
	KindDebug:               "debug",
	KindDebugString:         "debug-string",
	KindLinker:              "linker",
	KindNote:                "note",
	KindMetadata:            "metadata",
}

func (k SectionKind) String() string {
	if int(k) < len(sectionKindNames) {
		return sectionKindNames[k]
	}
	return fmt.Sprintf("SectionKind(%d)", int(k))
}

// IsBSS reports whether sections of this kind hold zero-fill data only.
func (k SectionKind) IsBSS() bool {
	return k == KindUninitializedData || k == KindUninitializedTls || k == KindCommon
}

// StandardSegment is a format-neutral segment role.
type StandardSegment int

const (
	SegmentText StandardSegment = iota
	SegmentData
	SegmentDebug
)

// StandardSection is a format-neutral section role. The concrete
// section realizing a role is chosen by the format policy.
type StandardSection int

const (
	SectionText StandardSection = iota
	SectionData
	SectionReadOnlyData
	SectionReadOnlyDataWithRel
	SectionReadOnlyString
	SectionUninitializedData
	SectionTls
	// SectionUninitializedTls is unsupported for COFF.
	SectionUninitializedTls
	// SectionTlsVariables is only supported for Mach-O.
	SectionTlsVariables
	// SectionCommon is only supported for Mach-O.
	SectionCommon
	// SectionGnuProperty is only supported for ELF.
	SectionGnuProperty

	numStandardSections
)

// Kind returns the section kind of a standard section.
func (s StandardSection) Kind() SectionKind {
	switch s {
	case SectionText:
		return KindText
	case SectionData:
		return KindData
	case SectionReadOnlyData:
		return KindReadOnlyData
	case SectionReadOnlyDataWithRel:
		return KindReadOnlyDataWithRel
	case SectionReadOnlyString:
		return KindReadOnlyString
	case SectionUninitializedData:
		return KindUninitializedData
	case SectionTls:
		return KindTls
	case SectionUninitializedTls:
		return KindUninitializedTls
	case SectionTlsVariables:
		return KindTlsVariables
	case SectionCommon:
		return KindCommon
	case SectionGnuProperty:
		return KindNote
	default:
		return KindUnknown
	}
}

func (s StandardSection) String() string {
	switch s {
	case SectionText:
		return "text"
	case SectionData:
		return "data"
	case SectionReadOnlyData:
		return "rodata"
	case SectionReadOnlyDataWithRel:
		return "rodata-rel"
	case SectionReadOnlyString:
		return "rostring"
	case SectionUninitializedData:
		return "bss"
	case SectionTls:
		return "tls"
	case SectionUninitializedTls:
		return "tbss"
	case SectionTlsVariables:
		return "tlv"
	case SectionCommon:
		return "common"
	case SectionGnuProperty:
		return "gnu-property"
	default:
		return fmt.Sprintf("StandardSection(%d)", int(s))
	}
}

// SectionInfo is a policy's description of a standard section.
type SectionInfo struct {
	Segment []byte
	Name    []byte
	Kind    SectionKind
	Flags   SectionFlags
}

// A Section is a section in an object file.
type Section struct {
	segment     []byte
	name        []byte
	kind        SectionKind
	size        uint64
	align       uint64
	data        []byte
	owned       bool
	relocations []Relocation
	symbol      SymbolID
	hasSymbol   bool

	// Flags are specific to the file format. nil derives them from the kind.
	Flags SectionFlags
}

func (s *Section) Name() []byte        { return s.name }
func (s *Section) Segment() []byte     { return s.segment }
func (s *Section) Kind() SectionKind   { return s.kind }
func (s *Section) Size() uint64        { return s.size }
func (s *Section) Align() uint64       { return s.align }
func (s *Section) IsBSS() bool         { return s.kind.IsBSS() }
func (s *Section) SetName(name []byte) { s.name = name }

// Relocations returns the relocations in the order they were added.
func (s *Section) Relocations() []Relocation { return s.relocations }

// Symbol returns the section symbol, if one has been created.
func (s *Section) Symbol() (SymbolID, bool) { return s.symbol, s.hasSymbol }

// Data returns the section contents built so far.
func (s *Section) Data() []byte {
	if s.IsBSS() {
		panic(fmt.Sprintf("section %q: data of zero-fill section", s.name))
	}
	return s.data
}

// DataMut returns the section contents for in-place modification.
func (s *Section) DataMut() []byte {
	if s.IsBSS() {
		panic(fmt.Sprintf("section %q: data of zero-fill section", s.name))
	}
	s.own()
	return s.data
}

// own replaces borrowed data with a private copy.
func (s *Section) own() {
	if !s.owned {
		s.data = append([]byte(nil), s.data...)
		s.owned = true
	}
}

func checkAlign(align uint64) {
	if align == 0 || align&(align-1) != 0 {
		panic(fmt.Sprintf("alignment %d is not a power of two", align))
	}
}

// SetData sets the contents of a section that has no data yet.
// data is used without copying until the section is next modified.
func (s *Section) SetData(data []byte, align uint64) {
	if s.IsBSS() {
		panic(fmt.Sprintf("section %q: SetData on zero-fill section", s.name))
	}
	checkAlign(align)
	if len(s.data) != 0 {
		panic(fmt.Sprintf("section %q: SetData on section with data", s.name))
	}
	s.data = data
	s.owned = false
	s.size = uint64(len(data))
	s.align = align
}

// AppendData appends data aligned to align and returns its offset.
func (s *Section) AppendData(data []byte, align uint64) uint64 {
	if s.IsBSS() {
		panic(fmt.Sprintf("section %q: AppendData on zero-fill section", s.name))
	}
	checkAlign(align)
	if s.align < align {
		s.align = align
	}
	s.own()
	offset := uint64(len(s.data))
	if r := offset & (align - 1); r != 0 {
		offset += align - r
		s.data = append(s.data, make([]byte, offset-uint64(len(s.data)))...)
	}
	s.data = append(s.data, data...)
	s.size = uint64(len(s.data))
	return offset
}

// AppendBSS reserves size zero bytes aligned to align and returns their offset.
func (s *Section) AppendBSS(size, align uint64) uint64 {
	if !s.IsBSS() {
		panic(fmt.Sprintf("section %q: AppendBSS on initialized section", s.name))
	}
	checkAlign(align)
	if s.align < align {
		s.align = align
	}
	offset := s.size
	if r := offset & (align - 1); r != 0 {
		offset += align - r
	}
	s.size = offset + size
	return offset
}

// writeAt overwrites len(p) bytes at offset. Zero-fill sections have
// no bytes to write.
func (s *Section) writeAt(offset uint64, p []byte) error {
	if s.IsBSS() {
		return &InvalidOffsetError{Section: string(s.name), Offset: offset, Size: len(p)}
	}
	data := s.DataMut()
	if offset > uint64(len(data)) || uint64(len(p)) > uint64(len(data))-offset {
		return &InvalidOffsetError{Section: string(s.name), Offset: offset, Size: len(p), Len: len(data)}
	}
	copy(data[offset:], p)
	return nil
}
