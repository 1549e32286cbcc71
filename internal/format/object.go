package format

import (
	"fmt"
	"io"

	"objwrite/internal/arch"
	"objwrite/internal/buffer"
)

// An Object is a relocatable object file under construction.
//
// An Object is not safe for concurrent use.
type Object struct {
	format  Format
	arch    arch.Arch
	subArch arch.SubArch
	endian  arch.Endianness
	policy  Policy

	sections  []*Section
	standard  map[StandardSection]SectionID
	symbols   []*Symbol
	symbolMap map[string]SymbolID
	comdats   []*Comdat

	mangling              Mangling
	subsectionsViaSymbols bool

	tlvInit         map[SymbolID]SymbolID
	tlvBootstrap    SymbolID
	hasTLVBootstrap bool

	// Flags are written to the file header. nil uses the format default.
	Flags FileFlags
}

// New returns an empty object for the given format, architecture and
// byte order. It fails with ErrFormatNotEnabled if no backend for f is
// linked in.
func New(f Format, a arch.Arch, e arch.Endianness) (*Object, error) {
	factory, ok := lookup(f)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFormatNotEnabled, f)
	}
	o := &Object{
		format:    f,
		arch:      a,
		endian:    e,
		standard:  make(map[StandardSection]SectionID),
		symbolMap: make(map[string]SymbolID),
		tlvInit:   make(map[SymbolID]SymbolID),
		mangling:  DefaultMangling(f, a),
	}
	p, err := factory(o)
	if err != nil {
		return nil, fmt.Errorf("%s object for %s: %w", f, a, err)
	}
	o.policy = p
	return o, nil
}

func (o *Object) Format() Format                    { return o.format }
func (o *Object) Architecture() arch.Arch           { return o.arch }
func (o *Object) SubArchitecture() arch.SubArch     { return o.subArch }
func (o *Object) SetSubArchitecture(s arch.SubArch) { o.subArch = s }
func (o *Object) Endianness() arch.Endianness       { return o.endian }
func (o *Object) Mangling() Mangling                { return o.mangling }

// SetMangling changes the mangling of symbols added from now on.
func (o *Object) SetMangling(m Mangling) { o.mangling = m }

// Policy returns the format policy of the object.
func (o *Object) Policy() Policy { return o.policy }

// SegmentName returns the name of a standard segment, which is empty
// for formats without segments.
func (o *Object) SegmentName(s StandardSegment) []byte {
	return o.policy.SegmentName(s)
}

func (o *Object) Section(id SectionID) *Section {
	return o.sections[id]
}

// Sections returns all sections indexed by SectionID.
func (o *Object) Sections() []*Section { return o.sections }

// SetSectionData sets the contents of a section that has no data yet.
// The object keeps data without copying until the section is modified.
func (o *Object) SetSectionData(id SectionID, data []byte, align uint64) {
	o.sections[id].SetData(data, align)
}

// AppendSectionData appends data to a section and returns its offset.
func (o *Object) AppendSectionData(id SectionID, data []byte, align uint64) uint64 {
	return o.sections[id].AppendData(data, align)
}

// AppendSectionBSS reserves zero-fill space in a section and returns its offset.
func (o *Object) AppendSectionBSS(id SectionID, size, align uint64) uint64 {
	return o.sections[id].AppendBSS(size, align)
}

// StandardSection returns the section realizing s without creating it.
func (o *Object) StandardSection(s StandardSection) (SectionID, bool) {
	id, ok := o.standard[s]
	return id, ok
}

// SectionID returns the section realizing s, creating it if needed.
func (o *Object) SectionID(s StandardSection) (SectionID, error) {
	if id, ok := o.standard[s]; ok {
		return id, nil
	}
	info, err := o.policy.SectionInfo(s)
	if err != nil {
		return 0, fmt.Errorf("standard section %s: %w", s, err)
	}
	id := o.AddSection(info.Segment, info.Name, info.Kind)
	o.sections[id].Flags = info.Flags
	return id, nil
}

// AddSection adds an empty section. The new section becomes the
// realization of every standard section not yet realized whose
// segment, name and kind it matches.
func (o *Object) AddSection(segment, name []byte, kind SectionKind) SectionID {
	id := SectionID(len(o.sections))
	sec := &Section{
		segment: segment,
		name:    name,
		kind:    kind,
		align:   1,
		owned:   true,
	}
	o.sections = append(o.sections, sec)

	for s := StandardSection(0); s < numStandardSections; s++ {
		if _, ok := o.standard[s]; ok {
			continue
		}
		info, err := o.policy.SectionInfo(s)
		if err != nil {
			continue
		}
		if info.Kind == kind && string(info.Segment) == string(segment) && string(info.Name) == string(name) {
			o.standard[s] = id
		}
	}
	return id
}

// AddSubsection returns a section for data that the linker may discard
// separately, such as a single function. Formats with subsections via
// symbols return the standard section itself.
func (o *Object) AddSubsection(s StandardSection, value []byte) (SectionID, error) {
	if o.policy.Capabilities().SubsectionsViaSymbols {
		return o.SectionID(s)
	}
	info, err := o.policy.SectionInfo(s)
	if err != nil {
		return 0, fmt.Errorf("subsection of %s: %w", s, err)
	}
	name, err := o.policy.SubsectionName(info.Name, value)
	if err != nil {
		return 0, fmt.Errorf("subsection of %s: %w", s, err)
	}
	id := o.AddSection(info.Segment, name, info.Kind)
	o.sections[id].Flags = info.Flags
	return id, nil
}

// SetSubsectionsViaSymbols marks the object as using subsections via
// symbols, for formats that support it. It must be called before any
// symbol is added.
func (o *Object) SetSubsectionsViaSymbols() {
	if !o.policy.Capabilities().SubsectionsViaSymbols {
		return
	}
	if len(o.symbols) != 0 {
		panic("SetSubsectionsViaSymbols after symbols were added")
	}
	o.subsectionsViaSymbols = true
}

// SubsectionsViaSymbols reports whether SetSubsectionsViaSymbols took effect.
func (o *Object) SubsectionsViaSymbols() bool { return o.subsectionsViaSymbols }

// DefaultSectionFlags returns the flags written for sec when its Flags
// are unset.
func (o *Object) DefaultSectionFlags(sec *Section) (SectionFlags, error) {
	return o.policy.DefaultSectionFlags(sec)
}

// SectionFlags returns sec.Flags if set and the default flags otherwise.
func (o *Object) SectionFlags(sec *Section) (SectionFlags, error) {
	if sec.Flags != nil {
		return sec.Flags, nil
	}
	return o.DefaultSectionFlags(sec)
}

// Emit encodes the object into w. On error, w may hold a partial object.
func (o *Object) Emit(w buffer.WritableBuffer) error {
	if err := o.policy.Write(w); err != nil {
		return fmt.Errorf("write %s object: %w", o.format, err)
	}
	return nil
}

// Write encodes the object into memory.
func (o *Object) Write() ([]byte, error) {
	v := buffer.NewVec()
	if err := o.Emit(v); err != nil {
		return nil, err
	}
	return v.Bytes(), nil
}

// WriteStream encodes the object to w.
func (o *Object) WriteStream(w io.Writer) error {
	s := buffer.NewStream(w)
	if err := o.Emit(s); err != nil {
		return err
	}
	return s.Flush()
}
