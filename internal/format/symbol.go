package format

import "fmt"

// SymbolID identifies a symbol within an Object.
type SymbolID int

type SymbolKind int

const (
	SymbolUnknown SymbolKind = iota
	SymbolText
	SymbolData
	SymbolKindSection
	SymbolFile
	SymbolLabel
	SymbolTls
)

func (k SymbolKind) String() string {
	switch k {
	case SymbolText:
		return "text"
	case SymbolData:
		return "data"
	case SymbolKindSection:
		return "section"
	case SymbolFile:
		return "file"
	case SymbolLabel:
		return "label"
	case SymbolTls:
		return "tls"
	case SymbolUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("SymbolKind(%d)", int(k))
	}
}

// linkable reports whether symbols of this kind are entered in the name
// index and receive the global prefix.
func (k SymbolKind) linkable() bool {
	return k == SymbolText || k == SymbolData || k == SymbolTls
}

// SymbolScope is the visibility of a symbol.
type SymbolScope int

const (
	// ScopeUnknown is only valid for undefined symbols.
	ScopeUnknown SymbolScope = iota
	// ScopeCompilation is visible only within the object file.
	ScopeCompilation
	// ScopeLinkage is visible to other objects in the same linked image.
	ScopeLinkage
	// ScopeDynamic is exported from the linked image.
	ScopeDynamic
)

func (s SymbolScope) String() string {
	switch s {
	case ScopeCompilation:
		return "compilation"
	case ScopeLinkage:
		return "linkage"
	case ScopeDynamic:
		return "dynamic"
	case ScopeUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("SymbolScope(%d)", int(s))
	}
}

type symbolSectionKind uint8

const (
	symNone symbolSectionKind = iota
	symUndefined
	symAbsolute
	symCommon
	symSection
)

// SymbolSection is where a symbol is defined. The zero value is NoSection.
type SymbolSection struct {
	kind symbolSectionKind
	id   SectionID
}

var (
	NoSection        = SymbolSection{kind: symNone}
	UndefinedSection = SymbolSection{kind: symUndefined}
	AbsoluteSection  = SymbolSection{kind: symAbsolute}
	CommonSection    = SymbolSection{kind: symCommon}
)

// InSection returns the SymbolSection for a symbol defined in section id.
func InSection(id SectionID) SymbolSection {
	return SymbolSection{kind: symSection, id: id}
}

// ID returns the section the symbol is defined in, if any.
func (s SymbolSection) ID() (SectionID, bool) {
	return s.id, s.kind == symSection
}

func (s SymbolSection) IsNone() bool      { return s.kind == symNone }
func (s SymbolSection) IsUndefined() bool { return s.kind == symUndefined }
func (s SymbolSection) IsAbsolute() bool  { return s.kind == symAbsolute }
func (s SymbolSection) IsCommon() bool    { return s.kind == symCommon }

func (s SymbolSection) String() string {
	switch s.kind {
	case symUndefined:
		return "undefined"
	case symAbsolute:
		return "absolute"
	case symCommon:
		return "common"
	case symSection:
		return fmt.Sprintf("section %d", int(s.id))
	default:
		return "none"
	}
}

// A Symbol is an entry in the symbol table.
type Symbol struct {
	// Name is stored mangled once the symbol has been added.
	Name []byte
	// Value is an offset within Section, or an absolute value.
	Value   uint64
	Size    uint64
	Kind    SymbolKind
	Scope   SymbolScope
	Weak    bool
	Section SymbolSection
	// Flags are specific to the file format. nil derives them from
	// kind and scope.
	Flags SymbolFlags
}

func (s *Symbol) IsUndefined() bool { return s.Section.IsUndefined() }

// IsCommon reports whether the symbol is a common symbol placed by the linker.
func (s *Symbol) IsCommon() bool { return s.Section.IsCommon() }

// IsLocal reports whether the symbol is not visible outside the object.
func (s *Symbol) IsLocal() bool { return s.Scope == ScopeCompilation }

// IsDefined reports whether the symbol has a definition in this object.
func (s *Symbol) IsDefined() bool {
	return !s.Section.IsNone() && !s.Section.IsUndefined()
}

func (o *Object) Symbol(id SymbolID) *Symbol {
	return o.symbols[id]
}

// Symbols returns all symbols indexed by SymbolID.
func (o *Object) Symbols() []*Symbol { return o.symbols }

// SymbolID returns the symbol with the given unmangled name.
func (o *Object) SymbolID(name []byte) (SymbolID, bool) {
	id, ok := o.symbolMap[string(name)]
	return id, ok
}

// AddSymbol adds sym and returns its ID.
//
// A section symbol is not added twice: the existing symbol for the
// section is returned, with its flags replaced by sym.Flags if set.
// Named text, data and TLS symbols are entered into the name index
// and their stored name receives the global prefix of the mangling.
func (o *Object) AddSymbol(sym Symbol) SymbolID {
	if !sym.IsUndefined() && sym.Scope == ScopeUnknown {
		panic(fmt.Sprintf("defined symbol %q has no scope", sym.Name))
	}
	if sym.Kind == SymbolKindSection {
		sec, ok := sym.Section.ID()
		if !ok {
			panic("section symbol without a section")
		}
		id := o.SectionSymbol(sec)
		if sym.Flags != nil {
			o.symbols[id].Flags = sym.Flags
		}
		return id
	}
	if len(sym.Name) != 0 && sym.Kind.linkable() {
		unmangled := string(sym.Name)
		if p, ok := o.mangling.GlobalPrefix(); ok {
			name := make([]byte, 0, len(sym.Name)+1)
			sym.Name = append(append(name, p), sym.Name...)
		}
		id := o.addRawSymbol(sym)
		o.symbolMap[unmangled] = id
		return id
	}
	return o.addRawSymbol(sym)
}

func (o *Object) addRawSymbol(sym Symbol) SymbolID {
	id := SymbolID(len(o.symbols))
	o.symbols = append(o.symbols, &sym)
	return id
}

// DefaultSymbolFlags returns the flags written for sym when its Flags
// are unset. Call it once the symbol is fully defined.
func (o *Object) DefaultSymbolFlags(sym *Symbol) (SymbolFlags, error) {
	return o.policy.DefaultSymbolFlags(sym)
}

// SymbolFlags returns sym.Flags if set and the default flags otherwise.
func (o *Object) SymbolFlags(sym *Symbol) (SymbolFlags, error) {
	if sym.Flags != nil {
		return sym.Flags, nil
	}
	return o.DefaultSymbolFlags(sym)
}

// HasUninitializedTLS reports whether SectionUninitializedTls is available.
func (o *Object) HasUninitializedTLS() bool {
	return o.policy.Capabilities().UninitializedTLS
}

// HasCommon reports whether SectionCommon is available.
func (o *Object) HasCommon() bool {
	return o.policy.Capabilities().Common
}

// AddCommonSymbol adds a common symbol of the given size and alignment.
// Formats with a common section get storage allocated there; otherwise
// the symbol is left for the linker to place, with its value holding
// the alignment.
func (o *Object) AddCommonSymbol(sym Symbol, size, align uint64) (SymbolID, error) {
	checkAlign(align)
	if o.HasCommon() {
		sec, err := o.SectionID(SectionCommon)
		if err != nil {
			return 0, err
		}
		id := o.AddSymbol(sym)
		o.AddSymbolBSS(id, sec, size, align)
		return id, nil
	}
	sym.Section = CommonSection
	sym.Size = size
	sym.Value = align
	return o.AddSymbol(sym), nil
}

// AddFileSymbol adds a local symbol naming the source file.
func (o *Object) AddFileSymbol(name []byte) SymbolID {
	return o.addRawSymbol(Symbol{
		Name:    name,
		Kind:    SymbolFile,
		Scope:   ScopeCompilation,
		Section: NoSection,
	})
}

// SectionSymbol returns the symbol for section id, creating it on first use.
func (o *Object) SectionSymbol(id SectionID) SymbolID {
	sec := o.sections[id]
	if sec.hasSymbol {
		return sec.symbol
	}
	var name []byte
	if o.policy.Capabilities().NamedSectionSymbols {
		name = sec.name
	}
	sym := o.addRawSymbol(Symbol{
		Name:    name,
		Kind:    SymbolKindSection,
		Scope:   ScopeCompilation,
		Section: InSection(id),
	})
	sec.symbol, sec.hasSymbol = sym, true
	return sym
}

// AddSymbolData appends data to section sec and points the symbol at it.
// It returns the offset of the data.
//
// Thread-local symbols of formats with thread variables are redirected
// through a variable record; the caller keeps using the original ID.
func (o *Object) AddSymbolData(sym SymbolID, sec SectionID, data []byte, align uint64) uint64 {
	if len(data) == 0 && o.subsectionsViaSymbols {
		data = []byte{0}
	}
	offset := o.AppendSectionData(sec, data, align)
	o.SetSymbolData(sym, sec, offset, uint64(len(data)))
	return offset
}

// AddSymbolBSS reserves size zero bytes in section sec and points the
// symbol at them. It returns the offset of the reservation.
func (o *Object) AddSymbolBSS(sym SymbolID, sec SectionID, size, align uint64) uint64 {
	if size == 0 && o.subsectionsViaSymbols {
		size = 1
	}
	offset := o.AppendSectionBSS(sec, size, align)
	o.SetSymbolData(sym, sec, offset, size)
	return offset
}

// SetSymbolData defines the symbol as size bytes at offset in section sec.
func (o *Object) SetSymbolData(id SymbolID, sec SectionID, offset, size uint64) {
	if o.symbols[id].Scope == ScopeUnknown {
		panic(fmt.Sprintf("defined symbol %q has no scope", o.symbols[id].Name))
	}
	if o.policy.Capabilities().ThreadVariables {
		id = o.threadVariable(id)
	}
	sym := o.symbols[id]
	sym.Value = offset
	sym.Size = size
	sym.Section = InSection(sec)
}

// SymbolSectionAndOffset converts a symbol to its section symbol and the
// offset within that section. It reports false for symbols that are not
// defined in a section.
func (o *Object) SymbolSectionAndOffset(id SymbolID) (SymbolID, uint64, bool) {
	sym := o.symbols[id]
	if sym.Kind == SymbolKindSection {
		return id, 0, true
	}
	sec, ok := sym.Section.ID()
	if !ok {
		return 0, 0, false
	}
	return o.SectionSymbol(sec), sym.Value, true
}
