package format

import (
	"fmt"
	"sync"

	"objwrite/internal/buffer"
)

// Policy is the format-specific half of an Object. Each backend package
// registers a Factory that builds a Policy bound to one Object.
//
// Requests that have no meaning for the format return an error wrapping
// ErrUnsupported.
type Policy interface {
	// SectionInfo describes the section realizing a standard section.
	SectionInfo(s StandardSection) (SectionInfo, error)
	// SubsectionName names a subsection of the section called section.
	SubsectionName(section, value []byte) ([]byte, error)
	SegmentName(s StandardSegment) []byte
	DefaultSectionFlags(s *Section) (SectionFlags, error)
	DefaultSymbolFlags(s *Symbol) (SymbolFlags, error)
	// TranslateRelocation replaces generic relocation flags with flags
	// of the format.
	TranslateRelocation(r *Relocation) error
	// AdjustAddend applies format conventions to the addend of a
	// translated relocation and reports whether it is stored in the
	// section data.
	AdjustAddend(r *Relocation) (implicit bool, err error)
	// RelocationSize returns the width in bits of the field patched by r.
	RelocationSize(r *Relocation) (int, error)
	Capabilities() Capabilities
	// Extension is the customary file name extension for objects.
	Extension() string
	// Write encodes the object.
	Write(w buffer.WritableBuffer) error
}

// Capabilities lists the optional features of a format.
type Capabilities struct {
	// SubsectionsViaSymbols means subsections are delimited by symbols
	// rather than placed in separate sections.
	SubsectionsViaSymbols bool
	// Common means SectionCommon exists.
	Common bool
	// UninitializedTLS means SectionUninitializedTls exists.
	UninitializedTLS bool
	// NamedSectionSymbols means section symbols carry the section name.
	NamedSectionSymbols bool
	// ThreadVariables means TLS symbols are defined through a record in
	// SectionTlsVariables.
	ThreadVariables bool
}

// Factory creates the policy for a new Object. It returns an error if
// the architecture or byte order is not supported by the format.
type Factory func(o *Object) (Policy, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[Format]Factory)
)

// Register makes a format available to New. It panics if the format is
// registered twice.
func Register(f Format, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[f]; dup {
		panic(fmt.Sprintf("format: %s registered twice", f))
	}
	registry[f] = factory
}

// Enabled reports whether a backend for f is linked in.
func Enabled(f Format) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[f]
	return ok
}

func lookup(f Format) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[f]
	return factory, ok
}
