package coff

import (
	"fmt"

	"objwrite/internal/format"
)

// ExportStyle selects the linker directive syntax used by AddExports.
type ExportStyle int

const (
	// ExportMSVC writes /EXPORT:"name" directives for link.exe and lld-link.
	ExportMSVC ExportStyle = iota
	// ExportGNU writes -export:"name" directives for GNU ld.
	ExportGNU
)

func (s ExportStyle) String() string {
	switch s {
	case ExportMSVC:
		return "msvc"
	case ExportGNU:
		return "gnu"
	default:
		return fmt.Sprintf("ExportStyle(%d)", int(s))
	}
}

// AddExports adds a .drectve section asking the linker to export every
// symbol with dynamic scope. Symbols that are not text are exported as
// data. Call it after all symbols are added. It panics if o is not a
// COFF object.
func AddExports(o *format.Object, style ExportStyle) format.SectionID {
	if _, ok := o.Policy().(*policy); !ok {
		panic(fmt.Sprintf("coff: %s object", o.Format()))
	}
	export, data := ` /EXPORT:"`, ",DATA"
	if style == ExportGNU {
		export, data = ` -export:"`, ",data"
	}

	var directives []byte
	for _, sym := range o.Symbols() {
		if sym.Scope != format.ScopeDynamic {
			continue
		}
		directives = append(directives, export...)
		directives = append(directives, sym.Name...)
		directives = append(directives, '"')
		if sym.Kind != format.SymbolText {
			directives = append(directives, data...)
		}
	}

	sec := o.AddSection(nil, []byte(".drectve"), format.KindLinker)
	o.AppendSectionData(sec, directives, 1)
	return sec
}
