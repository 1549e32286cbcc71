// Package embed places binary blobs into relocatable objects the way
// objcopy -I binary does, so that programs can link against them as
// _binary_<name>_start, _binary_<name>_end and _binary_<name>_size.
package embed

import (
	"fmt"
	"os"
	"strings"

	"objwrite/internal/format"
)

type Options struct {
	// Section receives the blobs. The zero value is format.SectionText,
	// so callers normally set SectionReadOnlyData.
	Section format.StandardSection
	// Align is the alignment of each blob; 0 means 1.
	Align uint64
	// Comdat places each blob in its own subsection and section group,
	// keyed by its start symbol.
	Comdat bool
	// Hidden gives the symbols linkage scope instead of dynamic scope.
	Hidden bool
}

// A Blob is one embedded input.
type Blob struct {
	Name    string
	Section format.SectionID
	Offset  uint64
	Len     uint64

	Start format.SymbolID
	End   format.SymbolID
	Size  format.SymbolID
}

type Embedder struct {
	obj   *format.Object
	opts  Options
	blobs []*Blob
	names map[string]bool
}

func New(obj *format.Object, opts Options) *Embedder {
	if opts.Align == 0 {
		opts.Align = 1
	}
	return &Embedder{
		obj:   obj,
		opts:  opts,
		names: make(map[string]bool),
	}
}

// SymbolBase turns a path into the name used between _binary_ and the
// symbol suffix. Every byte that is not a letter or digit becomes '_'.
func SymbolBase(path string) string {
	var sb strings.Builder
	sb.Grow(len(path))
	for i := 0; i < len(path); i++ {
		c := path[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			sb.WriteByte(c)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

func (e *Embedder) Blobs() []*Blob { return e.blobs }

func (e *Embedder) scope() format.SymbolScope {
	if e.opts.Hidden {
		return format.ScopeLinkage
	}
	return format.ScopeDynamic
}

// AddFile embeds the contents of the file at path.
func (e *Embedder) AddFile(path string) (*Blob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return e.Add(SymbolBase(path), data)
}

// Add embeds data under name. The object keeps data without copying.
func (e *Embedder) Add(name string, data []byte) (*Blob, error) {
	if name == "" {
		return nil, fmt.Errorf("embed: empty blob name")
	}
	if e.names[name] {
		return nil, fmt.Errorf("embed: duplicate blob %q", name)
	}

	sec, err := e.section(name)
	if err != nil {
		return nil, fmt.Errorf("embed %s: %w", name, err)
	}
	if e.obj.Section(sec).IsBSS() {
		return nil, fmt.Errorf("embed %s: section %q holds no data", name, e.obj.Section(sec).Name())
	}

	b := &Blob{Name: name, Section: sec, Len: uint64(len(data))}
	if e.opts.Comdat {
		// The subsection is new and empty.
		e.obj.SetSectionData(sec, data, e.opts.Align)
	} else {
		b.Offset = e.obj.AppendSectionData(sec, data, e.opts.Align)
	}

	prefix := "_binary_" + name
	b.Start = e.obj.AddSymbol(format.Symbol{
		Name:    []byte(prefix + "_start"),
		Kind:    format.SymbolData,
		Scope:   e.scope(),
		Section: format.UndefinedSection,
	})
	e.obj.SetSymbolData(b.Start, sec, b.Offset, b.Len)
	b.End = e.obj.AddSymbol(format.Symbol{
		Name:    []byte(prefix + "_end"),
		Kind:    format.SymbolData,
		Scope:   e.scope(),
		Section: format.UndefinedSection,
	})
	e.obj.SetSymbolData(b.End, sec, b.Offset+b.Len, 0)
	b.Size = e.obj.AddSymbol(format.Symbol{
		Name:    []byte(prefix + "_size"),
		Value:   b.Len,
		Kind:    format.SymbolData,
		Scope:   e.scope(),
		Section: format.AbsoluteSection,
	})

	if e.opts.Comdat {
		e.obj.AddComdat(format.Comdat{
			Kind:     format.ComdatAny,
			Symbol:   b.Start,
			Sections: []format.SectionID{sec},
		})
	}

	e.names[name] = true
	e.blobs = append(e.blobs, b)
	return b, nil
}

func (e *Embedder) section(name string) (format.SectionID, error) {
	if !e.opts.Comdat {
		return e.obj.SectionID(e.opts.Section)
	}
	sec, err := e.obj.AddSubsection(e.opts.Section, []byte(name))
	if err != nil {
		return 0, err
	}
	if std, ok := e.obj.StandardSection(e.opts.Section); ok && std == sec {
		return 0, format.Unsupportedf("%s section groups", e.obj.Format())
	}
	return sec, nil
}

// Table adds a data symbol called name pointing at an array with one
// {address, size} pair of pointer-sized words per blob, in the order
// the blobs were added. The address words are filled in by the linker.
func (e *Embedder) Table(name string) (format.SymbolID, error) {
	if len(e.blobs) == 0 {
		return 0, fmt.Errorf("embed: table %s: no blobs", name)
	}
	sec, err := e.obj.SectionID(format.SectionReadOnlyDataWithRel)
	if err != nil {
		return 0, fmt.Errorf("embed: table %s: %w", name, err)
	}

	ptr := e.obj.Architecture().AddressSize()
	order := e.obj.Endianness().Order()
	data := make([]byte, 2*ptr*len(e.blobs))
	for i, b := range e.blobs {
		size := data[(2*i+1)*ptr:]
		if ptr == 8 {
			order.PutUint64(size, b.Len)
		} else {
			order.PutUint32(size, uint32(b.Len))
		}
	}

	sym := e.obj.AddSymbol(format.Symbol{
		Name:    []byte(name),
		Kind:    format.SymbolData,
		Scope:   e.scope(),
		Section: format.UndefinedSection,
	})
	offset := e.obj.AddSymbolData(sym, sec, data, uint64(ptr))

	reloc := format.GenericRelocation{Kind: format.RelocAbsolute, Size: uint8(ptr * 8)}
	for i, b := range e.blobs {
		r := format.Relocation{
			Offset: offset + uint64(2*i*ptr),
			Symbol: b.Start,
			Flags:  reloc,
		}
		if err := e.obj.AddRelocation(sec, r); err != nil {
			return 0, fmt.Errorf("embed: table %s: %w", name, err)
		}
	}
	return sym, nil
}
