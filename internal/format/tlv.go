package format

import "fmt"

var tlvInitSuffix = []byte("$tlv$init")

// threadVariable defines a TLS symbol through a thread variable record.
//
// The record in the thread variables section is three pointers: the
// bootstrap routine, a word reserved for the runtime, and the address of
// the initial value. The symbol itself is moved onto the record, and the
// returned initializer symbol takes the data that was meant for it.
func (o *Object) threadVariable(id SymbolID) SymbolID {
	sym := o.symbols[id]
	if sym.Kind != SymbolTls {
		return id
	}
	if init, ok := o.tlvInit[id]; ok {
		return init
	}

	name := make([]byte, 0, len(sym.Name)+len(tlvInitSuffix))
	name = append(append(name, sym.Name...), tlvInitSuffix...)
	init := o.addRawSymbol(Symbol{
		Name:    name,
		Kind:    SymbolTls,
		Scope:   ScopeCompilation,
		Section: UndefinedSection,
	})

	sec, err := o.SectionID(SectionTlsVariables)
	if err != nil {
		panic(fmt.Sprintf("thread variables: %v", err))
	}
	ptr := uint64(o.arch.AddressSize())
	offset := o.AppendSectionData(sec, make([]byte, 3*ptr), ptr)
	reloc := GenericRelocation{Kind: RelocAbsolute, Encoding: EncodingGeneric, Size: uint8(ptr * 8)}
	if err := o.AddRelocation(sec, Relocation{Offset: offset, Symbol: o.tlvBootstrapSymbol(), Flags: reloc}); err != nil {
		panic(fmt.Sprintf("thread variables: %v", err))
	}
	if err := o.AddRelocation(sec, Relocation{Offset: offset + 2*ptr, Symbol: init, Flags: reloc}); err != nil {
		panic(fmt.Sprintf("thread variables: %v", err))
	}

	sym.Value = offset
	sym.Size = 3 * ptr
	sym.Section = InSection(sec)
	o.tlvInit[id] = init
	return init
}

func (o *Object) tlvBootstrapSymbol() SymbolID {
	if o.hasTLVBootstrap {
		return o.tlvBootstrap
	}
	o.tlvBootstrap = o.AddSymbol(Symbol{
		Name:    []byte("_tlv_bootstrap"),
		Kind:    SymbolText,
		Scope:   ScopeDynamic,
		Section: UndefinedSection,
	})
	o.hasTLVBootstrap = true
	return o.tlvBootstrap
}

// ThreadVariableInit returns the initializer symbol created for a TLS
// symbol, if the format indirects thread variables.
func (o *Object) ThreadVariableInit(id SymbolID) (SymbolID, bool) {
	init, ok := o.tlvInit[id]
	return init, ok
}
