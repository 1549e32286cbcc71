package format

// ComdatID identifies a COMDAT section group within an Object.
type ComdatID int

// ComdatKind selects how the linker resolves duplicate groups.
type ComdatKind int

const (
	ComdatUnknown ComdatKind = iota
	// ComdatAny keeps one group and discards the others.
	ComdatAny
	// ComdatNoDuplicates makes duplicates a link error.
	ComdatNoDuplicates
	// ComdatSameSize requires duplicates to have equal sizes.
	ComdatSameSize
	// ComdatExactMatch requires duplicates to have equal contents.
	ComdatExactMatch
	// ComdatLargest keeps the largest group.
	ComdatLargest
	// ComdatNewest keeps the most recently linked group.
	ComdatNewest
)

func (k ComdatKind) String() string {
	switch k {
	case ComdatAny:
		return "any"
	case ComdatNoDuplicates:
		return "noduplicates"
	case ComdatSameSize:
		return "samesize"
	case ComdatExactMatch:
		return "exactmatch"
	case ComdatLargest:
		return "largest"
	case ComdatNewest:
		return "newest"
	default:
		return "unknown"
	}
}

// A Comdat is a group of sections that is kept or discarded as a whole.
// Symbol is the symbol whose reference pulls in the group.
type Comdat struct {
	Kind     ComdatKind
	Symbol   SymbolID
	Sections []SectionID
}

func (o *Object) Comdat(id ComdatID) *Comdat { return o.comdats[id] }

func (o *Object) Comdats() []*Comdat { return o.comdats }

// AddComdat adds a section group and returns its ID.
func (o *Object) AddComdat(c Comdat) ComdatID {
	id := ComdatID(len(o.comdats))
	o.comdats = append(o.comdats, &c)
	return id
}
