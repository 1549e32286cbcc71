// Package strtab builds NUL-terminated string tables with suffix sharing,
// as used by ELF, COFF, Mach-O and XCOFF symbol and section names.
package strtab

import (
	"bytes"
	"fmt"
	"sort"
)

// ID identifies a string added to a Table.
type ID int

// Table collects strings and assigns their offsets on Write.
type Table struct {
	strings [][]byte
	index   map[string]ID
	offsets []int
}

// Add adds s to the table and returns its ID. Adding the same string
// twice returns the same ID. s must not be empty.
func (t *Table) Add(s []byte) ID {
	if len(s) == 0 {
		panic("strtab: empty string")
	}
	if t.offsets != nil {
		panic("strtab: Add after Write")
	}
	if t.index == nil {
		t.index = make(map[string]ID)
	}
	if id, ok := t.index[string(s)]; ok {
		return id
	}
	id := ID(len(t.strings))
	t.strings = append(t.strings, s)
	t.index[string(s)] = id
	return id
}

func (t *Table) Len() int { return len(t.strings) }

// Offset returns the offset of id within the data produced by Write.
func (t *Table) Offset(id ID) int {
	if t.offsets == nil {
		panic("strtab: Offset before Write")
	}
	return t.offsets[id]
}

// Write appends the table to data and records each string's offset
// relative to the start of data. A string that is a suffix of another
// string shares its bytes.
func (t *Table) Write(data []byte) ([]byte, error) {
	t.offsets = make([]int, len(t.strings))

	order := make([]ID, len(t.strings))
	for i := range order {
		order[i] = ID(i)
	}
	// Sorting by reversed string puts each string right after the
	// longer strings it is a suffix of.
	sort.Slice(order, func(i, j int) bool {
		return reverseLess(t.strings[order[i]], t.strings[order[j]])
	})

	var prev []byte
	prevOff := 0
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		s := t.strings[id]
		if prev != nil && bytes.HasSuffix(prev, s) {
			t.offsets[id] = prevOff + len(prev) - len(s)
			continue
		}
		c, err := cString(s)
		if err != nil {
			return nil, fmt.Errorf("strtab: invalid name %q: %w", s, err)
		}
		t.offsets[id] = len(data)
		prev, prevOff = s, len(data)
		data = append(data, c...)
	}
	return data, nil
}

// reverseLess compares a and b from their last byte backwards.
func reverseLess(a, b []byte) bool {
	i, j := len(a)-1, len(b)-1
	for i >= 0 && j >= 0 {
		if a[i] != b[j] {
			return a[i] < b[j]
		}
		i--
		j--
	}
	return i < j
}
