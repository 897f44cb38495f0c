package symtab

import (
	"sort"
)

// Table is a sortable sequence of symbol pointers with lookup by name and by address.
// Insertion order is not significant once sorted.
type Table struct {
	symbols []*Symbol
	sorted  bool
}

// Add appends a symbol. The table becomes unsorted.
func (t *Table) Add(s *Symbol) {
	t.symbols = append(t.symbols, s)
	t.sorted = false
}

// Merge appends every symbol of o, then sorts.
func (t *Table) Merge(o *Table) {
	t.symbols = append(t.symbols, o.symbols...)
	t.Sort()
}

// Sort orders the table by name. Symbols with equal names keep their relative order.
func (t *Table) Sort() {
	sort.SliceStable(t.symbols, func(i, j int) bool { return t.symbols[i].Name < t.symbols[j].Name })
	t.sorted = true
}

// Clear drops every symbol.
func (t *Table) Clear() {
	t.symbols = nil
	t.sorted = false
}

// Len is the number of symbols.
func (t *Table) Len() int { return len(t.symbols) }

// At returns the i-th symbol.
func (t *Table) At(i int) *Symbol { return t.symbols[i] }

// FindByName returns the first symbol named name, nil when absent.
func (t *Table) FindByName(name string) *Symbol {
	if !t.sorted {
		t.Sort()
	}
	i := sort.Search(len(t.symbols), func(i int) bool { return t.symbols[i].Name >= name })
	if i < len(t.symbols) && t.symbols[i].Name == name {
		return t.symbols[i]
	}
	return nil
}

// FindByAddress returns the symbol whose address is exactly addr, nil when absent.
func (t *Table) FindByAddress(addr uintptr) *Symbol {
	for _, s := range t.symbols {
		if s.Address == addr {
			return s
		}
	}
	return nil
}

// Each calls f for every symbol in table order.
func (t *Table) Each(f func(*Symbol)) {
	for _, s := range t.symbols {
		f(s)
	}
}

// RemoveOwner drops every symbol owned by o and returns them.
func (t *Table) RemoveOwner(o Owner) (removed []*Symbol) {
	kept := t.symbols[:0]
	for _, s := range t.symbols {
		if s.Binary == o {
			removed = append(removed, s)
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(t.symbols); i++ {
		t.symbols[i] = nil
	}
	t.symbols = kept
	return
}
