package query

import "sort"

// SortField is one key of a sort specification.
type SortField struct {
	Field string
	Desc  bool
}

// SortSpec is an ordered list of sort keys.
type SortSpec []SortField

// Apply sorts documents in place. The sort is stable and always
// tie-breaks on id so result order is deterministic for every backend;
// a missing field orders before any present value.
func (s SortSpec) Apply(docs []map[string]interface{}) {
	keys := append(SortSpec{}, s...)
	keys = append(keys, SortField{Field: "id"})

	sort.SliceStable(docs, func(i, j int) bool {
		for _, key := range keys {
			av, aok := Resolve(docs[i], key.Field)
			bv, bok := Resolve(docs[j], key.Field)
			if !aok && !bok {
				continue
			}
			if aok != bok {
				if key.Desc {
					return aok
				}
				return !aok
			}
			c, ok := Compare(av, bv)
			if !ok || c == 0 {
				continue
			}
			if key.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}
