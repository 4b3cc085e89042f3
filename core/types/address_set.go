package types

import "sort"

// AddressSet is the set of addresses a block may touch, keyed by raw bytes.
type AddressSet map[string]struct{}

func NewAddressSet() AddressSet {
	return make(AddressSet)
}

// Add ignores empty addresses.
func (s AddressSet) Add(addr []byte) {
	if len(addr) == 0 {
		return
	}
	s[string(addr)] = struct{}{}
}

func (s AddressSet) Has(addr []byte) bool {
	_, ok := s[string(addr)]
	return ok
}

// Slice returns the members in byte order.
func (s AddressSet) Slice() [][]byte {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = []byte(k)
	}
	return out
}
