package state

import (
	"fmt"
	"sort"

	coreerrors "purchain/core/errors"
	"purchain/crypto"
	"purchain/storage"
)

// Bitfield tracks which OTS leaf indices each address has consumed. Bits are
// kept in fixed-size pages of perPage indices stored under
// "ots:" ‖ address ‖ uint64be(page); index i of a page lives in byte i/8 at
// bit i%8. Pages that were never written read as all unused.
//
// A Bitfield belongs to one StateContainer; it is not safe for concurrent use.
type Bitfield struct {
	db       storage.Database
	perPage  uint64
	pageSize int
	pages    map[string][]byte
	dirty    map[string]struct{}
	seeds    map[string][]byte
}

// NewBitfield returns a Bitfield reading committed pages from db.
func NewBitfield(db storage.Database, perPage uint64) *Bitfield {
	return &Bitfield{
		db:       db,
		perPage:  perPage,
		pageSize: int((perPage + 7) / 8),
		pages:    make(map[string][]byte),
		dirty:    make(map[string]struct{}),
		seeds:    make(map[string][]byte),
	}
}

// PerPage returns the number of indices tracked by one page.
func (b *Bitfield) PerPage() uint64 { return b.perPage }

// Seed registers legacy bits for addr. Bit i of seed marks index i used; the
// bits are merged into each page the first time that page is loaded.
func (b *Bitfield) Seed(addr, seed []byte) {
	if len(seed) == 0 {
		return
	}
	b.seeds[string(addr)] = append([]byte(nil), seed...)
}

func (b *Bitfield) page(addr []byte, page uint64) ([]byte, error) {
	key := string(otsPageKey(addr, page))
	if buf, ok := b.pages[key]; ok {
		return buf, nil
	}
	buf, err := b.db.Get([]byte(key))
	switch {
	case storage.IsNotFound(err):
		buf = make([]byte, b.pageSize)
	case err != nil:
		return nil, fmt.Errorf("bitfield: load page %d of %x: %w", page, addr, err)
	case len(buf) != b.pageSize:
		return nil, coreerrors.Invariant("ots page %d of %x has %d bytes, want %d", page, addr, len(buf), b.pageSize)
	}
	if b.applySeed(addr, page, buf) {
		b.dirty[key] = struct{}{}
	}
	b.pages[key] = buf
	return buf, nil
}

// applySeed ORs the legacy bits covering page into buf and reports whether
// any new bit was set.
func (b *Bitfield) applySeed(addr []byte, page uint64, buf []byte) bool {
	seed, ok := b.seeds[string(addr)]
	if !ok {
		return false
	}
	seedBits := uint64(len(seed)) * 8
	start := page * b.perPage
	if start >= seedBits {
		return false
	}
	changed := false
	for off := uint64(0); off < b.perPage && start+off < seedBits; off++ {
		idx := start + off
		if seed[idx/8]&(1<<(idx%8)) == 0 {
			continue
		}
		mask := byte(1) << (off % 8)
		if buf[off/8]&mask == 0 {
			buf[off/8] |= mask
			changed = true
		}
	}
	return changed
}

func (b *Bitfield) capacity(addr []byte) (uint64, error) {
	height, err := crypto.HeightFromAddress(addr)
	if err != nil {
		return 0, err
	}
	return uint64(1) << height, nil
}

// IsUsed reports whether index has been consumed by addr.
func (b *Bitfield) IsUsed(addr []byte, index uint64) (bool, error) {
	buf, err := b.page(addr, index/b.perPage)
	if err != nil {
		return false, err
	}
	off := index % b.perPage
	return buf[off/8]&(1<<(off%8)) != 0, nil
}

// MarkUsed sets the bit for index and advances acct.OTSBitfieldUsedPage past
// every contiguous full page starting at its current value. A page completed
// out of order leaves the pointer alone until the gap below it is filled.
func (b *Bitfield) MarkUsed(acct *AccountState, index uint64) error {
	total, err := b.capacity(acct.Address)
	if err != nil {
		return err
	}
	if index >= total {
		return coreerrors.Invariant("ots index %d outside tree of %d leaves for %x", index, total, acct.Address)
	}
	page := index / b.perPage
	buf, err := b.page(acct.Address, page)
	if err != nil {
		return err
	}
	off := index % b.perPage
	buf[off/8] |= 1 << (off % 8)
	b.dirty[string(otsPageKey(acct.Address, page))] = struct{}{}

	for {
		full, err := b.pageFull(acct.Address, acct.OTSBitfieldUsedPage, total)
		if err != nil {
			return err
		}
		if !full {
			return nil
		}
		acct.OTSBitfieldUsedPage++
	}
}

// pageFull reports whether every index of page below total is set. Pages
// starting at or beyond total are never full.
func (b *Bitfield) pageFull(addr []byte, page, total uint64) (bool, error) {
	start := page * b.perPage
	if start >= total {
		return false, nil
	}
	n := b.perPage
	if total-start < n {
		n = total - start
	}
	buf, err := b.page(addr, page)
	if err != nil {
		return false, err
	}
	for off := uint64(0); off < n; {
		if off%8 == 0 && off+8 <= n {
			if buf[off/8] != 0xFF {
				return false, nil
			}
			off += 8
			continue
		}
		if buf[off/8]&(1<<(off%8)) == 0 {
			return false, nil
		}
		off++
	}
	return true, nil
}

// FindNextUnusedIndex returns the lowest unused index at or above
// max(start, usedPage*perPage). The boolean is false once the tree of
// 2^height leaves is exhausted.
func (b *Bitfield) FindNextUnusedIndex(acct *AccountState, start uint64) (uint64, bool, error) {
	total, err := b.capacity(acct.Address)
	if err != nil {
		return 0, false, err
	}
	from := acct.OTSBitfieldUsedPage * b.perPage
	if start > from {
		from = start
	}
	for page := from / b.perPage; page*b.perPage < total; page++ {
		base := page * b.perPage
		n := b.perPage
		if total-base < n {
			n = total - base
		}
		buf, err := b.page(acct.Address, page)
		if err != nil {
			return 0, false, err
		}
		off := uint64(0)
		if from > base {
			off = from - base
		}
		for off < n {
			if off%8 == 0 && off+8 <= n && buf[off/8] == 0xFF {
				off += 8
				continue
			}
			if buf[off/8]&(1<<(off%8)) == 0 {
				return base + off, true, nil
			}
			off++
		}
	}
	return 0, false, nil
}

// Pages returns copies of count pages of addr starting at from.
func (b *Bitfield) Pages(addr []byte, from, count uint64) ([][]byte, error) {
	out := make([][]byte, 0, count)
	for p := from; p < from+count; p++ {
		buf, err := b.page(addr, p)
		if err != nil {
			return nil, err
		}
		out = append(out, append([]byte(nil), buf...))
	}
	return out, nil
}

// Flush writes every dirty page into batch. Each page is compared with the
// committed copy read past any cache; a page that would clear a bit already
// on disk fails with ErrInvariant.
func (b *Bitfield) Flush(batch *storage.Batch) error {
	keys := make([]string, 0, len(b.dirty))
	for k := range b.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf := b.pages[k]
		committed, err := b.db.GetRaw([]byte(k))
		switch {
		case storage.IsNotFound(err):
		case err != nil:
			return fmt.Errorf("bitfield: read committed page: %w", err)
		default:
			if len(committed) != len(buf) {
				return coreerrors.Invariant("ots page %x changed size from %d to %d", []byte(k), len(committed), len(buf))
			}
			for i := range committed {
				if committed[i]&^buf[i] != 0 {
					return coreerrors.Invariant("ots page %x would clear used bits at byte %d", []byte(k), i)
				}
			}
		}
		batch.Put([]byte(k), append([]byte(nil), buf...))
	}
	b.dirty = make(map[string]struct{})
	return nil
}
