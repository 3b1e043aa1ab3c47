package sbfs

import (
	"encoding/binary"
	"fmt"
	"log"
)

// BlockCategory tags how a data block's contents must be interpreted when
// it is freed or copy-on-written. The tag cannot be recovered from the
// block's bytes (spec §4.2, §9 "Dynamic dispatch on block type") so every
// caller of CowBlock/PutBlock must pass it explicitly.
type BlockCategory int

const (
	// CategoryData is a leaf block: file data, or the payload half of an
	// inode-data-carrier block. CoW and free never recurse into it.
	CategoryData BlockCategory = iota
	// CategoryIndex is a file's index block: B32 child data-block numbers.
	// CoW bumps each live child's refcount; free recursively puts them.
	CategoryIndex
	// CategoryDir is a directory's block. Leaf for both CoW and free.
	CategoryDir
	// CategoryInodeData is an inode-data-carrier block. It is never CoW'd
	// or freed through this layer; reclamation is driven by the
	// inode-data store (§4.3) instead.
	CategoryInodeData
)

func (c BlockCategory) String() string {
	switch c {
	case CategoryData:
		return "DATA"
	case CategoryIndex:
		return "INDEX"
	case CategoryDir:
		return "DIR"
	case CategoryInodeData:
		return "INODE_DATA"
	default:
		return fmt.Sprintf("BlockCategory(%d)", int(c))
	}
}

// metaRefcount reads and optionally rewrites the one-byte refcount for bno
// within its metadata block, latching that metadata block for the duration
// (spec §4.2 locking discipline: "never hold two metadata latches
// simultaneously").
func (v *Volume) metaRefcount(bno uint32, mutate func(cur uint8) uint8) (uint8, error) {
	if bno < v.regions.DataStart {
		return 0, fmt.Errorf("sbfs: block %d below data region: %w", bno, ErrInvalidArg)
	}
	mb, err := v.dev.GetBlock(v.regions.MetaBlock(bno))
	if err != nil {
		return 0, fmt.Errorf("sbfs: read meta block for %d: %w", bno, ErrIO)
	}
	defer mb.Release()

	shift := v.regions.MetaShift(bno)
	cur := mb.Bytes()[shift]
	if mutate != nil {
		next := mutate(cur)
		if next != cur {
			mb.Bytes()[shift] = next
			mb.MarkDirty()
		}
		return next, nil
	}
	return cur, nil
}

// AllocBlock allocates a fresh data block, sets its refcount to 1, and
// returns its number (spec §4.2 alloc_block). bfree's domain spans the
// whole device (spec §4.1: "bfree of size nr_blocks"); every block below
// data_start is marked permanently used at format time, so Alloc never
// returns one.
func (v *Volume) AllocBlock() (uint32, error) {
	bno := v.bfree.Alloc()
	if bno == 0 {
		return 0, ErrNoSpace
	}

	if _, err := v.metaRefcount(bno, func(uint8) uint8 { return 1 }); err != nil {
		v.bfree.Free(bno)
		return 0, err
	}
	return bno, nil
}

// GetBlock increments bno's refcount, sharing it with a new owner (spec
// §4.2 get_block).
func (v *Volume) GetBlock(bno uint32) error {
	if bno < v.regions.DataStart {
		return fmt.Errorf("sbfs: get_block on %d: %w", bno, ErrInvalidArg)
	}
	_, err := v.metaRefcount(bno, func(cur uint8) uint8 {
		if cur == 0 {
			log.Printf("sbfs: get_block on zero-refcount block %d", bno)
		}
		return cur + 1
	})
	return err
}

// CowBlock implements copy-on-write for *bno (spec §4.2 cow_block). It
// returns 0 if no copy was necessary (refcount was already 1, caller may
// mutate bno in place), 1 if a new block was allocated and *bno updated, or
// a negative-style error.
func (v *Volume) CowBlock(bno *uint32, category BlockCategory) (int, error) {
	old := *bno
	if old < v.regions.DataStart {
		return 0, fmt.Errorf("sbfs: cow_block on %d: %w", old, ErrInvalidArg)
	}

	// Latch the metadata block only long enough to read-and-decrement; the
	// new block is allocated after this latch is released (spec §4.2, §9).
	var refcountWasOne bool
	_, err := v.metaRefcount(old, func(cur uint8) uint8 {
		if cur == 1 {
			refcountWasOne = true
			return cur
		}
		return cur - 1
	})
	if err != nil {
		return 0, err
	}
	if refcountWasOne {
		return 0, nil
	}

	newBno, err := v.AllocBlock()
	if err != nil {
		// Roll back the decrement: restore the original owner's count.
		v.metaRefcount(old, func(cur uint8) uint8 { return cur + 1 })
		return 0, err
	}

	oldBuf, err := v.dev.GetBlock(old)
	if err != nil {
		v.PutBlock(newBno, CategoryData)
		v.metaRefcount(old, func(cur uint8) uint8 { return cur + 1 })
		return 0, fmt.Errorf("sbfs: cow read old block %d: %w", old, ErrIO)
	}
	newBuf, err := v.dev.GetBlock(newBno)
	if err != nil {
		oldBuf.Discard()
		v.PutBlock(newBno, CategoryData)
		v.metaRefcount(old, func(cur uint8) uint8 { return cur + 1 })
		return 0, fmt.Errorf("sbfs: cow read new block %d: %w", newBno, ErrIO)
	}
	copy(newBuf.Bytes(), oldBuf.Bytes())
	newBuf.MarkDirty()
	newBuf.Release()

	if category == CategoryIndex {
		var children []uint32
		for _, w := range decodeU32Slice(oldBuf.Bytes()) {
			if w != 0 {
				children = append(children, w)
			}
		}
		oldBuf.Discard()
		// Children are get_block'd only after the old block's own latch is
		// released, same discipline as the metadata latch above.
		for _, child := range children {
			if err := v.GetBlock(child); err != nil {
				log.Printf("sbfs: cow_block: failed to bump child %d of %d: %s", child, old, err)
			}
		}
	} else {
		oldBuf.Discard()
	}

	*bno = newBno
	return 1, nil
}

// PutBlock decrements bno's refcount, freeing it (and recursing into its
// children if it is an INDEX block) when the count reaches zero (spec §4.2
// put_block). INODE_DATA blocks must never be passed here; their lifecycle
// is owned by the inode-data store (§4.3).
func (v *Volume) PutBlock(bno uint32, category BlockCategory) {
	if bno < v.regions.DataStart {
		log.Printf("sbfs: put_block on out-of-range block %d", bno)
		return
	}
	var hitZero bool
	_, err := v.metaRefcount(bno, func(cur uint8) uint8 {
		if cur == 0 {
			log.Printf("sbfs: refcount underflow on put_block(%d)", bno)
			return 0
		}
		next := cur - 1
		hitZero = next == 0
		return next
	})
	if err != nil {
		log.Printf("sbfs: put_block(%d): %s", bno, err)
		return
	}
	if !hitZero {
		return
	}

	buf, err := v.dev.GetBlock(bno)
	if err != nil {
		log.Printf("sbfs: put_block(%d): failed to read for cleanup: %s", bno, err)
		return
	}

	if category == CategoryIndex {
		for _, child := range decodeU32Slice(buf.Bytes()) {
			if child == 0 {
				continue
			}
			v.PutBlock(child, CategoryData)
		}
	}

	for i := range buf.Bytes() {
		buf.Bytes()[i] = 0
	}
	buf.MarkDirty()
	buf.Release()

	v.bfree.Free(bno)
}

// decodeU32Slice reinterprets a block's bytes as B32 little-endian uint32s.
func decodeU32Slice(b []byte) []uint32 {
	out := make([]uint32, B32)
	for i := 0; i < B32; i++ {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out
}
