package sbfs

import (
	"encoding/binary"
	"fmt"
	"log"
)

// InodeDataEntry is the in-memory decoding of one inode-data record (spec
// §3, §4.3): POSIX-like attributes plus the file/dir's index_block and a
// refcount shared across every (ino, snapshot) pair that points at it.
type InodeDataEntry struct {
	Mode       uint32
	Uid        uint32
	Gid        uint32
	Size       uint32
	CtimeSec   uint32
	CtimeNsec  uint32
	AtimeSec   uint32
	AtimeNsec  uint32
	MtimeSec   uint32
	MtimeNsec  uint32
	Blocks     uint32
	Nlink      uint32
	IndexBlock uint32
	Refcount   uint8
}

func decodeInodeDataEntry(b []byte) InodeDataEntry {
	var e InodeDataEntry
	e.Mode = binary.LittleEndian.Uint32(b[0:4])
	e.Uid = binary.LittleEndian.Uint32(b[4:8])
	e.Gid = binary.LittleEndian.Uint32(b[8:12])
	e.Size = binary.LittleEndian.Uint32(b[12:16])
	e.CtimeSec = binary.LittleEndian.Uint32(b[16:20])
	e.CtimeNsec = binary.LittleEndian.Uint32(b[20:24])
	e.AtimeSec = binary.LittleEndian.Uint32(b[24:28])
	e.AtimeNsec = binary.LittleEndian.Uint32(b[28:32])
	e.MtimeSec = binary.LittleEndian.Uint32(b[32:36])
	e.MtimeNsec = binary.LittleEndian.Uint32(b[36:40])
	e.Blocks = binary.LittleEndian.Uint32(b[40:44])
	e.Nlink = binary.LittleEndian.Uint32(b[44:48])
	e.IndexBlock = binary.LittleEndian.Uint32(b[48:52])
	e.Refcount = b[52]
	return e
}

func (e InodeDataEntry) encodeInto(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], e.Mode)
	binary.LittleEndian.PutUint32(b[4:8], e.Uid)
	binary.LittleEndian.PutUint32(b[8:12], e.Gid)
	binary.LittleEndian.PutUint32(b[12:16], e.Size)
	binary.LittleEndian.PutUint32(b[16:20], e.CtimeSec)
	binary.LittleEndian.PutUint32(b[20:24], e.CtimeNsec)
	binary.LittleEndian.PutUint32(b[24:28], e.AtimeSec)
	binary.LittleEndian.PutUint32(b[28:32], e.AtimeNsec)
	binary.LittleEndian.PutUint32(b[32:36], e.MtimeSec)
	binary.LittleEndian.PutUint32(b[36:40], e.MtimeNsec)
	binary.LittleEndian.PutUint32(b[40:44], e.Blocks)
	binary.LittleEndian.PutUint32(b[44:48], e.Nlink)
	binary.LittleEndian.PutUint32(b[48:52], e.IndexBlock)
	b[52] = e.Refcount
}

func entryOffset(idx uint32) int { return int(idx%IDE) * inodeDataRecordSize }

// readIdidxSlot reads the data-block number backing ididx entry idx (0 if
// not yet backed).
func (v *Volume) readIdidxSlot(idx uint32) (uint32, error) {
	b, err := v.dev.GetBlock(v.regions.IdidxBlock(idx))
	if err != nil {
		return 0, fmt.Errorf("sbfs: read ididx block for idx %d: %w", idx, ErrIO)
	}
	defer b.Discard()
	off := v.regions.IdidxIndex(idx) * 4
	return binary.LittleEndian.Uint32(b.Bytes()[off:]), nil
}

func (v *Volume) writeIdidxSlot(idx, bno uint32) error {
	b, err := v.dev.GetBlock(v.regions.IdidxBlock(idx))
	if err != nil {
		return fmt.Errorf("sbfs: write ididx block for idx %d: %w", idx, ErrIO)
	}
	off := v.regions.IdidxIndex(idx) * 4
	binary.LittleEndian.PutUint32(b.Bytes()[off:], bno)
	b.MarkDirty()
	b.Release()
	return nil
}

// inodeDataHandle pins the inode-data block backing idx and exposes the
// decoded entry for in-place mutation; the caller must Release or Discard.
type inodeDataHandle struct {
	v   *Volume
	idx uint32
	bno uint32
	buf Buffer
	Entry InodeDataEntry
}

func (h *inodeDataHandle) record() []byte {
	off := entryOffset(h.idx)
	return h.buf.Bytes()[off : off+inodeDataRecordSize]
}

// Flush writes the (possibly mutated) Entry back into the pinned buffer and
// releases it.
func (h *inodeDataHandle) Flush() {
	h.Entry.encodeInto(h.record())
	h.buf.MarkDirty()
	h.buf.Release()
}

// Discard releases the pinned buffer without writing anything back.
func (h *inodeDataHandle) Discard() { h.buf.Discard() }

// getInodeData implements §4.3 get_inode_data: resolve inode ino's i_data[s]
// slot to a pinned, decoded inode-data record, allocating as requested. If
// allocate, a fresh idx is always drawn from idfree and written into the
// slot, regardless of whatever idx (possibly shared with a snapshot) was
// there before — the CoW re-entry below must never mutate a shared entry in
// place.
func (v *Volume) getInodeData(ino, s uint32, allocate, cow bool) (*inodeDataHandle, error) {
	idx, err := v.readInodeSlot(ino, s)
	if err != nil {
		return nil, err
	}

	if idx == 0 && !allocate {
		return nil, fmt.Errorf("sbfs: inode %d has no data in slot %d: %w", ino, s, ErrInvalidArg)
	}
	if idx != 0 && !allocate && idx >= v.sb.NrInodeDataEntries {
		return nil, fmt.Errorf("sbfs: idx %d out of range: %w", idx, ErrInvalidArg)
	}

	if allocate {
		newIdx := v.idf.Alloc()
		if newIdx == 0 {
			return nil, ErrNoSpace
		}
		if err := v.writeInodeSlot(ino, s, newIdx); err != nil {
			v.idf.Free(newIdx)
			return nil, err
		}
		idx = newIdx
	}

	bno, err := v.readIdidxSlot(idx)
	if err != nil {
		return nil, err
	}
	if bno == 0 {
		if !allocate {
			return nil, fmt.Errorf("sbfs: idx %d not backed: %w", idx, ErrInvalidArg)
		}
		bno, err = v.AllocBlock()
		if err != nil {
			return nil, err
		}
		if err := v.writeIdidxSlot(idx, bno); err != nil {
			v.PutBlock(bno, CategoryData)
			return nil, err
		}
	}

	buf, err := v.dev.GetBlock(bno)
	if err != nil {
		return nil, fmt.Errorf("sbfs: read inode-data block %d: %w", bno, ErrIO)
	}

	h := &inodeDataHandle{v: v, idx: idx, bno: bno, buf: buf}
	h.Entry = decodeInodeDataEntry(h.record())

	if allocate {
		h.Entry.Refcount = 1
		return h, nil
	}

	if cow && h.Entry.Refcount > 1 {
		h.Entry.Refcount--
		h.Flush()
		return v.getInodeData(ino, s, true, true)
	}

	return h, nil
}

// linkInodeData implements §4.3 link_inode_data: share snapshot from_s's
// entry with snapshot to_s.
func (v *Volume) linkInodeData(ino, fromS, toS uint32) error {
	idxFrom, err := v.readInodeSlot(ino, fromS)
	if err != nil {
		return err
	}
	idxTo, err := v.readInodeSlot(ino, toS)
	if err != nil {
		return err
	}
	if idxFrom == idxTo {
		return nil
	}

	h, err := v.getInodeData(ino, fromS, false, false)
	if err != nil {
		return err
	}
	h.Entry.Refcount++
	indexBlock := h.Entry.IndexBlock
	h.Flush()

	if indexBlock != 0 {
		if err := v.GetBlock(indexBlock); err != nil {
			log.Printf("sbfs: link_inode_data: failed to bump index_block %d of idx %d: %s", indexBlock, idxFrom, err)
		}
	}

	if idxTo != 0 {
		if err := v.putInodeData(ino, toS); err != nil {
			log.Printf("sbfs: link_inode_data: put_inode_data(%d,%d) failed: %s", ino, toS, err)
		}
	}

	return v.writeInodeSlot(ino, toS, idxFrom)
}

// putInodeData implements §4.3 put_inode_data: drop snapshot s's reference
// to its inode-data entry, reclaiming the idx/block/inode as refcounts hit
// zero. The caller is responsible for having already put_block'd the
// entry's index_block (spec §9 note (iv)).
func (v *Volume) putInodeData(ino, s uint32) error {
	idx, err := v.readInodeSlot(ino, s)
	if err != nil {
		return err
	}
	if idx == 0 {
		return nil
	}
	if err := v.writeInodeSlot(ino, s, 0); err != nil {
		return err
	}

	bno, err := v.readIdidxSlot(idx)
	if err != nil {
		return err
	}
	if bno == 0 {
		log.Printf("sbfs: put_inode_data: idx %d has no backing block", idx)
		return nil
	}

	buf, err := v.dev.GetBlock(bno)
	if err != nil {
		return fmt.Errorf("sbfs: put_inode_data read block %d: %w", bno, ErrIO)
	}
	off := entryOffset(idx)
	rec := buf.Bytes()[off : off+inodeDataRecordSize]
	entry := decodeInodeDataEntry(rec)
	if entry.Refcount == 0 {
		log.Printf("sbfs: put_inode_data: refcount underflow on idx %d", idx)
		buf.Discard()
		return nil
	}
	entry.Refcount--
	reachedZero := entry.Refcount == 0
	if reachedZero {
		entry = InodeDataEntry{}
	}
	entry.encodeInto(rec)
	buf.MarkDirty()

	if !reachedZero {
		buf.Release()
		return v.maybeFreeInode(ino)
	}

	// Scan the whole block for any surviving live entry.
	blockEmpty := true
	for i := 0; i < IDE; i++ {
		o := i * inodeDataRecordSize
		if buf.Bytes()[o+52] != 0 {
			blockEmpty = false
			break
		}
	}
	buf.Release()

	if blockEmpty {
		v.PutBlock(bno, CategoryData)
		if err := v.writeIdidxSlot(idx, 0); err != nil {
			log.Printf("sbfs: put_inode_data: failed to clear ididx slot %d: %s", idx, err)
		}
	}
	v.idf.Free(idx)

	return v.maybeFreeInode(ino)
}

func (v *Volume) maybeFreeInode(ino uint32) error {
	allZero := true
	for s := uint32(0); s < MaxSnapshots; s++ {
		idx, err := v.readInodeSlot(ino, s)
		if err != nil {
			return err
		}
		if idx != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		v.ifree.Free(ino)
		v.inodes.Remove(ino)
	}
	return nil
}
