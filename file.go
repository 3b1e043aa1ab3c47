package sbfs

import (
	"encoding/binary"
	"fmt"
)

func (v *Volume) readIndexEntry(indexBlock uint32, iblock uint32) (uint32, error) {
	b, err := v.dev.GetBlock(indexBlock)
	if err != nil {
		return 0, fmt.Errorf("sbfs: read index block %d: %w", indexBlock, ErrIO)
	}
	defer b.Discard()
	return binary.LittleEndian.Uint32(b.Bytes()[iblock*4:]), nil
}

func (v *Volume) writeIndexEntry(indexBlock, iblock, bno uint32) error {
	b, err := v.dev.GetBlock(indexBlock)
	if err != nil {
		return fmt.Errorf("sbfs: write index block %d: %w", indexBlock, ErrIO)
	}
	binary.LittleEndian.PutUint32(b.Bytes()[iblock*4:], bno)
	b.MarkDirty()
	b.Release()
	return nil
}

// FileGetBlock implements spec §4.5 file_get_block: resolve logical block
// iblock of inode's data to a physical block number, allocating/CoW-ing as
// requested.
func (v *Volume) FileGetBlock(inode *Inode, iblock uint32, allocate, cow bool) (uint32, error) {
	if iblock >= B32 {
		return 0, ErrFileTooBig
	}

	inode.mu.Lock()
	indexBlock := inode.IndexBlock
	inode.mu.Unlock()
	if indexBlock == 0 {
		return 0, ErrInvalidArg
	}

	if cow {
		moved, err := v.CowBlock(&indexBlock, CategoryIndex)
		if err != nil {
			return 0, err
		}
		if moved == 1 {
			inode.mu.Lock()
			inode.IndexBlock = indexBlock
			inode.mu.Unlock()
			if err := v.writeback(inode); err != nil {
				return 0, err
			}
		}
	}

	bno, err := v.readIndexEntry(indexBlock, iblock)
	if err != nil {
		return 0, err
	}

	if bno == 0 {
		if !allocate {
			return 0, nil
		}
		bno, err = v.AllocBlock()
		if err != nil {
			return 0, err
		}
		if err := v.writeIndexEntry(indexBlock, iblock, bno); err != nil {
			v.PutBlock(bno, CategoryData)
			return 0, err
		}
		return bno, nil
	}

	if cow {
		moved, err := v.CowBlock(&bno, CategoryData)
		if err != nil {
			return 0, err
		}
		if moved == 1 {
			if err := v.writeIndexEntry(indexBlock, iblock, bno); err != nil {
				return 0, err
			}
		}
	}

	return bno, nil
}

// TruncateIndex frees every non-zero entry of indexBlock at or beyond
// start, clearing it (spec §4.5 truncate_index, used by O_TRUNC and by
// write_end when a write shrinks the file).
func (v *Volume) TruncateIndex(indexBlock, start uint32) error {
	b, err := v.dev.GetBlock(indexBlock)
	if err != nil {
		return fmt.Errorf("sbfs: truncate index block %d: %w", indexBlock, ErrIO)
	}
	for i := start; i < B32; i++ {
		off := i * 4
		bno := binary.LittleEndian.Uint32(b.Bytes()[off:])
		if bno == 0 {
			continue
		}
		v.PutBlock(bno, CategoryData)
		binary.LittleEndian.PutUint32(b.Bytes()[off:], 0)
	}
	b.MarkDirty()
	b.Release()
	return nil
}

// Truncate implements the open(O_TRUNC) path of spec §4.5: CoW the index
// block, free every data block it references, and reset size/blocks.
func (v *Volume) Truncate(inode *Inode) error {
	v.freezeMu.RLock()
	defer v.freezeMu.RUnlock()

	inode.mu.Lock()
	indexBlock := inode.IndexBlock
	inode.mu.Unlock()
	if indexBlock == 0 {
		return nil
	}

	moved, err := v.CowBlock(&indexBlock, CategoryIndex)
	if err != nil {
		return err
	}
	if err := v.TruncateIndex(indexBlock, 0); err != nil {
		return err
	}

	inode.mu.Lock()
	if moved == 1 {
		inode.IndexBlock = indexBlock
	}
	inode.Size = 0
	inode.Blocks = 1
	inode.mu.Unlock()
	return v.writeback(inode)
}

// WriteEnd implements spec §4.5 write_end: after a write of n bytes at
// off, update the inode's size/blocks, truncating the tail if the file
// shrank (only possible for a write that establishes a smaller blocks
// count than currently recorded, e.g. after a shrinking overwrite ioctl).
func (v *Volume) WriteEnd(inode *Inode, off int64, n int) error {
	newSize := off + int64(n)
	inode.mu.Lock()
	if uint32(newSize) > inode.Size {
		inode.Size = uint32(newSize)
	}
	newBlocks := uint32((int64(inode.Size)+BlockSize-1)/BlockSize) + 1 // +1 for the index block itself
	shrank := newBlocks < inode.Blocks
	indexBlock := inode.IndexBlock
	inode.Blocks = newBlocks
	inode.mu.Unlock()

	if shrank {
		if err := v.TruncateIndex(indexBlock, newBlocks-1); err != nil {
			return err
		}
	}
	return v.writeback(inode)
}

// RemapFileRange implements spec §4.5 reflink. flags accepts DEDUP and
// ADVISORY only.
const (
	RemapDedup    = 1 << 0
	RemapAdvisory = 1 << 1
)

func (v *Volume) RemapFileRange(src, dst *Inode, srcOff, dstOff int64, length int64, flags uint32) (int64, error) {
	if flags&^(RemapDedup|RemapAdvisory) != 0 {
		return 0, ErrInvalidArg
	}

	v.freezeMu.RLock()
	defer v.freezeMu.RUnlock()

	src.mu.Lock()
	srcSize, srcIndexBlock := int64(src.Size), src.IndexBlock
	src.mu.Unlock()
	dst.mu.Lock()
	dstSize, dstIndexBlock, dstMode := int64(dst.Size), dst.IndexBlock, dst.Mode
	dst.mu.Unlock()

	if length <= 0 {
		length = srcSize - srcOff
	}

	// Whole-file fast path.
	if srcOff == 0 && dstOff == 0 && length == srcSize && srcSize > dstSize && srcIndexBlock != dstIndexBlock {
		if err := v.GetBlock(srcIndexBlock); err != nil {
			return 0, err
		}
		category := CategoryIndex
		if dstMode&S_IFMT == S_IFDIR {
			category = CategoryDir
		}
		if dstIndexBlock != 0 {
			v.PutBlock(dstIndexBlock, category)
		}
		dst.mu.Lock()
		dst.IndexBlock = srcIndexBlock
		dst.Size = uint32(srcSize)
		dst.MtimeSec, dst.MtimeNsec = nowStamp()
		dst.mu.Unlock()
		if err := v.writeback(dst); err != nil {
			return 0, err
		}
		return srcSize, nil
	}

	// Range path.
	sB := uint32(srcOff / BlockSize)
	dB := uint32(dstOff / BlockSize)
	nB := uint32(length / BlockSize)

	moved, err := v.CowBlock(&dstIndexBlock, CategoryIndex)
	if err != nil {
		return 0, err
	}
	if moved == 1 {
		dst.mu.Lock()
		dst.IndexBlock = dstIndexBlock
		dst.mu.Unlock()
	}

	var done int64
	for i := uint32(0); i < nB; i++ {
		srcBno, err := v.readIndexEntry(srcIndexBlock, sB+i)
		if err != nil {
			break
		}
		dstBno, err := v.readIndexEntry(dstIndexBlock, dB+i)
		if err != nil {
			break
		}
		if srcBno == dstBno {
			done += BlockSize
			continue
		}
		if err := v.GetBlock(srcBno); err != nil {
			break
		}
		if dstBno != 0 {
			v.PutBlock(dstBno, CategoryData)
		}
		if err := v.writeIndexEntry(dstIndexBlock, dB+i, srcBno); err != nil {
			break
		}
		done += BlockSize
	}

	if dstOff+done > dstSize {
		dst.mu.Lock()
		dst.Size = uint32(dstOff + done)
		newBlocks := uint32((int64(dst.Size)+BlockSize-1)/BlockSize) + 1
		if newBlocks > dst.Blocks {
			dst.Blocks = newBlocks
		}
		dst.MtimeSec, dst.MtimeNsec = nowStamp()
		dst.mu.Unlock()
	}
	if err := v.writeback(dst); err != nil {
		return done, err
	}

	return done, nil
}

// ReadAt reads up to len(p) bytes of inode's live data at offset off,
// resolving each logical block through FileGetBlock(allocate=false).
func (v *Volume) ReadAt(inode *Inode, p []byte, off int64) (int, error) {
	inode.mu.Lock()
	size := int64(inode.Size)
	inode.mu.Unlock()
	if off >= size {
		return 0, nil
	}
	if off+int64(len(p)) > size {
		p = p[:size-off]
	}

	var n int
	for n < len(p) {
		iblock := uint32((off + int64(n)) / BlockSize)
		shift := int((off + int64(n)) % BlockSize)
		bno, err := v.FileGetBlock(inode, iblock, false, false)
		if err != nil {
			return n, err
		}
		want := BlockSize - shift
		if want > len(p)-n {
			want = len(p) - n
		}
		if bno == 0 {
			for i := 0; i < want; i++ {
				p[n+i] = 0
			}
		} else {
			b, err := v.dev.GetBlock(bno)
			if err != nil {
				return n, fmt.Errorf("sbfs: read data block %d: %w", bno, ErrIO)
			}
			copy(p[n:n+want], b.Bytes()[shift:shift+want])
			b.Discard()
		}
		n += want
	}
	return n, nil
}

// WriteAt writes p into inode's data at offset off, CoW-ing each touched
// block, then calls WriteEnd to update size/blocks bookkeeping.
func (v *Volume) WriteAt(inode *Inode, p []byte, off int64) (int, error) {
	if off+int64(len(p)) > MaxFileSize {
		return 0, ErrFileTooBig
	}

	v.freezeMu.RLock()
	defer v.freezeMu.RUnlock()

	var n int
	for n < len(p) {
		iblock := uint32((off + int64(n)) / BlockSize)
		shift := int((off + int64(n)) % BlockSize)
		bno, err := v.FileGetBlock(inode, iblock, true, true)
		if err != nil {
			return n, err
		}
		want := BlockSize - shift
		if want > len(p)-n {
			want = len(p) - n
		}
		b, err := v.dev.GetBlock(bno)
		if err != nil {
			return n, fmt.Errorf("sbfs: write data block %d: %w", bno, ErrIO)
		}
		copy(b.Bytes()[shift:shift+want], p[n:n+want])
		b.MarkDirty()
		b.Release()
		n += want
	}

	if err := v.WriteEnd(inode, off, n); err != nil {
		return n, err
	}
	return n, nil
}
