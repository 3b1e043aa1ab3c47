package sbfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// dirEntry is one slot of a directory block (spec §3): a 32-bit inode
// number and a fixed, NUL-padded name. Entries are densely packed from the
// front of the block; the first zero-ino slot marks the end.
type dirEntry struct {
	Ino  uint32
	Name [FilenameLen]byte
}

func decodeDirEntry(b []byte) dirEntry {
	var e dirEntry
	e.Ino = binary.LittleEndian.Uint32(b[0:4])
	copy(e.Name[:], b[4:4+FilenameLen])
	return e
}

func (e dirEntry) encodeInto(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], e.Ino)
	copy(b[4:4+FilenameLen], e.Name[:])
}

func (e dirEntry) name() string {
	n := bytes.IndexByte(e.Name[:], 0)
	if n < 0 {
		n = len(e.Name)
	}
	return string(e.Name[:n])
}

func makeDirEntry(ino uint32, name string) (dirEntry, error) {
	if len(name) == 0 || len(name) > FilenameLen {
		return dirEntry{}, ErrNameTooLong
	}
	var e dirEntry
	e.Ino = ino
	copy(e.Name[:], name)
	return e, nil
}

// readDirBlock/writeDirBlock operate on a whole directory block at once;
// MAX_SUBFILES * dirEntrySize (128 * 32) exactly fills one 4 KiB block.
func (v *Volume) readDirBlock(bno uint32) ([]dirEntry, error) {
	b, err := v.dev.GetBlock(bno)
	if err != nil {
		return nil, fmt.Errorf("sbfs: read dir block %d: %w", bno, ErrIO)
	}
	defer b.Discard()
	entries := make([]dirEntry, 0, MaxSubfiles)
	for i := 0; i < MaxSubfiles; i++ {
		e := decodeDirEntry(b.Bytes()[i*dirEntrySize:])
		if e.Ino == 0 {
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (v *Volume) writeDirBlock(bno uint32, entries []dirEntry) error {
	b, err := v.dev.GetBlock(bno)
	if err != nil {
		return fmt.Errorf("sbfs: write dir block %d: %w", bno, ErrIO)
	}
	for i := range b.Bytes() {
		b.Bytes()[i] = 0
	}
	for i, e := range entries {
		e.encodeInto(b.Bytes()[i*dirEntrySize:])
	}
	b.MarkDirty()
	b.Release()
	return nil
}

func nowStamp() (sec, nsec uint32) {
	t := time.Now()
	return uint32(t.Unix()), uint32(t.Nanosecond())
}

// Lookup implements spec §4.4 lookup: scan dir's entries for name, updating
// dir's atime regardless of outcome.
func (v *Volume) Lookup(dir *Inode, name string) (uint32, error) {
	v.freezeMu.RLock()
	defer v.freezeMu.RUnlock()

	dir.mu.Lock()
	indexBlock := dir.IndexBlock
	dir.mu.Unlock()
	if indexBlock == 0 {
		return 0, ErrNotDirectory
	}

	entries, err := v.readDirBlock(indexBlock)
	if err != nil {
		return 0, err
	}

	dir.mu.Lock()
	dir.AtimeSec, dir.AtimeNsec = nowStamp()
	dir.mu.Unlock()
	v.writeback(dir)

	for _, e := range entries {
		if e.name() == name {
			return e.Ino, nil
		}
	}
	return 0, ErrNotExist
}

// Create implements spec §4.4 create: allocate an inode and its own index
// block, and place {ino, name} in dir's first free slot.
func (v *Volume) Create(dir *Inode, name string, mode uint32) (*Inode, error) {
	if len(name) == 0 || len(name) > FilenameLen {
		return nil, ErrNameTooLong
	}

	v.freezeMu.RLock()
	defer v.freezeMu.RUnlock()

	dir.mu.Lock()
	dirIndexBlock := dir.IndexBlock
	dir.mu.Unlock()
	if dirIndexBlock == 0 {
		return nil, ErrNotDirectory
	}

	// Check the collision/capacity conditions against dir's current block
	// before CoW-ing it: CowBlock already drops the old owner's refcount, so
	// an early return past it on ErrExist/ErrTooManyLinks would both leak
	// the new copy and leave the old block's refcount wrongly decremented.
	entries, err := v.readDirBlock(dirIndexBlock)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.name() == name {
			return nil, ErrExist
		}
	}
	if len(entries) >= MaxSubfiles {
		return nil, ErrTooManyLinks
	}

	if _, err := v.CowBlock(&dirIndexBlock, CategoryDir); err != nil {
		return nil, err
	}

	ino := v.ifree.Alloc()
	if ino == 0 {
		return nil, ErrNoSpace
	}
	child, err := v.igetCreate(ino)
	if err != nil {
		v.ifree.Free(ino)
		return nil, err
	}

	childIndexBlock, err := v.AllocBlock()
	if err != nil {
		v.ifree.Free(ino)
		return nil, err
	}
	if mode&S_IFMT == S_IFDIR {
		if err := v.writeDirBlock(childIndexBlock, nil); err != nil {
			v.PutBlock(childIndexBlock, CategoryDir)
			v.ifree.Free(ino)
			return nil, err
		}
	}

	sec, nsec := nowStamp()
	child.mu.Lock()
	child.Mode = mode
	child.IndexBlock = childIndexBlock
	child.Size = 0
	child.Blocks = 0
	if mode&S_IFMT == S_IFDIR {
		child.Size = BlockSize
		child.Blocks = 1
		child.Nlink = 2
	} else {
		child.Nlink = 1
	}
	child.CtimeSec, child.CtimeNsec = sec, nsec
	child.AtimeSec, child.AtimeNsec = sec, nsec
	child.MtimeSec, child.MtimeNsec = sec, nsec
	child.mu.Unlock()
	if err := v.writeback(child); err != nil {
		return nil, err
	}

	entries = append(entries, dirEntry{})
	newEntry, err := makeDirEntry(ino, name)
	if err != nil {
		return nil, err
	}
	entries[len(entries)-1] = newEntry
	if err := v.writeDirBlock(dirIndexBlock, entries); err != nil {
		return nil, err
	}

	dir.mu.Lock()
	dir.IndexBlock = dirIndexBlock
	dir.MtimeSec, dir.MtimeNsec = sec, nsec
	if mode&S_IFMT == S_IFDIR {
		dir.Nlink++
	}
	dir.mu.Unlock()
	if err := v.writeback(dir); err != nil {
		return nil, err
	}

	return child, nil
}

// Unlink implements spec §4.4 unlink: CoW the dir block, compact entries,
// put the child's index block, and mark the child deleted.
func (v *Volume) Unlink(dir *Inode, name string) error {
	v.freezeMu.RLock()
	defer v.freezeMu.RUnlock()

	dir.mu.Lock()
	dirIndexBlock := dir.IndexBlock
	dir.mu.Unlock()
	if dirIndexBlock == 0 {
		return ErrNotDirectory
	}

	// Find the victim against dir's current block before CoW-ing it, for
	// the same reason as Create: an ErrNotExist return past the CoW would
	// leak the new copy and leave the old block's refcount wrongly
	// decremented.
	entries, err := v.readDirBlock(dirIndexBlock)
	if err != nil {
		return err
	}
	pos := -1
	var victimIno uint32
	for i, e := range entries {
		if e.name() == name {
			pos = i
			victimIno = e.Ino
			break
		}
	}
	if pos < 0 {
		return ErrNotExist
	}

	if _, err := v.CowBlock(&dirIndexBlock, CategoryDir); err != nil {
		return err
	}

	entries = append(entries[:pos], entries[pos+1:]...)
	if err := v.writeDirBlock(dirIndexBlock, entries); err != nil {
		return err
	}

	dir.mu.Lock()
	dir.IndexBlock = dirIndexBlock
	dir.MtimeSec, dir.MtimeNsec = nowStamp()
	dir.mu.Unlock()
	if err := v.writeback(dir); err != nil {
		return err
	}

	child, err := v.Iget(victimIno, v.liveSnapshot())
	if err != nil {
		return err
	}
	child.mu.Lock()
	childIndexBlock := child.IndexBlock
	childMode := child.Mode
	child.mu.Unlock()

	category := CategoryIndex
	if childMode&S_IFMT == S_IFDIR {
		category = CategoryDir
	}
	if childIndexBlock != 0 {
		v.PutBlock(childIndexBlock, category)
	}

	child.mu.Lock()
	child.Mode = 0
	child.Size = 0
	child.IndexBlock = 0
	child.Blocks = 0
	child.CtimeSec, child.CtimeNsec = 0, 0
	child.AtimeSec, child.AtimeNsec = 0, 0
	child.MtimeSec, child.MtimeNsec = 0, 0
	if child.Nlink > 0 {
		child.Nlink--
	}
	child.mu.Unlock()
	return v.writeback(child)
}

// Mkdir is Create with a directory mode.
func (v *Volume) Mkdir(dir *Inode, name string, perm uint32) (*Inode, error) {
	return v.Create(dir, name, S_IFDIR|(perm&0777))
}

// Rmdir implements spec §4.4 rmdir: requires the child be an empty
// directory (nlink <= 2, no entries) then reuses Unlink.
func (v *Volume) Rmdir(dir *Inode, name string) error {
	childIno, err := v.Lookup(dir, name)
	if err != nil {
		return err
	}
	child, err := v.Iget(childIno, v.liveSnapshot())
	if err != nil {
		return err
	}
	child.mu.Lock()
	mode, nlink, indexBlock := child.Mode, child.Nlink, child.IndexBlock
	child.mu.Unlock()
	if mode&S_IFMT != S_IFDIR {
		return ErrNotDirectory
	}
	if nlink > 2 {
		return ErrNotEmpty
	}
	entries, err := v.readDirBlock(indexBlock)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return ErrNotEmpty
	}
	return v.Unlink(dir, name)
}

// Rename implements spec §4.4 rename. EXCHANGE/WHITEOUT flags are rejected;
// same-directory renames mutate in place, cross-directory renames insert
// then remove.
const (
	RenameExchange  = 1 << 0
	RenameWhiteout  = 1 << 1
	RenameNoReplace = 1 << 2
)

func (v *Volume) Rename(oldDir *Inode, oldName string, newDir *Inode, newName string, flags uint32) error {
	if flags&(RenameExchange|RenameWhiteout) != 0 {
		return ErrNotSupported
	}
	if len(newName) == 0 || len(newName) > FilenameLen {
		return ErrNameTooLong
	}

	v.freezeMu.RLock()
	defer v.freezeMu.RUnlock()

	oldDir.mu.Lock()
	sameDir := oldDir.Ino == newDir.Ino
	oldDirIndexBlock := oldDir.IndexBlock
	oldDir.mu.Unlock()

	if sameDir {
		// Resolve both names against oldDir's current block before CoW-ing
		// it, so an ErrExist/ErrNotExist return can't leak the copy or
		// corrupt a refcount still shared with a snapshot.
		entries, err := v.readDirBlock(oldDirIndexBlock)
		if err != nil {
			return err
		}
		pos := -1
		for i, e := range entries {
			if e.name() == newName && e.name() != oldName {
				return ErrExist
			}
			if e.name() == oldName {
				pos = i
			}
		}
		if pos < 0 {
			return ErrNotExist
		}

		if _, err := v.CowBlock(&oldDirIndexBlock, CategoryDir); err != nil {
			return err
		}
		renamed, err := makeDirEntry(entries[pos].Ino, newName)
		if err != nil {
			return err
		}
		entries[pos] = renamed
		if err := v.writeDirBlock(oldDirIndexBlock, entries); err != nil {
			return err
		}
		oldDir.mu.Lock()
		oldDir.IndexBlock = oldDirIndexBlock
		oldDir.MtimeSec, oldDir.MtimeNsec = nowStamp()
		oldDir.mu.Unlock()
		return v.writeback(oldDir)
	}

	// Resolve the victim in oldDir and check the destination name against
	// newDir's current blocks before CoW-ing either: beyond leaking a copy,
	// inserting into newDir before confirming oldName exists would leave a
	// moved entry with no matching removal.
	oldEntries, err := v.readDirBlock(oldDirIndexBlock)
	if err != nil {
		return err
	}
	pos := -1
	var ino uint32
	for i, e := range oldEntries {
		if e.name() == oldName {
			pos = i
			ino = e.Ino
			break
		}
	}
	if pos < 0 {
		return ErrNotExist
	}

	newDir.mu.Lock()
	newDirIndexBlock := newDir.IndexBlock
	newDir.mu.Unlock()
	newEntries, err := v.readDirBlock(newDirIndexBlock)
	if err != nil {
		return err
	}
	for _, e := range newEntries {
		if e.name() == newName {
			return ErrExist
		}
	}
	if len(newEntries) >= MaxSubfiles {
		return ErrTooManyLinks
	}

	if _, err := v.CowBlock(&newDirIndexBlock, CategoryDir); err != nil {
		return err
	}
	moved, err := makeDirEntry(ino, newName)
	if err != nil {
		return err
	}
	newEntries = append(newEntries, moved)
	if err := v.writeDirBlock(newDirIndexBlock, newEntries); err != nil {
		return err
	}
	newDir.mu.Lock()
	newDir.IndexBlock = newDirIndexBlock
	newDir.MtimeSec, newDir.MtimeNsec = nowStamp()
	newDir.mu.Unlock()
	if err := v.writeback(newDir); err != nil {
		return err
	}

	if _, err := v.CowBlock(&oldDirIndexBlock, CategoryDir); err != nil {
		return err
	}
	oldEntries = append(oldEntries[:pos], oldEntries[pos+1:]...)
	if err := v.writeDirBlock(oldDirIndexBlock, oldEntries); err != nil {
		return err
	}
	oldDir.mu.Lock()
	oldDir.IndexBlock = oldDirIndexBlock
	oldDir.MtimeSec, oldDir.MtimeNsec = nowStamp()
	oldDir.mu.Unlock()
	return v.writeback(oldDir)
}
