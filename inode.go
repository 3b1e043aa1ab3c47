package sbfs

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// readInodeSlot/writeInodeSlot access inode[ino].i_data[s] directly in the
// inode store (spec §3: inodes are packed ⌊B/sizeof(inode)⌋ per block).
func (v *Volume) readInodeSlot(ino, s uint32) (uint32, error) {
	if ino == 0 || ino >= v.sb.NrInodes {
		return 0, fmt.Errorf("sbfs: inode %d out of range: %w", ino, ErrInvalidArg)
	}
	b, err := v.dev.GetBlock(v.regions.InodeBlock(ino))
	if err != nil {
		return 0, fmt.Errorf("sbfs: read inode block for %d: %w", ino, ErrIO)
	}
	defer b.Discard()
	off := v.regions.InodeShift(ino)*inodeRecordSize + s*4
	return binary.LittleEndian.Uint32(b.Bytes()[off:]), nil
}

func (v *Volume) writeInodeSlot(ino, s, idx uint32) error {
	b, err := v.dev.GetBlock(v.regions.InodeBlock(ino))
	if err != nil {
		return fmt.Errorf("sbfs: write inode block for %d: %w", ino, ErrIO)
	}
	off := v.regions.InodeShift(ino)*inodeRecordSize + s*4
	binary.LittleEndian.PutUint32(b.Bytes()[off:], idx)
	b.MarkDirty()
	b.Release()
	return nil
}

// InodeCache is the host's inode cache contract (spec §4.4: "the host
// inode cache"). A mounted Volume keeps one instance for the lifetime of
// the mount.
type InodeCache interface {
	Get(ino uint32) (*Inode, bool)
	Put(ino uint32, i *Inode)
	Remove(ino uint32)
	Clear()
	Range(func(*Inode) bool)
}

type mapInodeCache struct {
	mu sync.RWMutex
	m  map[uint32]*Inode
}

func newInodeCache() InodeCache { return &mapInodeCache{m: make(map[uint32]*Inode)} }

func (c *mapInodeCache) Get(ino uint32) (*Inode, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.m[ino]
	return i, ok
}

func (c *mapInodeCache) Put(ino uint32, i *Inode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[ino] = i
}

func (c *mapInodeCache) Remove(ino uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, ino)
}

func (c *mapInodeCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m = make(map[uint32]*Inode)
}

func (c *mapInodeCache) Range(fn func(*Inode) bool) {
	c.mu.RLock()
	snap := make([]*Inode, 0, len(c.m))
	for _, i := range c.m {
		snap = append(snap, i)
	}
	c.mu.RUnlock()
	for _, i := range snap {
		if !fn(i) {
			return
		}
	}
}

// Inode is the in-memory handle augmenting an inode number with the fields
// spec §4.4 names: index_block, the snapshot it was filled from, and the
// decoded attributes a directory/file op needs without a re-read.
type Inode struct {
	mu sync.Mutex

	Ino        uint32
	IndexBlock uint32
	SnapshotID uint32

	Mode   uint32
	Uid    uint32
	Gid    uint32
	Size   uint32
	Nlink  uint32
	Blocks uint32

	CtimeSec, CtimeNsec uint32
	AtimeSec, AtimeNsec uint32
	MtimeSec, MtimeNsec uint32

	// dead marks an inode that no longer exists in the volume's current
	// live view (set by snapshot_restore, spec §4.6 step 5).
	dead bool
	// noCache marks a regular file the host should evict as soon as its
	// last reference drops, rather than keep serving stale content.
	noCache bool
}

func (v *Volume) liveSnapshot() uint32 { return v.sb.LiveSnapshotID() }

// Iget implements spec §4.4 iget: ask the host cache; fill on first sight;
// refresh on staleness.
func (v *Volume) Iget(ino, wantSnapshot uint32) (*Inode, error) {
	if i, ok := v.inodes.Get(ino); ok {
		i.mu.Lock()
		stale := i.SnapshotID != v.liveSnapshot()
		i.mu.Unlock()
		if stale {
			if err := v.ifill(i, false); err != nil {
				return nil, err
			}
		}
		return i, nil
	}

	i := &Inode{Ino: ino}
	if err := v.ifill(i, false); err != nil {
		return nil, err
	}
	v.inodes.Put(ino, i)
	return i, nil
}

// igetCreate allocates a freshly-minted inode handle and fills it with
// create_allowed = true, used only by directory create/mkdir right after
// get_free_inode.
func (v *Volume) igetCreate(ino uint32) (*Inode, error) {
	i := &Inode{Ino: ino}
	if err := v.ifill(i, true); err != nil {
		return nil, err
	}
	v.inodes.Put(ino, i)
	return i, nil
}

// ifill implements spec §4.4 ifill: read inode[ino].i_data[0] and populate
// the in-memory fields, or fail EINVAL if the inode is deleted in the live
// view and the caller isn't creating it. With createAllowed, a fresh live
// inode-data entry (refcount 1) is allocated and persisted first.
func (v *Volume) ifill(i *Inode, createAllowed bool) error {
	h, err := v.getInodeData(i.Ino, 0, createAllowed, false)
	if err != nil {
		return err
	}
	if createAllowed {
		defer h.Flush()
	} else {
		defer h.Discard()
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if h.Entry.IndexBlock == 0 && !createAllowed {
		return fmt.Errorf("sbfs: inode %d deleted in live view: %w", i.Ino, ErrInvalidArg)
	}
	i.IndexBlock = h.Entry.IndexBlock
	i.Mode = h.Entry.Mode
	i.Uid = h.Entry.Uid
	i.Gid = h.Entry.Gid
	i.Size = h.Entry.Size
	i.Nlink = h.Entry.Nlink
	i.Blocks = h.Entry.Blocks
	i.CtimeSec, i.CtimeNsec = h.Entry.CtimeSec, h.Entry.CtimeNsec
	i.AtimeSec, i.AtimeNsec = h.Entry.AtimeSec, h.Entry.AtimeNsec
	i.MtimeSec, i.MtimeNsec = h.Entry.MtimeSec, h.Entry.MtimeNsec
	i.SnapshotID = v.liveSnapshot()
	i.dead = false
	return nil
}

// writeback implements spec §4.4 writeback: CoW the live inode-data entry
// and persist i's current in-memory fields into it.
func (v *Volume) writeback(i *Inode) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.IndexBlock == 0 {
		return nil
	}

	h, err := v.getInodeData(i.Ino, 0, false, true)
	if err != nil {
		return err
	}
	h.Entry.Mode = i.Mode
	h.Entry.Uid = i.Uid
	h.Entry.Gid = i.Gid
	h.Entry.Size = i.Size
	h.Entry.Nlink = i.Nlink
	h.Entry.Blocks = i.Blocks
	h.Entry.CtimeSec, h.Entry.CtimeNsec = i.CtimeSec, i.CtimeNsec
	h.Entry.AtimeSec, h.Entry.AtimeNsec = i.AtimeSec, i.AtimeNsec
	h.Entry.MtimeSec, h.Entry.MtimeNsec = i.MtimeSec, i.MtimeNsec
	h.Entry.IndexBlock = i.IndexBlock
	h.Flush()
	return nil
}
