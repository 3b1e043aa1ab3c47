package sbfs

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Quiescer is the host-provided freeze/thaw barrier (spec §5: "The host
// provides freeze_super/thaw_super which drain all in-flight writers and
// block new ones"). The snapshot engine is its only caller.
type Quiescer interface {
	Freeze(ctx context.Context) error
	Thaw(ctx context.Context) error
}

// volumeFreeze is the default Quiescer: it takes Volume's own freezeMu for
// writing, which the directory and file operations in dir.go and file.go
// (Lookup, Create, Unlink, Rename, Truncate, WriteAt, RemapFileRange) hold
// for reading.
type volumeFreeze struct{ v *Volume }

func (q volumeFreeze) Freeze(ctx context.Context) error { q.v.freezeMu.Lock(); return nil }
func (q volumeFreeze) Thaw(ctx context.Context) error   { q.v.freezeMu.Unlock(); return nil }

func (v *Volume) quiescer() Quiescer { return volumeFreeze{v: v} }

// SnapshotCreate implements spec §4.6 snapshot_create. The inode-store walk
// drives off i_data[0] being non-zero rather than peeking the ifree bitmap
// (which exposes only Alloc/Free, not a read); an inode with a zero live
// slot is indistinguishable here from a never-allocated one, but both are
// no-ops for link_inode_data, so the walk is correct either way.
func (v *Volume) SnapshotCreate(ctx context.Context, requestedID uint32) (uint32, error) {
	v.sbMu.Lock()
	slot := -1
	for i := 1; i < MaxSnapshots; i++ {
		if v.sb.Snapshots[i].ID == 0 {
			slot = i
			break
		}
	}
	if slot < 0 {
		v.sbMu.Unlock()
		return 0, ErrNoMemory
	}

	newID := requestedID
	if newID == 0 {
		used := make(map[uint32]bool, MaxSnapshots)
		for _, s := range v.sb.Snapshots {
			used[s.ID] = true
		}
		for id := uint32(1); ; id++ {
			if !used[id] {
				newID = id
				break
			}
		}
	} else {
		for _, s := range v.sb.Snapshots {
			if s.ID == newID {
				v.sbMu.Unlock()
				return 0, ErrInvalidArg
			}
		}
	}
	v.sbMu.Unlock()

	q := v.quiescer()
	if err := q.Freeze(ctx); err != nil {
		return 0, err
	}
	defer q.Thaw(ctx)

	s := uint32(slot)
	g, _ := errgroup.WithContext(ctx)
	for ino := uint32(1); ino < v.sb.NrInodes; ino++ {
		ino := ino
		g.Go(func() error {
			idx, err := v.readInodeSlot(ino, 0)
			if err != nil {
				return nil // gap or out-of-range; not a fatal condition for the walk
			}
			if idx == 0 {
				return nil
			}
			if err := v.linkInodeData(ino, 0, s); err != nil {
				log.Printf("sbfs: snapshot_create: link_inode_data(%d,0,%d) failed: %s", ino, s, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// The contract (spec §4.6) permits a partially-applied walk to leak
		// storage but never corrupt the live view or any earlier snapshot;
		// the slot commit below simply does not happen.
		return 0, err
	}

	v.sbMu.Lock()
	v.sb.Snapshots[slot] = SnapshotInfo{Created: time.Now().Unix(), ID: newID}
	v.sbMu.Unlock()

	log.Printf("sbfs: snapshot_create: new snapshot id=%d slot=%d", newID, slot)
	return newID, nil
}

func (v *Volume) findSnapshotSlot(id uint32) (int, error) {
	if id == 0 {
		return 0, ErrInvalidArg
	}
	v.sbMu.Lock()
	defer v.sbMu.Unlock()
	for i := 1; i < MaxSnapshots; i++ {
		if v.sb.Snapshots[i].ID == id {
			return i, nil
		}
	}
	return 0, ErrNotExist
}

// SnapshotDelete implements spec §4.6 snapshot_delete.
func (v *Volume) SnapshotDelete(ctx context.Context, id uint32) error {
	slot, err := v.findSnapshotSlot(id)
	if err != nil {
		return err
	}

	q := v.quiescer()
	if err := q.Freeze(ctx); err != nil {
		return err
	}
	defer q.Thaw(ctx)

	s := uint32(slot)
	for ino := uint32(1); ino < v.sb.NrInodes; ino++ {
		idx, err := v.readInodeSlot(ino, s)
		if err != nil || idx == 0 {
			continue
		}
		h, err := v.getInodeData(ino, s, false, false)
		if err != nil {
			log.Printf("sbfs: snapshot_delete: get_inode_data(%d,%d) failed: %s", ino, s, err)
			continue
		}
		indexBlock, mode := h.Entry.IndexBlock, h.Entry.Mode
		h.Discard()

		if indexBlock != 0 {
			category := CategoryIndex
			if mode&S_IFMT == S_IFDIR {
				category = CategoryDir
			}
			v.PutBlock(indexBlock, category)
		}
		if err := v.putInodeData(ino, s); err != nil {
			log.Printf("sbfs: snapshot_delete: put_inode_data(%d,%d) failed: %s", ino, s, err)
		}
	}

	v.sbMu.Lock()
	v.sb.Snapshots[slot] = SnapshotInfo{}
	v.sbMu.Unlock()

	log.Printf("sbfs: snapshot_delete: removed snapshot id=%d slot=%d", id, slot)
	return nil
}

// SnapshotRestore implements spec §4.6 snapshot_restore.
func (v *Volume) SnapshotRestore(ctx context.Context, id uint32) error {
	slot, err := v.findSnapshotSlot(id)
	if err != nil {
		return err
	}

	q := v.quiescer()
	if err := q.Freeze(ctx); err != nil {
		return err
	}
	defer q.Thaw(ctx)

	s := uint32(slot)
	for ino := uint32(1); ino < v.sb.NrInodes; ino++ {
		idx, err := v.readInodeSlot(ino, s)
		if err != nil {
			continue
		}
		if idx == 0 {
			continue
		}
		if err := v.linkInodeData(ino, s, 0); err != nil {
			log.Printf("sbfs: snapshot_restore: link_inode_data(%d,%d,0) failed: %s", ino, s, err)
		}
	}

	v.inodes.Range(func(i *Inode) bool {
		i.mu.Lock()
		ino, mode := i.Ino, i.Mode
		i.mu.Unlock()

		err := v.ifill(i, false)
		i.mu.Lock()
		if err != nil {
			if mode&S_IFMT == S_IFDIR {
				i.dead = true
			} else {
				i.noCache = true
			}
		} else {
			i.dead = false
		}
		i.mu.Unlock()
		_ = ino
		return true
	})

	log.Printf("sbfs: snapshot_restore: restored snapshot id=%d slot=%d", id, slot)
	return nil
}

// SnapshotList implements spec §4.6 snapshot_list: one UTC-rendered line
// per named snapshot, stopping once buf is full.
func (v *Volume) SnapshotList(buf []byte) int {
	v.sbMu.Lock()
	defer v.sbMu.Unlock()

	var sb strings.Builder
	for i := 1; i < MaxSnapshots; i++ {
		s := v.sb.Snapshots[i]
		if s.ID == 0 {
			continue
		}
		line := fmt.Sprintf("%d: %s\n", s.ID, time.Unix(s.Created, 0).UTC().Format("02.01.06 15:04:05"))
		if sb.Len()+len(line) > len(buf) {
			break
		}
		sb.WriteString(line)
	}
	return copy(buf, sb.String())
}
