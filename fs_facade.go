package sbfs

import (
	"io"
	"io/fs"
	"path"
	"strings"
	"time"
)

// VolumeFS presents a Volume's live snapshot as a read-only fs.FS, for CLI
// tools (ls/cat) and anything else that only needs to walk and read the
// current view without going through the writable Inode Layer directly.
type VolumeFS struct {
	v *Volume
}

func NewVolumeFS(v *Volume) *VolumeFS { return &VolumeFS{v: v} }

var _ fs.FS = (*VolumeFS)(nil)
var _ fs.StatFS = (*VolumeFS)(nil)

func (vfs *VolumeFS) resolve(name string) (*Inode, error) {
	root, err := vfs.v.Iget(1, vfs.v.liveSnapshot())
	if err != nil {
		return nil, err
	}
	name = strings.Trim(path.Clean("/"+name), "/")
	if name == "" || name == "." {
		return root, nil
	}
	cur := root
	for _, part := range strings.Split(name, "/") {
		ino, err := vfs.v.Lookup(cur, part)
		if err != nil {
			return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
		}
		cur, err = vfs.v.Iget(ino, vfs.v.liveSnapshot())
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// Open implements fs.FS.
func (vfs *VolumeFS) Open(name string) (fs.File, error) {
	i, err := vfs.resolve(name)
	if err != nil {
		return nil, err
	}
	i.mu.Lock()
	isDir := i.Mode&S_IFMT == S_IFDIR
	i.mu.Unlock()
	if isDir {
		return &volumeDir{vfs: vfs, ino: i, name: path.Base(name)}, nil
	}
	return &volumeFile{vfs: vfs, ino: i, name: path.Base(name)}, nil
}

// Stat implements fs.StatFS.
func (vfs *VolumeFS) Stat(name string) (fs.FileInfo, error) {
	i, err := vfs.resolve(name)
	if err != nil {
		return nil, err
	}
	return &volumeFileInfo{name: path.Base(name), ino: i}, nil
}

type volumeFile struct {
	vfs  *VolumeFS
	ino  *Inode
	name string
	off  int64
}

var _ fs.File = (*volumeFile)(nil)
var _ io.ReaderAt = (*volumeFile)(nil)

func (f *volumeFile) Stat() (fs.FileInfo, error) {
	return &volumeFileInfo{name: f.name, ino: f.ino}, nil
}

func (f *volumeFile) Read(p []byte) (int, error) {
	n, err := f.vfs.v.ReadAt(f.ino, p, f.off)
	f.off += int64(n)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (f *volumeFile) ReadAt(p []byte, off int64) (int, error) {
	return f.vfs.v.ReadAt(f.ino, p, off)
}

func (f *volumeFile) Close() error { return nil }

type volumeDir struct {
	vfs     *VolumeFS
	ino     *Inode
	name    string
	entries []dirEntry
	pos     int
}

var _ fs.ReadDirFile = (*volumeDir)(nil)

func (d *volumeDir) Stat() (fs.FileInfo, error) {
	return &volumeFileInfo{name: d.name, ino: d.ino}, nil
}

func (d *volumeDir) Read([]byte) (int, error) { return 0, fs.ErrInvalid }
func (d *volumeDir) Close() error             { return nil }

func (d *volumeDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if d.entries == nil {
		d.ino.mu.Lock()
		indexBlock := d.ino.IndexBlock
		d.ino.mu.Unlock()
		entries, err := d.vfs.v.readDirBlock(indexBlock)
		if err != nil {
			return nil, err
		}
		d.entries = entries
	}

	var out []fs.DirEntry
	for d.pos < len(d.entries) {
		e := d.entries[d.pos]
		d.pos++
		child, err := d.vfs.v.Iget(e.Ino, d.vfs.v.liveSnapshot())
		if err != nil {
			continue
		}
		out = append(out, &volumeDirEntry{name: e.name(), ino: child})
		if n > 0 && len(out) >= n {
			return out, nil
		}
	}
	if n > 0 && len(out) == 0 {
		return nil, io.EOF
	}
	return out, nil
}

type volumeDirEntry struct {
	name string
	ino  *Inode
}

func (e *volumeDirEntry) Name() string { return e.name }
func (e *volumeDirEntry) IsDir() bool {
	e.ino.mu.Lock()
	defer e.ino.mu.Unlock()
	return e.ino.Mode&S_IFMT == S_IFDIR
}
func (e *volumeDirEntry) Type() fs.FileMode {
	e.ino.mu.Lock()
	defer e.ino.mu.Unlock()
	return UnixToMode(e.ino.Mode).Type()
}
func (e *volumeDirEntry) Info() (fs.FileInfo, error) {
	return &volumeFileInfo{name: e.name, ino: e.ino}, nil
}

type volumeFileInfo struct {
	name string
	ino  *Inode
}

func (fi *volumeFileInfo) Name() string { return fi.name }
func (fi *volumeFileInfo) Size() int64 {
	fi.ino.mu.Lock()
	defer fi.ino.mu.Unlock()
	return int64(fi.ino.Size)
}
func (fi *volumeFileInfo) Mode() fs.FileMode {
	fi.ino.mu.Lock()
	defer fi.ino.mu.Unlock()
	return UnixToMode(fi.ino.Mode)
}
func (fi *volumeFileInfo) ModTime() time.Time {
	fi.ino.mu.Lock()
	defer fi.ino.mu.Unlock()
	return time.Unix(int64(fi.ino.MtimeSec), int64(fi.ino.MtimeNsec))
}
func (fi *volumeFileInfo) IsDir() bool {
	fi.ino.mu.Lock()
	defer fi.ino.mu.Unlock()
	return fi.ino.Mode&S_IFMT == S_IFDIR
}
func (fi *volumeFileInfo) Sys() any { return fi.ino }
