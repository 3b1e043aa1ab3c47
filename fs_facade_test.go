package sbfs

import (
	"io"
	"io/fs"
	"testing"
)

func TestVolumeFSReadAndReadDir(t *testing.T) {
	v, dev := mountTempVolume(t, 512)
	defer dev.Close()

	root, _ := v.Iget(1, v.liveSnapshot())
	child, err := v.Create(root, "greeting.txt", S_IFREG|0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.WriteAt(child, []byte("hi there"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Mkdir(root, "sub", 0755); err != nil {
		t.Fatal(err)
	}

	vfs := NewVolumeFS(v)

	f, err := vfs.Open("greeting.txt")
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer f.Close()
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll: %s", err)
	}
	if string(got) != "hi there" {
		t.Fatalf("content = %q, want %q", got, "hi there")
	}

	entries, err := fs.ReadDir(vfs, ".")
	if err != nil {
		t.Fatalf("ReadDir: %s", err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name()] = e.IsDir()
	}
	if isDir, ok := names["greeting.txt"]; !ok || isDir {
		t.Fatalf("greeting.txt missing or wrongly typed in ReadDir: %v", names)
	}
	if isDir, ok := names["sub"]; !ok || !isDir {
		t.Fatalf("sub missing or wrongly typed in ReadDir: %v", names)
	}
}

func TestVolumeFSStatNotExist(t *testing.T) {
	v, dev := mountTempVolume(t, 512)
	defer dev.Close()
	vfs := NewVolumeFS(v)

	if _, err := vfs.Stat("nope"); err == nil {
		t.Fatal("Stat on missing path succeeded, want error")
	}
}
