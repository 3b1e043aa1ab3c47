//go:build fuse

package main

import (
	"log"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/kcoreman/sbfs"
)

// serveVolume mounts v at spec.MountPoint over FUSE and returns a function
// that unmounts it.
func serveVolume(spec volumeSpec, v *sbfs.Volume) (func(), error) {
	server, err := fs.Mount(spec.MountPoint, sbfs.NewFuseRoot(v), &fs.Options{})
	if err != nil {
		return nil, err
	}
	go server.Wait()
	log.Printf("sbfsd: volume %q mounted at %s", spec.Name, spec.MountPoint)
	return func() {
		if err := server.Unmount(); err != nil {
			log.Printf("sbfsd: unmount %s failed: %s", spec.MountPoint, err)
		}
	}, nil
}
