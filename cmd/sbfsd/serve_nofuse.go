//go:build !fuse

package main

import (
	"fmt"

	"github.com/kcoreman/sbfs"
)

// serveVolume reports that this build has no FUSE support; build with
// -tags fuse to mount volumes at their configured mount points. Without
// that tag the daemon still mounts volumes internally and keeps them
// synced, which is enough for backup/snapshot-only deployments.
func serveVolume(spec volumeSpec, v *sbfs.Volume) (func(), error) {
	return nil, fmt.Errorf("sbfsd built without fuse support, cannot mount %q at %s (rebuild with -tags fuse)", spec.Name, spec.MountPoint)
}
