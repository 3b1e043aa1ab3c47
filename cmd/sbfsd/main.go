// Command sbfsd is the multi-volume operator daemon: it mounts a set of
// configured volumes, serves each over FUSE when built with the fuse build
// tag, and periodically flushes the superblock and bitmaps of every
// mounted volume in the background.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kcoreman/sbfs"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
)

// volumeSpec is one name=image[:mountpoint] descriptor, repeatable via
// --volume. A full YAML config loader is not wired here (no YAML library is
// part of this module's locked dependency set; see DESIGN.md), so the
// daemon's configuration surface is pflag-only for now.
type volumeSpec struct {
	Name       string
	ImagePath  string
	MountPoint string
}

func parseVolumeSpec(s string) (volumeSpec, error) {
	nameRest := strings.SplitN(s, "=", 2)
	if len(nameRest) != 2 {
		return volumeSpec{}, fmt.Errorf("invalid --volume %q, want name=image[:mountpoint]", s)
	}
	pathParts := strings.SplitN(nameRest[1], ":", 2)
	vs := volumeSpec{Name: nameRest[0], ImagePath: pathParts[0]}
	if len(pathParts) == 2 {
		vs.MountPoint = pathParts[1]
	}
	return vs, nil
}

func main() {
	var volumeFlags []string
	var syncInterval time.Duration

	root := &cobra.Command{
		Use:   "sbfsd",
		Short: "Serve multiple sbfs volumes",
		RunE: func(cmd *cobra.Command, args []string) error {
			var specs []volumeSpec
			for _, vf := range volumeFlags {
				vs, err := parseVolumeSpec(vf)
				if err != nil {
					return err
				}
				specs = append(specs, vs)
			}
			if len(specs) == 0 {
				return fmt.Errorf("at least one --volume is required")
			}
			return run(specs, syncInterval)
		},
	}
	root.Flags().StringArrayVar(&volumeFlags, "volume", nil, "name=image[:mountpoint], repeatable")
	root.Flags().DurationVar(&syncInterval, "sync-interval", 5*time.Second, "background SyncFS period per volume")
	root.Flags().SortFlags = false
	_ = flag.CommandLine // pflag's global FlagSet is unused; cobra owns flag registration here.

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sbfsd:", err)
		os.Exit(1)
	}
}

type mountedVolume struct {
	spec volumeSpec
	dev  *sbfs.FileDevice
	v    *sbfs.Volume
}

func run(specs []volumeSpec, syncInterval time.Duration) error {
	var mounted []*mountedVolume
	defer func() {
		for _, m := range mounted {
			if err := m.v.SyncFS(true); err != nil {
				log.Printf("sbfsd: final sync of %s failed: %s", m.spec.Name, err)
			}
			m.v.PutSuper()
			m.dev.Close()
		}
	}()

	for _, spec := range specs {
		dev, err := sbfs.OpenFileDevice(spec.ImagePath)
		if err != nil {
			return fmt.Errorf("sbfsd: open %s: %w", spec.Name, err)
		}
		v, err := sbfs.Mount(dev)
		if err != nil {
			dev.Close()
			return fmt.Errorf("sbfsd: mount %s: %w", spec.Name, err)
		}
		log.Printf("sbfsd: volume %q ready (image=%s)", spec.Name, spec.ImagePath)
		mounted = append(mounted, &mountedVolume{spec: spec, dev: dev, v: v})
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	unmount := make([]func(), 0, len(mounted))
	for _, m := range mounted {
		if m.spec.MountPoint == "" {
			continue
		}
		u, err := serveVolume(m.spec, m.v)
		if err != nil {
			log.Printf("sbfsd: serve %s: %s", m.spec.Name, err)
			continue
		}
		unmount = append(unmount, u)
	}

	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ticker.C:
				for _, m := range mounted {
					if err := m.v.SyncFS(false); err != nil {
						log.Printf("sbfsd: background sync of %s failed: %s", m.spec.Name, err)
					}
				}
			case <-stop:
				for _, u := range unmount {
					u()
				}
				return
			}
		}
	}()

	wg.Wait()
	return nil
}
