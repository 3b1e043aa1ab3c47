// Command sbfsctl is the operator control tool: it formats new volumes and
// drives snapshot create/destroy/restore/list against a volume image, which
// it locks and mounts in-process for the duration of the command, plus
// compressed backup/restore of whole volume images.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/kcoreman/sbfs"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sbfsctl:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sbfsctl",
		Short: "Format and administer sbfs volumes",
	}
	root.AddCommand(
		mkfsCmd(),
		createCmd(),
		destroyCmd(),
		restoreCmd(),
		listCmd(),
		backupCmd(),
		restoreImageCmd(),
	)
	return root
}

func mkfsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkfs <image>",
		Short: "Initialize a new volume in an existing, pre-sized file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sbfs.Format(sbfs.FormatOptions{Path: args[0]})
		},
	}
}

func withVolume(path string, fn func(v *sbfs.Volume) error) error {
	dev, err := sbfs.OpenFileDevice(path)
	if err != nil {
		return err
	}
	defer dev.Close()

	v, err := sbfs.Mount(dev)
	if err != nil {
		return err
	}
	defer v.PutSuper()

	if err := fn(v); err != nil {
		return err
	}
	return v.SyncFS(true)
}

func parseSnapshotID(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid snapshot id %q: %w", s, err)
	}
	return uint32(n), nil
}

func createCmd() *cobra.Command {
	var requestedID uint32
	cmd := &cobra.Command{
		Use:   "create <image>",
		Short: "Create a new whole-volume snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVolume(args[0], func(v *sbfs.Volume) error {
				id, err := v.SnapshotCreate(context.Background(), requestedID)
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}
	cmd.Flags().Uint32VarP(&requestedID, "id", "i", 0, "explicit snapshot id (0 = auto-assign)")
	return cmd
}

func destroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <image> <id>",
		Short: "Delete a whole-volume snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSnapshotID(args[1])
			if err != nil {
				return err
			}
			return withVolume(args[0], func(v *sbfs.Volume) error {
				return v.SnapshotDelete(context.Background(), id)
			})
		},
	}
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <image> <id>",
		Short: "Restore the live view from a snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSnapshotID(args[1])
			if err != nil {
				return err
			}
			return withVolume(args[0], func(v *sbfs.Volume) error {
				return v.SnapshotRestore(context.Background(), id)
			})
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <image>",
		Short: "List existing snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := sbfs.OpenFileDevice(args[0])
			if err != nil {
				return err
			}
			defer dev.Close()
			v, err := sbfs.Mount(dev)
			if err != nil {
				return err
			}
			defer v.PutSuper()

			buf := make([]byte, 64*1024)
			n := v.SnapshotList(buf)
			os.Stdout.Write(buf[:n])
			return nil
		},
	}
}

// backupCmd streams a whole volume image through zstd to a destination
// file, for cold backups taken while the volume is unmounted.
func backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <image> <dest.zst>",
		Short: "Write a zstd-compressed copy of a volume image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer src.Close()

			dst, err := os.Create(args[1])
			if err != nil {
				return err
			}
			defer dst.Close()

			enc, err := zstd.NewWriter(dst)
			if err != nil {
				return err
			}
			if _, err := io.Copy(enc, src); err != nil {
				enc.Close()
				return err
			}
			return enc.Close()
		},
	}
}

func restoreImageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore-image <src.zst> <image>",
		Short: "Restore a volume image from a zstd-compressed backup",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer src.Close()

			dec, err := zstd.NewReader(src)
			if err != nil {
				return err
			}
			defer dec.Close()

			dst, err := os.Create(args[1])
			if err != nil {
				return err
			}
			defer dst.Close()

			_, err = io.Copy(dst, dec)
			return err
		},
	}
}
