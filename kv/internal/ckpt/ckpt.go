// Package ckpt holds the on-disk checkpoint layout shared by the durable
// backends.
package ckpt

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Live returns the directory of the live database.
func Live(root string) string {
	return filepath.Join(root, "live")
}

// Root returns the directory holding all checkpoints.
func Root(root string) string {
	return filepath.Join(root, "checkpoints")
}

// Path returns the directory of the checkpoint for version.
func Path(root string, version uint64) string {
	return filepath.Join(Root(root), fmt.Sprintf("%020d", version))
}

// List returns the checkpointed versions in ascending order.
func List(root string) ([]uint64, error) {
	entries, err := os.ReadDir(Root(root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	versions := make([]uint64, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		v, err := strconv.ParseUint(entry.Name(), 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

const stagingSuffix = ".tmp"

// Staging returns the directory a checkpoint for version is written to before
// it is published. List never reports staging directories.
func Staging(root string, version uint64) string {
	return Path(root, version) + stagingSuffix
}

// Publish moves the finished staging directory of version into place,
// replacing an existing checkpoint of the same version.
func Publish(root string, version uint64) error {
	target := Path(root, version)
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("clear checkpoint %d: %w", version, err)
	}
	if err := os.Rename(Staging(root, version), target); err != nil {
		return fmt.Errorf("publish checkpoint %d: %w", version, err)
	}
	return nil
}

// ClearStaging removes checkpoints left unfinished by an interrupted run.
func ClearStaging(root string) error {
	entries, err := os.ReadDir(Root(root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list checkpoints: %w", err)
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), stagingSuffix) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(Root(root), entry.Name())); err != nil {
			return fmt.Errorf("remove staging %s: %w", entry.Name(), err)
		}
	}
	return nil
}
