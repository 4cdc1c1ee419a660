// Package fsutil applies a configured UID:GID to files the harness creates.
package fsutil

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// OwnerConfig holds parsed UID/GID for file ownership.
type OwnerConfig struct {
	UID int
	GID int
}

// ParseOwner parses a "UID:GID" string. Returns nil if empty.
func ParseOwner(owner string) (*OwnerConfig, error) {
	if owner == "" {
		return nil, nil
	}

	uidStr, gidStr, ok := strings.Cut(owner, ":")
	if !ok || strings.Contains(gidStr, ":") {
		return nil, fmt.Errorf("invalid format %q, expected UID:GID", owner)
	}

	uid, err := strconv.Atoi(uidStr)
	if err != nil || uid < 0 {
		return nil, fmt.Errorf("invalid UID %q", uidStr)
	}

	gid, err := strconv.Atoi(gidStr)
	if err != nil || gid < 0 {
		return nil, fmt.Errorf("invalid GID %q", gidStr)
	}

	return &OwnerConfig{UID: uid, GID: gid}, nil
}

// Chown sets ownership if owner is not nil. Best-effort, ignores errors.
func Chown(path string, owner *OwnerConfig) {
	if owner == nil {
		return
	}

	_ = os.Chown(path, owner.UID, owner.GID)
}

// MkdirAll creates a directory tree and hands the leaf to owner.
func MkdirAll(path string, perm os.FileMode, owner *OwnerConfig) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return err
	}

	Chown(path, owner)

	return nil
}
