// Package vfs implements the VFS external-interface adapter (spec §4.H):
// a per-package "drive" namespace under <home>/vfs/<package>/ (§6
// persisted state layout) with CreateDrive, Read, Write, AddZip,
// RemoveDirAll, SetSize, and Append actions, gated by drive-scoped read
// and write capabilities.
package vfs
