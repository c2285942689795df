// Package cos (common OS) provides small filesystem and string helpers shared
// across the index packages: atomic-rename file writes, checksums, and the
// tiny string-set type used for enum-like validation.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"hash/crc64"
	"os"
	"strconv"

	"github.com/google/uuid"
)

const SizeofI64 = 8

var crcTable = crc64.MakeTable(crc64.ISO)

// Cksum is a named checksum value, e.g. {Ty: "crc64", Val: "1a2b3c"}.
type Cksum struct {
	Ty  string
	Val string
}

func NewCksum(ty, val string) *Cksum { return &Cksum{Ty: ty, Val: val} }

func (c *Cksum) Equal(o *Cksum) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.Ty == o.Ty && c.Val == o.Val
}

// ErrBadCksum is returned by jsp.Decode when the trailing checksum doesn't
// match the computed one.
type ErrBadCksum struct {
	Expected, Actual string
}

func (e *ErrBadCksum) Error() string {
	return "bad checksum: expected " + e.Expected + ", got " + e.Actual
}

func (*ErrBadCksum) Is(target error) bool {
	_, ok := target.(*ErrBadCksum)
	return ok
}

func ChecksumBytes(b []byte) string {
	return strconv.FormatUint(crc64.Checksum(b, crcTable), 16)
}

// GenTie returns a short random tie-breaker used to name temp files so that
// concurrent writers to the same target path never collide.
func GenTie() string {
	return uuid.NewString()[:8]
}

func CreateFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
}

func Close(f *os.File) error { return f.Close() }

func RemoveFile(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func FlushClose(f *os.File) error {
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// StringSet is a minimal set-of-strings used for enum membership checks
// (teacher: cmn.Providers).
type StringSet map[string]struct{}

func NewStringSet(keys ...string) StringSet {
	s := make(StringSet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s StringSet) Contains(k string) bool { _, ok := s[k]; return ok }
