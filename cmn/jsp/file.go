// Package jsp (JSON persistence) provides utilities to store and load
// arbitrary JSON-encoded structures with a signature header and a trailing
// checksum, so that a torn write is detected rather than silently loaded.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package jsp

import (
	"bytes"
	"errors"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/metridex/agent/cmn/cos"
	"github.com/metridex/agent/cmn/debug"
)

const (
	signature = "rrdctx" // file signature
	Metaver   = 1        // current jsp version
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Save encodes v as JSON, appends a crc64 checksum, and renames the result
// into place atomically so that readers never observe a partial file.
func Save(filepath string, v interface{}) (err error) {
	tmp := filepath + ".tmp." + cos.GenTie()
	file, err := cos.CreateFile(tmp)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if nestedErr := cos.RemoveFile(tmp); nestedErr != nil {
				debug.Errorf("failed to remove %s after save error %v: %v", tmp, err, nestedErr)
			}
		}
	}()
	if err = Encode(file, v); err != nil {
		cos.Close(file)
		return err
	}
	if err = cos.FlushClose(file); err != nil {
		return err
	}
	return os.Rename(tmp, filepath)
}

// Load decodes a file written by Save, returning an error if the checksum
// fails to verify (the caller is expected to treat this as a corrupt-shadow
// condition per spec §7).
func Load(filepath string, v interface{}) (*cos.Cksum, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	cksum, err := Decode(file, v)
	if err != nil && errors.Is(err, &cos.ErrBadCksum{}) {
		if rmErr := os.Remove(filepath); rmErr != nil {
			debug.Errorf("bad checksum: failed to remove %s: %v", filepath, rmErr)
		} else {
			debug.Errorf("bad checksum: removed %s", filepath)
		}
	}
	return cksum, err
}

func Encode(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.WriteString(signature)
	buf.WriteByte('\n')
	buf.Write(body)
	buf.WriteByte('\n')
	buf.WriteString(cos.ChecksumBytes(body))
	_, err = w.Write(buf.Bytes())
	return err
}

func Decode(r io.Reader, v interface{}) (*cos.Cksum, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	sigEnd := bytes.IndexByte(raw, '\n')
	if sigEnd < 0 || string(raw[:sigEnd]) != signature {
		return nil, errors.New("jsp: bad signature")
	}
	rest := raw[sigEnd+1:]
	cksEnd := bytes.LastIndexByte(rest, '\n')
	if cksEnd < 0 {
		return nil, errors.New("jsp: missing checksum")
	}
	body := rest[:cksEnd]
	wantCksum := string(rest[cksEnd+1:])
	gotCksum := cos.ChecksumBytes(body)
	if wantCksum != gotCksum {
		return nil, &cos.ErrBadCksum{Expected: wantCksum, Actual: gotCksum}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return nil, err
	}
	return cos.NewCksum("crc64", gotCksum), nil
}
