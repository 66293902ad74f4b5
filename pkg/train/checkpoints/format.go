// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"hash/crc32"
	"io"
	"time"

	"github.com/gomlx/distrain/pkg/train/faults"
	"github.com/gomlx/distrain/pkg/train/runconfig"
	"github.com/pkg/errors"
)

const (
	// JsonNameSuffix of the metadata objects.
	JsonNameSuffix = ".json"

	// BinDataSuffix of the data objects.
	BinDataSuffix = ".bin"

	binHeader = "distrain_checkpoint"

	// BinGzip and BinUncompressed are the values of RunConfig.Compression, and the formats recorded in the
	// data file header.
	BinGzip         = "gzip"
	BinUncompressed = "none"
)

// Names of the blobs in the data file.
const (
	modelBlob     = "model"
	optimizerBlob = "optimizer"
	scheduleBlob  = "schedule"
)

// Format of the data file:
//
// ------------------------------------------------------------------
// | 0                   18 | 19  | 20   19+len | 20+len ...         |
// ------------------------------------------------------------------
// | "distrain_checkpoint"  | len |  "gzip"    | blobs, compressed  |
//
// The blobs are concatenated, and located by the index in the metadata.

type blobIndex struct {
	Name   string `json:"name"`
	Pos    int    `json:"pos"`
	Length int    `json:"length"`
}

// Metadata is the contents of the "<tag>.json" object.
type Metadata struct {
	FormatVersion int                  `json:"format_version"`
	RunID         string               `json:"run_id"`
	CreatedAt     time.Time            `json:"created_at"`
	State         *State               `json:"state"`
	Config        *runconfig.RunConfig `json:"config"`
	OptimizerKind string               `json:"optimizer_kind"`
	ScheduleKind  string               `json:"schedule_kind,omitempty"`
	BinFormat     string               `json:"bin_format"`
	Blobs         []blobIndex          `json:"blobs"`
	BinLength     int64                `json:"bin_length"`
	BinCRC32      uint32               `json:"bin_crc32"`
}

// blob returns the index entry of the given blob.
func (m *Metadata) blob(name string) (blobIndex, bool) {
	for _, b := range m.Blobs {
		if b.Name == name {
			return b, true
		}
	}
	return blobIndex{}, false
}

// encode serializes b into the metadata and data files.
func encode(b *Bundle, binFormat string) (metaJSON, bin []byte, err error) {
	if b.Model == nil || b.Optimizer == nil {
		return nil, nil, errors.New("bundle requires the model and optimizer states")
	}
	meta := &Metadata{
		FormatVersion: FormatVersion,
		RunID:         b.RunID,
		CreatedAt:     b.CreatedAt,
		State:         &b.State,
		Config:        &b.Config,
		OptimizerKind: b.OptimizerKind,
		ScheduleKind:  b.ScheduleKind,
		BinFormat:     binFormat,
	}
	var payload bytes.Buffer
	add := func(name string, blob []byte) {
		meta.Blobs = append(meta.Blobs, blobIndex{Name: name, Pos: payload.Len(), Length: len(blob)})
		payload.Write(blob)
	}
	add(modelBlob, b.Model)
	add(optimizerBlob, b.Optimizer)
	if b.Schedule != nil {
		add(scheduleBlob, b.Schedule)
	}

	var buf bytes.Buffer
	buf.WriteString(binHeader)
	buf.WriteByte(byte(len(binFormat)))
	buf.WriteString(binFormat)
	switch binFormat {
	case BinGzip:
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload.Bytes()); err != nil {
			return nil, nil, errors.Wrap(err, "compress checkpoint data")
		}
		if err := zw.Close(); err != nil {
			return nil, nil, errors.Wrap(err, "compress checkpoint data")
		}
	case BinUncompressed:
		buf.Write(payload.Bytes())
	default:
		return nil, nil, faults.Newf(faults.ErrConfiguration, "unsupported checkpoint compression %q", binFormat)
	}
	bin = buf.Bytes()
	meta.BinLength = int64(len(bin))
	meta.BinCRC32 = crc32.ChecksumIEEE(bin)

	metaJSON, err = json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, nil, errors.Wrap(err, "encode checkpoint metadata")
	}
	return metaJSON, bin, nil
}

// decodeMetadata parses and checks a metadata file. Errors are faults.ErrCorruptCheckpoint.
func decodeMetadata(name string, metaJSON []byte) (*Metadata, error) {
	corrupt := func(format string, args ...any) error {
		return faults.Newf(faults.ErrCorruptCheckpoint, "%s: "+format, append([]any{name}, args...)...)
	}
	meta := &Metadata{}
	if err := json.Unmarshal(metaJSON, meta); err != nil {
		return nil, faults.Wrapf(faults.ErrCorruptCheckpoint, err, "%s: invalid metadata", name)
	}
	switch {
	case meta.FormatVersion <= 0:
		return nil, corrupt("missing format_version")
	case meta.FormatVersion > FormatVersion:
		return nil, corrupt("format version %d is newer than the supported %d", meta.FormatVersion, FormatVersion)
	case meta.State == nil:
		return nil, corrupt("missing state")
	case meta.Config == nil:
		return nil, corrupt("missing config")
	case meta.OptimizerKind == "":
		return nil, corrupt("missing optimizer_kind")
	case meta.BinFormat != BinGzip && meta.BinFormat != BinUncompressed:
		return nil, corrupt("unknown bin_format %q", meta.BinFormat)
	}
	for _, required := range []string{modelBlob, optimizerBlob} {
		if _, found := meta.blob(required); !found {
			return nil, corrupt("missing %q state", required)
		}
	}
	return meta, nil
}

// decodeBin checks the data file against the metadata and builds the Bundle. Errors are
// faults.ErrCorruptCheckpoint.
func decodeBin(name string, meta *Metadata, bin []byte) (*Bundle, error) {
	corrupt := func(format string, args ...any) error {
		return faults.Newf(faults.ErrCorruptCheckpoint, "%s: "+format, append([]any{name}, args...)...)
	}
	if int64(len(bin)) != meta.BinLength {
		return nil, corrupt("data file has %d bytes, metadata expects %d", len(bin), meta.BinLength)
	}
	if crc := crc32.ChecksumIEEE(bin); crc != meta.BinCRC32 {
		return nil, corrupt("data file checksum %08x doesn't match %08x", crc, meta.BinCRC32)
	}
	lenHeader := len(binHeader)
	if len(bin) < lenHeader+1 || string(bin[:lenHeader]) != binHeader {
		return nil, corrupt("invalid data file header")
	}
	lenFormat := int(bin[lenHeader])
	start := lenHeader + 1 + lenFormat
	if len(bin) < start {
		return nil, corrupt("truncated data file header")
	}
	if format := string(bin[lenHeader+1 : start]); format != meta.BinFormat {
		return nil, corrupt("data file format %q doesn't match metadata %q", format, meta.BinFormat)
	}

	payload := bin[start:]
	if meta.BinFormat == BinGzip {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, faults.Wrapf(faults.ErrCorruptCheckpoint, err, "%s: read gzip header", name)
		}
		payload, err = io.ReadAll(zr)
		if err != nil {
			return nil, faults.Wrapf(faults.ErrCorruptCheckpoint, err, "%s: decompress data", name)
		}
	}

	blob := func(name string) ([]byte, error) {
		idx, found := meta.blob(name)
		if !found {
			return nil, nil
		}
		if idx.Pos < 0 || idx.Length < 0 || idx.Pos+idx.Length > len(payload) {
			return nil, corrupt("blob %q at [%d, %d) is outside of the %d bytes of data", name, idx.Pos, idx.Pos+idx.Length, len(payload))
		}
		return bytes.Clone(payload[idx.Pos : idx.Pos+idx.Length]), nil
	}
	b := &Bundle{
		RunID:         meta.RunID,
		CreatedAt:     meta.CreatedAt,
		State:         *meta.State,
		Config:        *meta.Config,
		OptimizerKind: meta.OptimizerKind,
		ScheduleKind:  meta.ScheduleKind,
	}
	var err error
	if b.Model, err = blob(modelBlob); err != nil {
		return nil, err
	}
	if b.Optimizer, err = blob(optimizerBlob); err != nil {
		return nil, err
	}
	if b.Schedule, err = blob(scheduleBlob); err != nil {
		return nil, err
	}
	return b, nil
}
