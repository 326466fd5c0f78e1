package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/healthdata-etl/internal/records"
)

const (
	rawFile   = "raw.json.zst"
	factsFile = "facts.parquet"
)

// Archiver writes stage handoffs to a Store with a manifest per handoff.
type Archiver struct {
	store    Store
	prefix   string
	producer ProducerInfo
	now      func() time.Time
}

// NewArchiver returns an archiver writing under prefix.
func NewArchiver(store Store, prefix string, producer ProducerInfo) *Archiver {
	if producer.SchemaVersion == "" {
		producer.SchemaVersion = records.SchemaVersion
	}
	return &Archiver{
		store:    store,
		prefix:   prefix,
		producer: producer,
		now:      time.Now,
	}
}

// Backend names the underlying store.
func (a *Archiver) Backend() string {
	return a.store.Backend()
}

// ArchiveExtract writes the raw API rows as zstd-compressed JSON and returns
// the URI of the manifest.
func (a *Archiver) ArchiveExtract(ctx context.Context, ref HandoffRef, raw []records.RawRecord) (string, error) {
	payload, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("marshal raw records: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return "", fmt.Errorf("zstd encoder: %w", err)
	}
	compressed := enc.EncodeAll(payload, make([]byte, 0, len(payload)/4))
	enc.Close()

	info := FileInfo{
		File:     rawFile,
		Format:   "json+zstd",
		Checksum: records.ComputeChecksum(compressed),
		RowCount: int64(len(raw)),
		ByteSize: int64(len(compressed)),
	}
	if err := a.store.Put(ctx, ref.Key(a.prefix, rawFile), compressed, "application/zstd"); err != nil {
		return "", err
	}
	return a.writeManifest(ctx, ref, info)
}

// ArchiveTransform writes the transformed rows as a parquet file and returns
// the URI of the manifest.
func (a *Archiver) ArchiveTransform(ctx context.Context, ref HandoffRef, recs []records.Record) (string, error) {
	rows := records.FactRows(recs, ref.RunID, a.now())

	var buf bytes.Buffer
	if err := parquet.Write(&buf, rows, parquet.Compression(&parquet.Zstd)); err != nil {
		return "", fmt.Errorf("write parquet: %w", err)
	}
	data := buf.Bytes()

	info := FileInfo{
		File:     factsFile,
		Format:   "parquet",
		Checksum: records.ComputeChecksum(data),
		RowCount: int64(len(rows)),
		ByteSize: int64(len(data)),
	}
	if err := a.store.Put(ctx, ref.Key(a.prefix, factsFile), data, "application/vnd.apache.parquet"); err != nil {
		return "", err
	}
	return a.writeManifest(ctx, ref, info)
}

func (a *Archiver) writeManifest(ctx context.Context, ref HandoffRef, files ...FileInfo) (string, error) {
	m := &Manifest{
		Handoff: HandoffInfo{
			LogicalDate: ref.LogicalDate,
			RunID:       ref.RunID,
			Stage:       ref.Stage,
		},
		Files:     make(map[string]FileInfo, len(files)),
		Producer:  a.producer,
		CreatedAt: a.now().UTC(),
	}
	for _, f := range files {
		m.Files[f.File] = f
	}

	data, err := m.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	key := ref.ManifestKey(a.prefix)
	if err := a.store.Put(ctx, key, data, "application/json"); err != nil {
		return "", err
	}
	return a.store.URI(key), nil
}

// ReadManifest loads the manifest of a handoff.
func (a *Archiver) ReadManifest(ctx context.Context, ref HandoffRef) (*Manifest, error) {
	data, err := a.store.Get(ctx, ref.ManifestKey(a.prefix))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// ReadExtract loads and verifies an archived extract against its manifest.
func (a *Archiver) ReadExtract(ctx context.Context, ref HandoffRef) ([]records.RawRecord, error) {
	m, err := a.ReadManifest(ctx, ref)
	if err != nil {
		return nil, err
	}
	info, ok := m.Files[rawFile]
	if !ok {
		return nil, fmt.Errorf("manifest has no %s", rawFile)
	}

	compressed, err := a.store.Get(ctx, ref.Key(a.prefix, rawFile))
	if err != nil {
		return nil, err
	}
	if !records.VerifyChecksum(compressed, info.Checksum) {
		return nil, fmt.Errorf("checksum mismatch for %s", ref.Key(a.prefix, rawFile))
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	defer dec.Close()

	payload, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", rawFile, err)
	}

	var raw []records.RawRecord
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", rawFile, err)
	}
	return raw, nil
}

// ReadTransform loads and verifies an archived transform output against its
// manifest.
func (a *Archiver) ReadTransform(ctx context.Context, ref HandoffRef) ([]records.FactRow, error) {
	m, err := a.ReadManifest(ctx, ref)
	if err != nil {
		return nil, err
	}
	info, ok := m.Files[factsFile]
	if !ok {
		return nil, fmt.Errorf("manifest has no %s", factsFile)
	}

	data, err := a.store.Get(ctx, ref.Key(a.prefix, factsFile))
	if err != nil {
		return nil, err
	}
	if !records.VerifyChecksum(data, info.Checksum) {
		return nil, fmt.Errorf("checksum mismatch for %s", ref.Key(a.prefix, factsFile))
	}
	rows, err := parquet.Read[records.FactRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read parquet: %w", err)
	}
	return rows, nil
}

// Close closes the underlying store.
func (a *Archiver) Close() error {
	return a.store.Close()
}
