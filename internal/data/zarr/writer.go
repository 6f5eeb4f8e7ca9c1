package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Writer creates Zarr v3 arrays with zstd-compressed, little-endian chunks.
type Writer struct {
	basePath string
	encoder  *zstd.Encoder
	// DataType is used for arrays written after it is set; float64 by default.
	DataType string
}

// NewWriter creates basePath if needed.
func NewWriter(basePath string) (*Writer, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &Writer{basePath: basePath, encoder: encoder, DataType: "float64"}, nil
}

// WriteMetadata writes metadata.json.
func (w *Writer) WriteMetadata(md *Metadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.basePath, "metadata.json"), data, 0644)
}

// WriteArray stores data, given in row-major order, as the named array.
// chunkShape may be nil to store the whole array as one chunk.
func (w *Writer) WriteArray(name string, data []float64, shape, chunkShape []int) error {
	if product(shape) != len(data) {
		return fmt.Errorf("array %s: %d values do not match shape %v", name, len(data), shape)
	}
	if chunkShape == nil {
		chunkShape = make([]int, len(shape))
		for d, n := range shape {
			chunkShape[d] = max(n, 1)
		}
	}
	size, err := dtypeSize(w.DataType)
	if err != nil {
		return err
	}

	meta := &ArrayMeta{
		Shape:      append([]int(nil), shape...),
		DataType:   w.DataType,
		ZarrFormat: 3,
		NodeType:   "array",
		FillValue:  0,
		Codecs: []Codec{
			{Name: "bytes", Configuration: map[string]interface{}{"endian": "little"}},
			{Name: "zstd", Configuration: map[string]interface{}{"level": 3, "checksum": false}},
		},
	}
	meta.ChunkGrid.Name = "regular"
	meta.ChunkGrid.Configuration.ChunkShape = append([]int(nil), chunkShape...)
	meta.ChunkKeyEncoding.Name = "default"
	meta.ChunkKeyEncoding.Configuration.Separator = "/"
	if err := meta.validate(); err != nil {
		return fmt.Errorf("array %s: %w", name, err)
	}

	arrayPath := filepath.Join(w.basePath, name)
	if err := os.MkdirAll(arrayPath, 0755); err != nil {
		return err
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(arrayPath, "zarr.json"), metaBytes, 0644); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	grid := make([]int, len(shape))
	for d := range shape {
		grid[d] = ceilDiv(shape[d], chunkShape[d])
	}
	idx := make([]int, len(shape))
	buf := make([]byte, product(chunkShape)*size)
	for {
		actual, err := chunkShapeAt(meta, idx)
		if err != nil {
			return err
		}
		clear(buf)
		local := make([]int, len(shape))
		for {
			src, dst := 0, 0
			for d := range shape {
				src = src*shape[d] + idx[d]*chunkShape[d] + local[d]
				dst = dst*chunkShape[d] + local[d]
			}
			encodeElement(buf[dst*size:(dst+1)*size], data[src], w.DataType, binary.LittleEndian)
			if !nextIndex(local, actual) {
				break
			}
		}

		chunkPath := filepath.Join(arrayPath, "c", encodeChunkKey(meta, idx))
		if err := os.MkdirAll(filepath.Dir(chunkPath), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(chunkPath, w.encoder.EncodeAll(buf, nil), 0644); err != nil {
			return fmt.Errorf("failed to write %s chunk %v: %w", name, idx, err)
		}

		if !nextIndex(idx, grid) {
			return nil
		}
	}
}

// Close releases resources.
func (w *Writer) Close() error {
	return w.encoder.Close()
}

func encodeElement(b []byte, v float64, dtype string, order binary.ByteOrder) {
	switch dtype {
	case "float64":
		order.PutUint64(b, math.Float64bits(v))
	case "float32":
		order.PutUint32(b, math.Float32bits(float32(v)))
	case "int64":
		order.PutUint64(b, uint64(int64(v)))
	case "uint64":
		order.PutUint64(b, uint64(v))
	case "int32":
		order.PutUint32(b, uint32(int32(v)))
	case "uint32":
		order.PutUint32(b, uint32(v))
	case "int16":
		order.PutUint16(b, uint16(int16(v)))
	case "uint16":
		order.PutUint16(b, uint16(v))
	case "int8":
		b[0] = byte(int8(v))
	case "uint8":
		b[0] = byte(v)
	}
}
