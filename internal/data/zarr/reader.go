// Package zarr provides a reader and writer for the Zarr v3 stores holding
// spatial count datasets.
//
// A store is a directory with a metadata.json and one Zarr v3 array per
// field: counts [genes, spots], labels [spots], depth [spots] and, when cell
// types are known, cell_types [spots, cell types].
package zarr

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Array names inside a dataset store.
const (
	ArrayCounts    = "counts"
	ArrayLabels    = "labels"
	ArrayDepth     = "depth"
	ArrayCellTypes = "cell_types"
)

// ErrArrayNotFound is returned when the store has no array of that name.
var ErrArrayNotFound = errors.New("zarr: array not found")

// Reader provides access to a dataset store.
type Reader struct {
	basePath string
	metadata *Metadata
	mu       sync.Mutex
	decoder  *zstd.Decoder
}

// Metadata contains the dataset description stored in metadata.json.
type Metadata struct {
	FormatVersion string         `json:"format_version"`
	DatasetName   string         `json:"dataset_name"`
	NSpots        int            `json:"n_spots"`
	Genes         []string       `json:"genes"`
	CellTypes     []string       `json:"cell_types,omitempty"`
	GeneIndex     map[string]int `json:"-"`
}

// ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue  interface{} `json:"fill_value"`
	Codecs     []Codec     `json:"codecs"`
	ZarrFormat int         `json:"zarr_format"`
	NodeType   string      `json:"node_type"`
}

// Codec is one entry of an array's codec pipeline.
type Codec struct {
	Name          string                 `json:"name"`
	Configuration map[string]interface{} `json:"configuration,omitempty"`
}

// NewReader opens the store at basePath and loads its metadata.
func NewReader(basePath string) (*Reader, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	r := &Reader{
		basePath: basePath,
		decoder:  decoder,
	}
	if err := r.loadMetadata(); err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	return r, nil
}

// Metadata returns the store metadata.
func (r *Reader) Metadata() *Metadata {
	return r.metadata
}

// Path returns the store directory.
func (r *Reader) Path() string {
	return r.basePath
}

func (r *Reader) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(r.basePath, "metadata.json"))
	if err != nil {
		return fmt.Errorf("failed to read metadata.json: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return fmt.Errorf("failed to parse metadata.json: %w", err)
	}

	metadata.GeneIndex = make(map[string]int, len(metadata.Genes))
	for i, gene := range metadata.Genes {
		metadata.GeneIndex[gene] = i
	}

	r.metadata = &metadata
	return nil
}

// HasArray reports whether the store contains the named array.
func (r *Reader) HasArray(name string) bool {
	_, err := os.Stat(filepath.Join(r.basePath, name, "zarr.json"))
	return err == nil
}

// ReadFloat64 reads the whole named array, converting every element to
// float64. Data is returned in row-major (C) order with the array shape.
func (r *Reader) ReadFloat64(name string) ([]float64, []int, error) {
	arrayPath := filepath.Join(r.basePath, name)
	meta, err := loadArrayMeta(arrayPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrArrayNotFound, name)
		}
		return nil, nil, fmt.Errorf("failed to load %s metadata: %w", name, err)
	}
	if err := meta.validate(); err != nil {
		return nil, nil, fmt.Errorf("array %s: %w", name, err)
	}

	size, err := dtypeSize(meta.DataType)
	if err != nil {
		return nil, nil, fmt.Errorf("array %s: %w", name, err)
	}
	order, err := meta.byteOrder()
	if err != nil {
		return nil, nil, fmt.Errorf("array %s: %w", name, err)
	}

	shape := meta.Shape
	chunkShape := meta.ChunkGrid.Configuration.ChunkShape
	out := make([]float64, product(shape))
	if len(out) == 0 {
		return out, append([]int(nil), shape...), nil
	}

	grid := make([]int, len(shape))
	for d := range shape {
		grid[d] = ceilDiv(shape[d], chunkShape[d])
	}

	// Walk every chunk of the grid in row-major order.
	idx := make([]int, len(shape))
	for {
		chunkData, err := r.readChunkAt(arrayPath, meta, idx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load %s chunk %v: %w", name, idx, err)
		}
		actual, err := chunkShapeAt(meta, idx)
		if err != nil {
			return nil, nil, err
		}
		// Chunks on disk hold the full chunk shape, edge chunks included.
		// Fill-value chunks are synthesised at the clipped shape.
		stride := chunkShape
		switch {
		case len(chunkData) >= product(chunkShape)*size:
		case len(chunkData) >= product(actual)*size:
			stride = actual
		default:
			return nil, nil, fmt.Errorf("%s chunk %v too short: got %d bytes", name, idx, len(chunkData))
		}
		if err := scatterChunk(out, shape, chunkShape, idx, actual, stride, chunkData, meta.DataType, order); err != nil {
			return nil, nil, err
		}

		if !nextIndex(idx, grid) {
			break
		}
	}
	return out, append([]int(nil), shape...), nil
}

// scatterChunk copies the valid region of one chunk into the row-major
// output array.
func scatterChunk(out []float64, shape, chunkShape, idx, actual, stride []int, data []byte, dtype string, order binary.ByteOrder) error {
	size, _ := dtypeSize(dtype)
	local := make([]int, len(shape))
	for {
		src := 0
		dst := 0
		for d := range shape {
			src = src*stride[d] + local[d]
			dst = dst*shape[d] + idx[d]*chunkShape[d] + local[d]
		}
		v, err := decodeElement(data[src*size:(src+1)*size], dtype, order)
		if err != nil {
			return err
		}
		out[dst] = v

		if !nextIndex(local, actual) {
			return nil
		}
	}
}

// nextIndex advances idx through the grid bounded by dims in row-major order
// and reports false after the last position.
func nextIndex(idx, dims []int) bool {
	for d := len(idx) - 1; d >= 0; d-- {
		idx[d]++
		if idx[d] < dims[d] {
			return true
		}
		idx[d] = 0
	}
	return false
}

func decodeElement(b []byte, dtype string, order binary.ByteOrder) (float64, error) {
	switch dtype {
	case "float64":
		return math.Float64frombits(order.Uint64(b)), nil
	case "float32":
		return float64(math.Float32frombits(order.Uint32(b))), nil
	case "int64":
		return float64(int64(order.Uint64(b))), nil
	case "uint64":
		return float64(order.Uint64(b)), nil
	case "int32":
		return float64(int32(order.Uint32(b))), nil
	case "uint32":
		return float64(order.Uint32(b)), nil
	case "int16":
		return float64(int16(order.Uint16(b))), nil
	case "uint16":
		return float64(order.Uint16(b)), nil
	case "int8":
		return float64(int8(b[0])), nil
	case "uint8":
		return float64(b[0]), nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type: %s", dtype)
	}
}

// loadArrayMeta loads Zarr v3 array metadata.
func loadArrayMeta(arrayPath string) (*ArrayMeta, error) {
	data, err := os.ReadFile(filepath.Join(arrayPath, "zarr.json"))
	if err != nil {
		return nil, err
	}

	var meta ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (m *ArrayMeta) validate() error {
	if m.ZarrFormat != 0 && m.ZarrFormat != 3 {
		return fmt.Errorf("unsupported zarr_format %d", m.ZarrFormat)
	}
	chunk := m.ChunkGrid.Configuration.ChunkShape
	if len(m.Shape) == 0 || len(chunk) == 0 {
		return fmt.Errorf("invalid zarr metadata: missing shape/chunk_shape")
	}
	if len(m.Shape) != len(chunk) {
		return fmt.Errorf("invalid zarr metadata: shape dims (%d) != chunk dims (%d)", len(m.Shape), len(chunk))
	}
	for d, c := range chunk {
		if c <= 0 {
			return fmt.Errorf("invalid chunk shape at dim %d: %d", d, c)
		}
	}
	for _, c := range m.Codecs {
		switch c.Name {
		case "bytes", "zstd":
		default:
			return fmt.Errorf("unsupported codec %q", c.Name)
		}
	}
	return nil
}

func (m *ArrayMeta) byteOrder() (binary.ByteOrder, error) {
	for _, c := range m.Codecs {
		if c.Name != "bytes" {
			continue
		}
		switch c.Configuration["endian"] {
		case nil, "little":
			return binary.LittleEndian, nil
		case "big":
			return binary.BigEndian, nil
		default:
			return nil, fmt.Errorf("unsupported endian %v", c.Configuration["endian"])
		}
	}
	return binary.LittleEndian, nil
}

func (m *ArrayMeta) compressed() bool {
	for _, c := range m.Codecs {
		if c.Name == "zstd" {
			return true
		}
	}
	return false
}

// readChunk reads a chunk file and decompresses it when the array uses zstd.
func (r *Reader) readChunk(arrayPath string, meta *ArrayMeta, chunkKey string) ([]byte, error) {
	// Zarr v3 stores chunks in c/ directory
	raw, err := os.ReadFile(filepath.Join(arrayPath, "c", chunkKey))
	if err != nil {
		return nil, err
	}
	if !meta.compressed() {
		return raw, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	decompressed, err := r.decoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	return decompressed, nil
}

func encodeChunkKey(meta *ArrayMeta, chunkIndices []int) string {
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, sep)
}

func chunkShapeAt(meta *ArrayMeta, chunkIndices []int) ([]int, error) {
	if len(chunkIndices) != len(meta.Shape) {
		return nil, fmt.Errorf("invalid chunk indices: got %d dims, expected %d", len(chunkIndices), len(meta.Shape))
	}

	actual := make([]int, len(meta.Shape))
	for d := range meta.Shape {
		chunkLen := meta.ChunkGrid.Configuration.ChunkShape[d]
		start := chunkIndices[d] * chunkLen
		if start < 0 || start >= meta.Shape[d] {
			return nil, fmt.Errorf("chunk index out of range at dim %d: start=%d shape=%d", d, start, meta.Shape[d])
		}
		actual[d] = min(chunkLen, meta.Shape[d]-start)
	}
	return actual, nil
}

func dtypeSize(dataType string) (int, error) {
	switch dataType {
	case "int8", "uint8":
		return 1, nil
	case "int16", "uint16":
		return 2, nil
	case "float32", "int32", "uint32":
		return 4, nil
	case "float64", "int64", "uint64":
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type: %s", dataType)
	}
}

// fillValueBytes encodes the array's fill value as one little-endian element.
func fillValueBytes(meta *ArrayMeta) ([]byte, error) {
	size, err := dtypeSize(meta.DataType)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)

	var v float64
	switch t := meta.FillValue.(type) {
	case nil:
		return out, nil
	case float64:
		v = t
	case string:
		// Zarr v3 spells non-finite float fills as strings.
		switch t {
		case "NaN":
			v = math.NaN()
		case "Infinity":
			v = math.Inf(1)
		case "-Infinity":
			v = math.Inf(-1)
		default:
			return nil, fmt.Errorf("unsupported fill_value %q", t)
		}
	default:
		return nil, fmt.Errorf("unsupported fill_value type: %T", meta.FillValue)
	}
	encodeElement(out, v, meta.DataType, binary.LittleEndian)
	return out, nil
}

func repeatFillBytes(fill []byte, n int) []byte {
	if n <= 0 {
		return nil
	}
	out := make([]byte, len(fill)*n)
	for _, b := range fill {
		if b != 0 {
			for i := 0; i < n; i++ {
				copy(out[i*len(fill):(i+1)*len(fill)], fill)
			}
			break
		}
	}
	return out
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

func (r *Reader) readChunkAt(arrayPath string, meta *ArrayMeta, chunkIndices []int) ([]byte, error) {
	data, err := r.readChunk(arrayPath, meta, encodeChunkKey(meta, chunkIndices))
	if err == nil {
		return data, nil
	}

	// Some writers drop trailing singleton chunk dims
	// (e.g. store [N,1] chunks as c/<rowChunk> instead of c/<rowChunk>/0).
	var altErr error
	if len(chunkIndices) > 1 {
		trailingAllZero := true
		for _, v := range chunkIndices[1:] {
			if v != 0 {
				trailingAllZero = false
				break
			}
		}
		if trailingAllZero {
			altData, altReadErr := r.readChunk(arrayPath, meta, strconv.Itoa(chunkIndices[0]))
			if altReadErr == nil {
				return altData, nil
			}
			altErr = altReadErr
		}
	}

	// If the chunk is not present on disk, it represents an all-fill-value chunk.
	if os.IsNotExist(err) && (altErr == nil || os.IsNotExist(altErr)) {
		shape, shapeErr := chunkShapeAt(meta, chunkIndices)
		if shapeErr != nil {
			return nil, shapeErr
		}
		fill, fillErr := fillValueBytes(meta)
		if fillErr != nil {
			return nil, fillErr
		}
		if order, _ := meta.byteOrder(); order == binary.BigEndian {
			// Fill bytes are little-endian; re-encode for big-endian arrays.
			v, _ := decodeElement(fill, meta.DataType, binary.LittleEndian)
			encodeElement(fill, v, meta.DataType, binary.BigEndian)
		}
		return repeatFillBytes(fill, product(shape)), nil
	}

	return nil, err
}

// Close releases resources.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
