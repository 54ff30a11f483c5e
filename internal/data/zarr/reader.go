// Package zarr provides a reader and writer for Zarr-v3-style chunked stores
// holding expression matrices and derived pipeline artifacts.
package zarr

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// StoreMetadata describes the contents of a store (metadata.json).
type StoreMetadata struct {
	DatasetName   string         `json:"dataset_name"`
	FormatVersion string         `json:"format_version"`
	NGenes        int            `json:"n_genes"`
	NCells        int            `json:"n_cells"`
	Genes         []string       `json:"genes"`
	Cells         []string       `json:"cells"`
	GeneIndex     map[string]int `json:"gene_index,omitempty"`
	Arrays        []string       `json:"arrays"`
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
	FillValue interface{} `json:"fill_value"`
	Codecs    []struct {
		Name          string                 `json:"name"`
		Configuration map[string]interface{} `json:"configuration"`
	} `json:"codecs"`
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
}

// Reader provides access to a chunked store.
type Reader struct {
	basePath string
	metadata *StoreMetadata
	mu       sync.RWMutex
	decoder  *zstd.Decoder
}

// NewReader opens a store rooted at basePath.
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
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}

	return r, nil
}

// Metadata returns the store metadata.
func (r *Reader) Metadata() *StoreMetadata {
	return r.metadata
}

func (r *Reader) loadMetadata() error {
	metadataPath := filepath.Join(r.basePath, "metadata.json")
	data, err := os.ReadFile(metadataPath)
	if err != nil {
		return fmt.Errorf("failed to read metadata.json: %w", err)
	}

	var metadata StoreMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return fmt.Errorf("failed to parse metadata.json: %w", err)
	}

	// Build gene index from gene list if not present
	if metadata.GeneIndex == nil {
		metadata.GeneIndex = make(map[string]int)
		for i, gene := range metadata.Genes {
			metadata.GeneIndex[gene] = i
		}
	}

	r.metadata = &metadata
	return nil
}

// ArrayMeta loads the zarr.json for a named array.
func (r *Reader) ArrayMeta(name string) (*ArrayMeta, error) {
	metaPath := filepath.Join(r.basePath, name, "zarr.json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, err
	}

	var meta ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}

	return &meta, nil
}

// readChunk reads and decompresses a chunk. Zarr v3 stores chunks under c/.
func (r *Reader) readChunk(arrayPath string, chunkKey string) ([]byte, error) {
	chunkPath := filepath.Join(arrayPath, "c", chunkKey)

	compressedData, err := os.ReadFile(chunkPath)
	if err != nil {
		return nil, err
	}

	decompressed, err := r.decoder.DecodeAll(compressedData, nil)
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
	if len(meta.Shape) == 0 || len(meta.ChunkGrid.Configuration.ChunkShape) == 0 {
		return nil, fmt.Errorf("invalid zarr metadata: missing shape/chunk_shape")
	}
	if len(meta.Shape) != len(meta.ChunkGrid.Configuration.ChunkShape) {
		return nil, fmt.Errorf("invalid zarr metadata: shape dims (%d) != chunk dims (%d)", len(meta.Shape), len(meta.ChunkGrid.Configuration.ChunkShape))
	}
	if len(chunkIndices) != len(meta.Shape) {
		return nil, fmt.Errorf("invalid chunk indices: got %d dims, expected %d", len(chunkIndices), len(meta.Shape))
	}

	actual := make([]int, len(meta.Shape))
	for d := range meta.Shape {
		chunkLen := meta.ChunkGrid.Configuration.ChunkShape[d]
		if chunkLen <= 0 {
			return nil, fmt.Errorf("invalid chunk shape at dim %d: %d", d, chunkLen)
		}
		start := chunkIndices[d] * chunkLen
		if start < 0 || start >= meta.Shape[d] {
			return nil, fmt.Errorf("chunk index out of range at dim %d: start=%d shape=%d", d, start, meta.Shape[d])
		}
		remaining := meta.Shape[d] - start
		if remaining < chunkLen {
			chunkLen = remaining
		}
		actual[d] = chunkLen
	}

	return actual, nil
}

func dtypeSize(dataType string) (int, error) {
	switch dataType {
	case "float32", "int32", "uint32":
		return 4, nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type: %s", dataType)
	}
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

// readChunkAt reads the chunk at the given indices. A chunk absent on disk
// represents an all-fill-value (zero) chunk.
func (r *Reader) readChunkAt(arrayPath string, meta *ArrayMeta, chunkIndices []int) ([]byte, error) {
	key := encodeChunkKey(meta, chunkIndices)
	data, err := r.readChunk(arrayPath, key)
	if err == nil {
		return data, nil
	}

	if os.IsNotExist(err) {
		shape, shapeErr := chunkShapeAt(meta, chunkIndices)
		if shapeErr != nil {
			return nil, shapeErr
		}
		size, sizeErr := dtypeSize(meta.DataType)
		if sizeErr != nil {
			return nil, sizeErr
		}
		return make([]byte, product(shape)*size), nil
	}

	return nil, err
}

// readArrayBytes assembles a full row-major byte image of a 1D or 2D array.
func (r *Reader) readArrayBytes(name string) ([]byte, *ArrayMeta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	arrayPath := filepath.Join(r.basePath, name)
	meta, err := r.ArrayMeta(name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load %s metadata: %w", name, err)
	}

	elemSize, err := dtypeSize(meta.DataType)
	if err != nil {
		return nil, nil, err
	}

	switch len(meta.Shape) {
	case 1:
		n := meta.Shape[0]
		chunkLen := meta.ChunkGrid.Configuration.ChunkShape[0]
		if chunkLen <= 0 {
			return nil, nil, fmt.Errorf("invalid chunk shape for %s: %v", name, meta.ChunkGrid.Configuration.ChunkShape)
		}
		out := make([]byte, n*elemSize)
		for chunk := 0; chunk < ceilDiv(n, chunkLen); chunk++ {
			start := chunk * chunkLen
			clen := minInt(chunkLen, n-start)

			chunkData, err := r.readChunkAt(arrayPath, meta, []int{chunk})
			if err != nil {
				return nil, nil, fmt.Errorf("failed to load %s chunk %d: %w", name, chunk, err)
			}
			if len(chunkData) < clen*elemSize {
				return nil, nil, fmt.Errorf("%s chunk %d too short: got %d bytes, expected %d", name, chunk, len(chunkData), clen*elemSize)
			}
			copy(out[start*elemSize:(start+clen)*elemSize], chunkData[:clen*elemSize])
		}
		return out, meta, nil

	case 2:
		nRows := meta.Shape[0]
		nCols := meta.Shape[1]
		rowChunk := meta.ChunkGrid.Configuration.ChunkShape[0]
		colChunk := meta.ChunkGrid.Configuration.ChunkShape[1]
		if rowChunk <= 0 || colChunk <= 0 {
			return nil, nil, fmt.Errorf("invalid chunk shape for %s: %v", name, meta.ChunkGrid.Configuration.ChunkShape)
		}

		out := make([]byte, nRows*nCols*elemSize)
		for rChunk := 0; rChunk < ceilDiv(nRows, rowChunk); rChunk++ {
			rowStart := rChunk * rowChunk
			rowLen := minInt(rowChunk, nRows-rowStart)

			for cChunk := 0; cChunk < ceilDiv(nCols, colChunk); cChunk++ {
				colStart := cChunk * colChunk
				colLen := minInt(colChunk, nCols-colStart)

				chunkData, err := r.readChunkAt(arrayPath, meta, []int{rChunk, cChunk})
				if err != nil {
					return nil, nil, fmt.Errorf("failed to load %s chunk %d/%d: %w", name, rChunk, cChunk, err)
				}
				if len(chunkData) < rowLen*colLen*elemSize {
					return nil, nil, fmt.Errorf("%s chunk %d/%d too short: got %d bytes, expected %d", name, rChunk, cChunk, len(chunkData), rowLen*colLen*elemSize)
				}

				for i := 0; i < rowLen; i++ {
					src := i * colLen * elemSize
					dst := ((rowStart+i)*nCols + colStart) * elemSize
					copy(out[dst:dst+colLen*elemSize], chunkData[src:src+colLen*elemSize])
				}
			}
		}
		return out, meta, nil

	default:
		return nil, nil, fmt.Errorf("unsupported array rank for %s: %d", name, len(meta.Shape))
	}
}

// ReadFloat32 reads a full float32 array and its shape.
func (r *Reader) ReadFloat32(name string) ([]float32, []int, error) {
	raw, meta, err := r.readArrayBytes(name)
	if err != nil {
		return nil, nil, err
	}
	if meta.DataType != "float32" {
		return nil, nil, fmt.Errorf("array %s has data_type %s, want float32", name, meta.DataType)
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(le32(raw[i*4:]))
	}
	return out, meta.Shape, nil
}

// ReadUint32 reads a full uint32 array and its shape.
func (r *Reader) ReadUint32(name string) ([]uint32, []int, error) {
	raw, meta, err := r.readArrayBytes(name)
	if err != nil {
		return nil, nil, err
	}
	if meta.DataType != "uint32" {
		return nil, nil, fmt.Errorf("array %s has data_type %s, want uint32", name, meta.DataType)
	}
	out := make([]uint32, len(raw)/4)
	for i := range out {
		out[i] = le32(raw[i*4:])
	}
	return out, meta.Shape, nil
}

// ReadInt32 reads a full int32 array and its shape.
func (r *Reader) ReadInt32(name string) ([]int32, []int, error) {
	raw, meta, err := r.readArrayBytes(name)
	if err != nil {
		return nil, nil, err
	}
	if meta.DataType != "int32" {
		return nil, nil, fmt.Errorf("array %s has data_type %s, want int32", name, meta.DataType)
	}
	out := make([]int32, len(raw)/4)
	for i := range out {
		out[i] = int32(le32(raw[i*4:]))
	}
	return out, meta.Shape, nil
}

// ReadRowFloat32 reads one row of a 2D float32 array without assembling the
// whole matrix. Used for per-gene vector access.
func (r *Reader) ReadRowFloat32(name string, row int) ([]float32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	arrayPath := filepath.Join(r.basePath, name)
	meta, err := r.ArrayMeta(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s metadata: %w", name, err)
	}
	if meta.DataType != "float32" {
		return nil, fmt.Errorf("array %s has data_type %s, want float32", name, meta.DataType)
	}
	if len(meta.Shape) != 2 {
		return nil, fmt.Errorf("array %s is not 2D: shape %v", name, meta.Shape)
	}

	nRows := meta.Shape[0]
	nCols := meta.Shape[1]
	if row < 0 || row >= nRows {
		return nil, fmt.Errorf("row out of range: %d (n_rows=%d)", row, nRows)
	}

	rowChunk := meta.ChunkGrid.Configuration.ChunkShape[0]
	colChunk := meta.ChunkGrid.Configuration.ChunkShape[1]
	if rowChunk <= 0 || colChunk <= 0 {
		return nil, fmt.Errorf("invalid chunk shape for %s: %v", name, meta.ChunkGrid.Configuration.ChunkShape)
	}

	rChunk := row / rowChunk
	rowOffset := row % rowChunk

	out := make([]float32, nCols)
	for cChunk := 0; cChunk < ceilDiv(nCols, colChunk); cChunk++ {
		colStart := cChunk * colChunk
		colLen := minInt(colChunk, nCols-colStart)

		chunkData, err := r.readChunkAt(arrayPath, meta, []int{rChunk, cChunk})
		if err != nil {
			return nil, fmt.Errorf("failed to load %s chunk %d/%d: %w", name, rChunk, cChunk, err)
		}
		if len(chunkData) < (rowOffset+1)*colLen*4 {
			return nil, fmt.Errorf("%s chunk %d/%d too short: got %d bytes", name, rChunk, cChunk, len(chunkData))
		}

		for j := 0; j < colLen; j++ {
			off := (rowOffset*colLen + j) * 4
			out[colStart+j] = math.Float32frombits(le32(chunkData[off:]))
		}
	}

	return out, nil
}

// HasArray reports whether the store contains a named array.
func (r *Reader) HasArray(name string) bool {
	_, err := os.Stat(filepath.Join(r.basePath, name, "zarr.json"))
	return err == nil
}

// Close releases resources.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
