package zarr

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"
)

// Writer persists arrays into a chunked store readable by Reader.
type Writer struct {
	basePath string
	metadata *StoreMetadata
	encoder  *zstd.Encoder
}

// NewWriter creates a store directory at basePath and prepares metadata.
// The metadata is flushed by Close.
func NewWriter(basePath string, metadata *StoreMetadata) (*Writer, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	if metadata == nil {
		metadata = &StoreMetadata{}
	}
	if metadata.FormatVersion == "" {
		metadata.FormatVersion = "1.0"
	}

	return &Writer{
		basePath: basePath,
		metadata: metadata,
		encoder:  encoder,
	}, nil
}

func arrayMetaFor(shape, chunkShape []int, dataType string) *ArrayMeta {
	meta := &ArrayMeta{
		Shape:      shape,
		DataType:   dataType,
		FillValue:  0,
		ZarrFormat: 3,
		NodeType:   "array",
	}
	meta.ChunkGrid.Name = "regular"
	meta.ChunkGrid.Configuration.ChunkShape = chunkShape
	meta.ChunkKeyEncoding.Name = "default"
	meta.ChunkKeyEncoding.Configuration.Separator = "/"
	meta.Codecs = []struct {
		Name          string                 `json:"name"`
		Configuration map[string]interface{} `json:"configuration"`
	}{
		{Name: "bytes", Configuration: map[string]interface{}{"endian": "little"}},
		{Name: "zstd", Configuration: map[string]interface{}{"level": 3}},
	}
	return meta
}

func (w *Writer) writeArrayMeta(name string, meta *ArrayMeta) error {
	arrayPath := filepath.Join(w.basePath, name)
	if err := os.MkdirAll(filepath.Join(arrayPath, "c"), 0755); err != nil {
		return fmt.Errorf("failed to create array directory: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(arrayPath, "zarr.json"), data, 0644)
}

func (w *Writer) writeChunk(name string, chunkIndices []int, raw []byte) error {
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	chunkPath := filepath.Join(append([]string{w.basePath, name, "c"}, parts...)...)
	if err := os.MkdirAll(filepath.Dir(chunkPath), 0755); err != nil {
		return err
	}

	compressed := w.encoder.EncodeAll(raw, nil)
	return os.WriteFile(chunkPath, compressed, 0644)
}

// writeArrayBytes chunks a row-major byte image along the first axis.
func (w *Writer) writeArrayBytes(name string, raw []byte, shape []int, chunkRows, elemSize int, dataType string) error {
	if len(shape) < 1 || len(shape) > 2 {
		return fmt.Errorf("unsupported array rank for %s: %d", name, len(shape))
	}
	if product(shape)*elemSize != len(raw) {
		return fmt.Errorf("array %s: data length %d does not match shape %v", name, len(raw)/elemSize, shape)
	}
	if chunkRows <= 0 || chunkRows > shape[0] {
		chunkRows = shape[0]
	}
	if chunkRows == 0 {
		chunkRows = 1
	}

	var chunkShape []int
	rowBytes := elemSize
	if len(shape) == 2 {
		chunkShape = []int{chunkRows, shape[1]}
		rowBytes = shape[1] * elemSize
	} else {
		chunkShape = []int{chunkRows}
	}

	meta := arrayMetaFor(shape, chunkShape, dataType)
	if err := w.writeArrayMeta(name, meta); err != nil {
		return err
	}

	for chunk := 0; chunk < ceilDiv(shape[0], chunkRows); chunk++ {
		rowStart := chunk * chunkRows
		rowLen := minInt(chunkRows, shape[0]-rowStart)
		piece := raw[rowStart*rowBytes : (rowStart+rowLen)*rowBytes]

		indices := []int{chunk}
		if len(shape) == 2 {
			indices = []int{chunk, 0}
		}
		if err := w.writeChunk(name, indices, piece); err != nil {
			return fmt.Errorf("failed to write %s chunk %d: %w", name, chunk, err)
		}
	}

	w.metadata.Arrays = append(w.metadata.Arrays, name)
	return nil
}

// WriteFloat32 writes a float32 array with the given shape, chunked along rows.
func (w *Writer) WriteFloat32(name string, data []float32, shape []int, chunkRows int) error {
	raw := make([]byte, len(data)*4)
	for i, v := range data {
		put32(raw[i*4:], math.Float32bits(v))
	}
	return w.writeArrayBytes(name, raw, shape, chunkRows, 4, "float32")
}

// WriteUint32 writes a uint32 array with the given shape, chunked along rows.
func (w *Writer) WriteUint32(name string, data []uint32, shape []int, chunkRows int) error {
	raw := make([]byte, len(data)*4)
	for i, v := range data {
		put32(raw[i*4:], v)
	}
	return w.writeArrayBytes(name, raw, shape, chunkRows, 4, "uint32")
}

// WriteInt32 writes an int32 array with the given shape, chunked along rows.
func (w *Writer) WriteInt32(name string, data []int32, shape []int, chunkRows int) error {
	raw := make([]byte, len(data)*4)
	for i, v := range data {
		put32(raw[i*4:], uint32(v))
	}
	return w.writeArrayBytes(name, raw, shape, chunkRows, 4, "int32")
}

// Close flushes metadata.json and releases the encoder.
func (w *Writer) Close() error {
	data, err := json.MarshalIndent(w.metadata, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(w.basePath, "metadata.json"), data, 0644); err != nil {
		return err
	}
	return w.encoder.Close()
}

func put32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
