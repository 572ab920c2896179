package gpt2

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/x448/float16"
)

const metadataKey = "__metadata__"

type tensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// SafeTensors is a parsed .safetensors file held in memory.
type SafeTensors struct {
	tensors  map[string]tensorInfo
	data     []byte
	Metadata map[string]string
}

// Tensor is a dense float32 tensor used when writing checkpoints.
type Tensor struct {
	Shape []int
	Data  []float32
}

func ReadSafeTensors(path string) (*SafeTensors, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read safetensors %s: %w", path, err)
	}
	return ParseSafeTensors(buf)
}

func ParseSafeTensors(buf []byte) (*SafeTensors, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("safetensors: file too small")
	}
	headerLen := binary.LittleEndian.Uint64(buf[:8])
	if headerLen > uint64(len(buf)-8) {
		return nil, fmt.Errorf("safetensors: header length %d exceeds file size", headerLen)
	}
	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(buf[8:8+headerLen], &raw); err != nil {
		return nil, fmt.Errorf("safetensors: decode header: %w", err)
	}
	st := &SafeTensors{
		tensors: make(map[string]tensorInfo, len(raw)),
		data:    buf[8+headerLen:],
	}
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &st.Metadata); err != nil {
				return nil, fmt.Errorf("safetensors: decode metadata: %w", err)
			}
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("safetensors: decode tensor %s: %w", name, err)
		}
		begin, end := info.DataOffsets[0], info.DataOffsets[1]
		if begin < 0 || end < begin || end > int64(len(st.data)) {
			return nil, fmt.Errorf("safetensors: tensor %s has invalid offsets [%d, %d]", name, begin, end)
		}
		st.tensors[name] = info
	}
	return st, nil
}

func (s *SafeTensors) Names() []string {
	names := make([]string, 0, len(s.tensors))
	for name := range s.tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *SafeTensors) Has(name string) bool {
	_, ok := s.tensors[name]
	return ok
}

// Float32 decodes a tensor to float32 regardless of its stored dtype.
func (s *SafeTensors) Float32(name string) ([]float32, []int, error) {
	info, ok := s.tensors[name]
	if !ok {
		return nil, nil, fmt.Errorf("safetensors: tensor %s not found", name)
	}
	count := 1
	for _, d := range info.Shape {
		count *= d
	}
	raw := s.data[info.DataOffsets[0]:info.DataOffsets[1]]
	out := make([]float32, count)
	switch info.DType {
	case "F32":
		if len(raw) != count*4 {
			return nil, nil, fmt.Errorf("safetensors: tensor %s size mismatch", name)
		}
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "F16":
		if len(raw) != count*2 {
			return nil, nil, fmt.Errorf("safetensors: tensor %s size mismatch", name)
		}
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case "BF16":
		if len(raw) != count*2 {
			return nil, nil, fmt.Errorf("safetensors: tensor %s size mismatch", name)
		}
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	default:
		return nil, nil, fmt.Errorf("safetensors: tensor %s has unsupported dtype %s", name, info.DType)
	}
	return out, append([]int(nil), info.Shape...), nil
}

// WriteSafeTensors serialises float32 tensors in safetensors layout with
// names in sorted order.
func WriteSafeTensors(w io.Writer, tensors map[string]Tensor) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]interface{}, len(names))
	var offset int64
	for _, name := range names {
		t := tensors[name]
		size := int64(len(t.Data) * 4)
		header[name] = tensorInfo{DType: "F32", Shape: t.Shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("safetensors: encode header: %w", err)
	}
	for len(headerBytes)%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		return err
	}
	buf := make([]byte, 4)
	for _, name := range names {
		for _, v := range tensors[name].Data {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
	}
	return nil
}
