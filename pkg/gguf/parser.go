// Package gguf reads just enough of a GGUF model file's header to let
// the model lifecycle registry admit it without loading tensor data:
// magic/version, the metadata key-value table, and the tensor
// descriptor list. See ProbeFile in probe.go for the entry point the
// rest of the runtime actually calls.
package gguf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const ggufMagic uint32 = 0x46554747 // "GGUF" read little-endian

// Limits on untrusted header-declared counts, checked before any make()
// call that would otherwise size itself off attacker-controlled input.
const (
	maxStringBytes = 10 * 1024 * 1024
	maxArrayLen    = 10_000_000
	maxTensorDims  = 16
	maxPrealloc    = 65536
)

var (
	ErrBadMagic     = errors.New("gguf: not a GGUF file")
	ErrBadVersion   = errors.New("gguf: unsupported format version")
	ErrUnknownKind  = errors.New("gguf: unrecognized metadata value kind")
	ErrHeaderTooBig = errors.New("gguf: header field exceeds safety limit")
)

// Kind tags which field of Value holds the decoded payload. The
// numeric values match the wire-format type tag, so a tag byte can be
// cast directly to Kind.
type Kind uint32

const (
	KindUint8 Kind = iota
	KindInt8
	KindUint16
	KindInt16
	KindUint32
	KindInt32
	KindFloat32
	KindBool
	KindString
	KindArray
	KindUint64
	KindInt64
	KindFloat64
)

// Value is a decoded GGUF metadata value. Rather than one Go type per
// wire kind, every scalar (ints, floats, bool) is held as its raw bit
// pattern in Num; only String and Array entries need a distinct field.
// Probing only ever reads a handful of keys, so the accessors below
// cover Uint/Str — nothing in this runtime needs the float payloads,
// though Num still carries them so array/KV decoding doesn't have to
// special-case the kinds it skips past.
type Value struct {
	Kind  Kind
	Num   uint64
	Str   string
	Array []Value
}

// Uint returns v's value as a uint64 if Kind is one of the unsigned or
// signed integer kinds (signed values are returned as their two's
// complement bit pattern, which is what the header fields this
// package cares about — counts and lengths — actually need).
func (v Value) Uint() (uint64, bool) {
	switch v.Kind {
	case KindUint8, KindUint16, KindUint32, KindUint64,
		KindInt8, KindInt16, KindInt32, KindInt64:
		return v.Num, true
	default:
		return 0, false
	}
}

// asString returns v.Str when Kind is KindString.
func (v Value) asString() (string, bool) {
	if v.Kind == KindString {
		return v.Str, true
	}
	return "", false
}

// GGMLType is the on-disk tensor element type. Only the handful probe.go
// needs to size a tensor's footprint are named; everything else still
// round-trips through the parser as a bare numeric Type.
type GGMLType uint32

const (
	GGMLTypeF32  GGMLType = 0
	GGMLTypeF16  GGMLType = 1
	GGMLTypeQ8_0 GGMLType = 8
	GGMLTypeQ8_1 GGMLType = 9
	GGMLTypeQ8K  GGMLType = 15
	GGMLTypeI8   GGMLType = 24
	GGMLTypeI16  GGMLType = 25
	GGMLTypeI32  GGMLType = 26
	GGMLTypeI64  GGMLType = 27
	GGMLTypeF64  GGMLType = 28
	GGMLTypeBF16 GGMLType = 30
)

// fileTypeNames maps general.file_type to the quantization label
// llama.cpp-family tooling conventionally prints for it.
var fileTypeNames = map[uint32]string{
	0: "F32", 1: "F16", 2: "Q4_0", 3: "Q4_1",
	7: "Q8_0", 8: "Q5_0", 9: "Q5_1",
	10: "Q2_K", 11: "Q3_K_S", 12: "Q3_K_M", 13: "Q3_K_L",
	14: "Q4_K_S", 15: "Q4_K_M", 16: "Q5_K_S", 17: "Q5_K_M",
	18: "Q6_K",
	19: "IQ2_XXS", 20: "IQ2_XS", 21: "IQ3_XXS", 22: "IQ1_S",
	23: "IQ4_NL", 24: "IQ3_S", 25: "IQ2_S", 26: "IQ4_XS",
	27: "IQ3_M", 28: "IQ1_M", 29: "BF16",
	30: "Q4_0_4_4", 31: "Q4_0_4_8", 32: "Q4_0_8_8",
}

func fileTypeName(id uint32) string {
	if name, ok := fileTypeNames[id]; ok {
		return name
	}
	return "Unknown"
}

// header is the fixed-size preamble at the start of every GGUF file.
// It is not exposed: everything a caller needs from it surfaces
// through GGUFFile's accessor methods instead.
type header struct {
	version         uint32
	tensorCount     uint64
	metadataKVCount uint64
}

// MetadataKV is one entry from the metadata key-value table.
type MetadataKV struct {
	Key   string
	Value Value
}

// TensorInfo describes one tensor's shape and type — never its bytes.
type TensorInfo struct {
	Name       string
	Dimensions []uint64
	Type       GGMLType
	Offset     uint64
}

// GGUFFile is a parsed header plus metadata and tensor descriptor
// tables; Parse never reads tensor payload bytes.
type GGUFFile struct {
	hdr        header
	Metadata   []MetadataKV
	TensorInfo []TensorInfo
}

// Parse reads a GGUF stream's header, metadata table, and tensor
// descriptor table from r, stopping before the tensor data region.
func Parse(r io.Reader) (*GGUFFile, error) {
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	kvs := make([]MetadataKV, 0, min(h.metadataKVCount, maxPrealloc))
	for i := uint64(0); i < h.metadataKVCount; i++ {
		kv, err := readMetadataKV(r)
		if err != nil {
			return nil, fmt.Errorf("metadata entry %d: %w", i, err)
		}
		kvs = append(kvs, kv)
	}

	tensors := make([]TensorInfo, 0, min(h.tensorCount, maxPrealloc))
	for i := uint64(0); i < h.tensorCount; i++ {
		ti, err := readTensorInfo(r)
		if err != nil {
			return nil, fmt.Errorf("tensor descriptor %d: %w", i, err)
		}
		tensors = append(tensors, ti)
	}

	return &GGUFFile{hdr: *h, Metadata: kvs, TensorInfo: tensors}, nil
}

func readHeader(r io.Reader) (*header, error) {
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("reading magic: %w", err)
	}
	if magic != ggufMagic {
		return nil, fmt.Errorf("%w: got 0x%08X", ErrBadMagic, magic)
	}

	var h header
	if err := binary.Read(r, binary.LittleEndian, &h.version); err != nil {
		return nil, fmt.Errorf("reading version: %w", err)
	}
	if h.version < 2 || h.version > 3 {
		return nil, fmt.Errorf("%w: %d (supported: 2, 3)", ErrBadVersion, h.version)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.tensorCount); err != nil {
		return nil, fmt.Errorf("reading tensor count: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.metadataKVCount); err != nil {
		return nil, fmt.Errorf("reading metadata count: %w", err)
	}
	return &h, nil
}

// readString reads a u64-length-prefixed UTF-8 string, rejecting a
// declared length over maxStringBytes before allocating for it.
func readString(r io.Reader) (string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", fmt.Errorf("reading string length: %w", err)
	}
	if n > maxStringBytes {
		return "", fmt.Errorf("%w: string length %d", ErrHeaderTooBig, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("reading string bytes: %w", err)
	}
	return string(buf), nil
}

func readMetadataKV(r io.Reader) (MetadataKV, error) {
	key, err := readString(r)
	if err != nil {
		return MetadataKV{}, fmt.Errorf("reading key: %w", err)
	}
	var tag uint32
	if err := binary.Read(r, binary.LittleEndian, &tag); err != nil {
		return MetadataKV{}, fmt.Errorf("reading value kind for %q: %w", key, err)
	}
	val, err := readValue(r, Kind(tag))
	if err != nil {
		return MetadataKV{}, fmt.Errorf("reading value for %q: %w", key, err)
	}
	return MetadataKV{Key: key, Value: val}, nil
}

// readValue decodes one value of the given kind. It is also called
// directly for array elements, which carry their element kind once in
// the array header rather than per element.
func readValue(r io.Reader, kind Kind) (Value, error) {
	switch kind {
	case KindUint8, KindInt8:
		var v uint8
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return Value{}, err
		}
		return Value{Kind: kind, Num: uint64(v)}, nil

	case KindUint16, KindInt16:
		var v uint16
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return Value{}, err
		}
		return Value{Kind: kind, Num: uint64(v)}, nil

	case KindUint32, KindInt32:
		var v uint32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return Value{}, err
		}
		return Value{Kind: kind, Num: uint64(v)}, nil

	case KindFloat32:
		var v uint32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return Value{}, err
		}
		return Value{Kind: kind, Num: uint64(v)}, nil

	case KindBool:
		var v uint8
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return Value{}, err
		}
		return Value{Kind: kind, Num: uint64(v)}, nil

	case KindString:
		s, err := readString(r)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: kind, Str: s}, nil

	case KindArray:
		var elemTag uint32
		if err := binary.Read(r, binary.LittleEndian, &elemTag); err != nil {
			return Value{}, fmt.Errorf("reading array element kind: %w", err)
		}
		var count uint64
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return Value{}, fmt.Errorf("reading array length: %w", err)
		}
		if count > maxArrayLen {
			return Value{}, fmt.Errorf("%w: array length %d", ErrHeaderTooBig, count)
		}
		elems := make([]Value, 0, min(count, maxPrealloc))
		for i := uint64(0); i < count; i++ {
			v, err := readValue(r, Kind(elemTag))
			if err != nil {
				return Value{}, fmt.Errorf("array element %d: %w", i, err)
			}
			elems = append(elems, v)
		}
		return Value{Kind: kind, Array: elems}, nil

	case KindUint64, KindInt64:
		var v uint64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return Value{}, err
		}
		return Value{Kind: kind, Num: v}, nil

	case KindFloat64:
		var v uint64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return Value{}, err
		}
		return Value{Kind: kind, Num: v}, nil

	default:
		return Value{}, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
}

func readTensorInfo(r io.Reader) (TensorInfo, error) {
	name, err := readString(r)
	if err != nil {
		return TensorInfo{}, fmt.Errorf("reading tensor name: %w", err)
	}

	var nDims uint32
	if err := binary.Read(r, binary.LittleEndian, &nDims); err != nil {
		return TensorInfo{}, fmt.Errorf("reading dimension count: %w", err)
	}
	if nDims > maxTensorDims {
		return TensorInfo{}, fmt.Errorf("%w: %d dimensions", ErrHeaderTooBig, nDims)
	}

	dims := make([]uint64, nDims)
	for i := range dims {
		if err := binary.Read(r, binary.LittleEndian, &dims[i]); err != nil {
			return TensorInfo{}, fmt.Errorf("reading dimension %d: %w", i, err)
		}
	}

	var typeID uint32
	if err := binary.Read(r, binary.LittleEndian, &typeID); err != nil {
		return TensorInfo{}, fmt.Errorf("reading tensor type: %w", err)
	}
	var offset uint64
	if err := binary.Read(r, binary.LittleEndian, &offset); err != nil {
		return TensorInfo{}, fmt.Errorf("reading tensor offset: %w", err)
	}

	return TensorInfo{
		Name:       name,
		Dimensions: dims,
		Type:       GGMLType(typeID),
		Offset:     offset,
	}, nil
}

// GetMetadata looks up a metadata value by its dotted key.
func (f *GGUFFile) GetMetadata(key string) (Value, bool) {
	for _, kv := range f.Metadata {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return Value{}, false
}

// Architecture returns general.architecture (e.g. "llama", "phi").
func (f *GGUFFile) Architecture() string {
	v, ok := f.GetMetadata("general.architecture")
	if !ok {
		return ""
	}
	s, _ := v.asString()
	return s
}

// Name returns general.name as stored in the file.
func (f *GGUFFile) Name() string {
	v, ok := f.GetMetadata("general.name")
	if !ok {
		return ""
	}
	s, _ := v.asString()
	return s
}

// Quantization returns general.file_type as a human-readable label.
func (f *GGUFFile) Quantization() string {
	v, ok := f.GetMetadata("general.file_type")
	if !ok {
		return ""
	}
	n, ok := v.Uint()
	if !ok {
		return ""
	}
	return fileTypeName(uint32(n))
}

// ContextLength returns <arch>.context_length, or 0 if architecture or
// the key is absent.
func (f *GGUFFile) ContextLength() uint64 {
	return f.archUint("context_length")
}

// BlockCount returns <arch>.block_count, or 0 if architecture or the
// key is absent.
func (f *GGUFFile) BlockCount() uint64 {
	return f.archUint("block_count")
}

func (f *GGUFFile) archUint(suffix string) uint64 {
	arch := f.Architecture()
	if arch == "" {
		return 0
	}
	v, ok := f.GetMetadata(arch + "." + suffix)
	if !ok {
		return 0
	}
	n, _ := v.Uint()
	return n
}
