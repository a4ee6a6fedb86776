package model

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/YuminosukeSato/gpboost/pkg/errors"
)

// Codec はモデルの永続化に使う圧縮方式です。
type Codec uint8

const (
	// CodecNone は無圧縮
	CodecNone Codec = iota
	// CodecZstd はZstandard圧縮（デフォルト）
	CodecZstd
	// CodecLZ4 はLZ4ブロック圧縮
	CodecLZ4
)

// String returns the codec name.
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec converts a codec name.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none":
		return CodecNone, nil
	case "zstd", "":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return 0, errors.NewValidationError("codec", "unknown compression codec", name)
	}
}

// envelope layout: magic(4) | version(1) | codec(1) | xxhash64 of raw JSON(8) | raw length(8) | payload
var magic = [4]byte{'G', 'P', 'B', 'M'}

const (
	envelopeVersion = 1
	headerSize      = 4 + 1 + 1 + 8 + 8
)

// ErrCorruptModel is returned when a persisted blob fails validation.
var ErrCorruptModel = errors.New("corrupt model blob")

var (
	zstdEncoderPool = sync.Pool{New: func() any {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
		}
		return enc
	}}
	zstdDecoderPool = sync.Pool{New: func() any {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
		}
		return dec
	}}
)

// Encode はvをJSONにシリアライズし、圧縮とチェックサム付きのエンベロープに格納します。
//
// 使用例:
//
//	blob, err := model.Encode(state, model.CodecZstd)
func Encode(v interface{}, codec Codec) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode model")
	}

	var payload []byte
	switch codec {
	case CodecNone:
		payload = raw
	case CodecZstd:
		enc := zstdEncoderPool.Get().(*zstd.Encoder)
		payload = enc.EncodeAll(raw, nil)
		zstdEncoderPool.Put(enc)
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		var c lz4.Compressor
		n, err := c.CompressBlock(raw, dst)
		if err != nil {
			return nil, errors.Wrap(err, "lz4 compression failed")
		}
		payload = dst[:n]
	default:
		return nil, errors.NewValidationError("codec", "unknown compression codec", codec)
	}

	out := make([]byte, headerSize, headerSize+len(payload))
	copy(out[0:4], magic[:])
	out[4] = envelopeVersion
	out[5] = byte(codec)
	binary.LittleEndian.PutUint64(out[6:14], xxhash.Sum64(raw))
	binary.LittleEndian.PutUint64(out[14:22], uint64(len(raw)))
	return append(out, payload...), nil
}

// Decode はEncodeで作成したエンベロープを検証してvに復元します。
func Decode(data []byte, v interface{}) error {
	if len(data) < headerSize || !bytes.Equal(data[0:4], magic[:]) {
		return errors.Wrap(ErrCorruptModel, "missing header")
	}
	if data[4] != envelopeVersion {
		return errors.Wrapf(ErrCorruptModel, "unsupported envelope version %d", data[4])
	}
	codec := Codec(data[5])
	sum := binary.LittleEndian.Uint64(data[6:14])
	rawLen := binary.LittleEndian.Uint64(data[14:22])
	payload := data[headerSize:]

	var raw []byte
	switch codec {
	case CodecNone:
		raw = payload
	case CodecZstd:
		dec := zstdDecoderPool.Get().(*zstd.Decoder)
		out, err := dec.DecodeAll(payload, nil)
		zstdDecoderPool.Put(dec)
		if err != nil {
			return errors.Wrap(ErrCorruptModel, err.Error())
		}
		raw = out
	case CodecLZ4:
		raw = make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return errors.Wrap(ErrCorruptModel, err.Error())
		}
		raw = raw[:n]
	default:
		return errors.Wrapf(ErrCorruptModel, "unknown codec %d", codec)
	}

	if uint64(len(raw)) != rawLen || xxhash.Sum64(raw) != sum {
		return errors.Wrap(ErrCorruptModel, "checksum mismatch")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(err, "failed to decode model")
	}
	return nil
}

// SaveModelToWriter はモデルをio.Writerに保存する
func SaveModelToWriter(v interface{}, w io.Writer, codec Codec) error {
	blob, err := Encode(v, codec)
	if err != nil {
		return err
	}
	if _, err := w.Write(blob); err != nil {
		return errors.Wrap(err, "failed to write model")
	}
	return nil
}

// LoadModelFromReader はio.Readerからモデルを読み込む
func LoadModelFromReader(v interface{}, r io.Reader) error {
	blob, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "failed to read model")
	}
	return Decode(blob, v)
}

// SaveModel はモデルをファイルに保存する
//
// 使用例:
//
//	err := model.SaveModel(state, "model.gpb", model.CodecZstd)
func SaveModel(v interface{}, filename string, codec Codec) error {
	file, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "failed to create file")
	}
	defer file.Close()
	return SaveModelToWriter(v, file, codec)
}

// LoadModel はファイルからモデルを読み込む
func LoadModel(v interface{}, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return errors.Wrap(err, "failed to open file")
	}
	defer file.Close()
	return LoadModelFromReader(v, file)
}

// Fingerprint returns the xxhash64 of the given float slices, used as a
// cache key for derived structures that depend on input data.
func Fingerprint(slices ...[]float64) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, s := range slices {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(s)))
		_, _ = d.Write(buf[:])
		for _, v := range s {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			_, _ = d.Write(buf[:])
		}
	}
	return d.Sum64()
}
