package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"gopkg.in/yaml.v3"
)

// Compression names the compressor a task was built with. Requesting
// Gzip produces zlib-compressed bytes labeled as application/x-gzip
// in the envelope, matching the Celery reference worker's own quirk
// (see Headers.Compression).
type Compression string

// Supported compressors.
const (
	CompressionIdentity Compression = "identity"
	CompressionZlib     Compression = "zlib"
	CompressionGzip     Compression = "gzip"
)

// mimeGzip is the MIME token Celery expects for ANY non-identity
// compression, regardless of whether zlib or gzip was requested.
const mimeGzip = "application/x-gzip"

// Serializer names the body serializer.
type Serializer string

// Supported serializers.
const (
	SerializerJSON Serializer = "json"
	SerializerYAML Serializer = "yaml"
)

// MimeType returns the content-type header for the serializer.
func (s Serializer) MimeType() string {
	switch s {
	case SerializerYAML:
		return "application/x-yaml"
	default:
		return "application/json"
	}
}

// Params holds the positional and keyword args a packer serializes;
// the packer appends the third element of the serialized 3-tuple, the
// (always-null, chaining/chords out of scope) task options.
type Params struct {
	Args   []interface{}
	Kwargs map[string]interface{}
}

// taskOpts is always emitted as all-null: workflow primitives
// (callbacks/chain/chord/errbacks) are out of scope for this client.
type taskOpts struct {
	Callbacks interface{} `json:"callbacks"`
	Chain     interface{} `json:"chain"`
	Chord     interface{} `json:"chord"`
	Errbacks  interface{} `json:"errbacks"`
}

// Packed is the outcome of Pack: the body string plus the two
// envelope fields it determines.
type Packed struct {
	Body            string
	BodyEncoding    string
	CompressionMime *string
}

// Packer serializes a task's args/kwargs, optionally compresses the
// result, and encodes it into the envelope's body string.
type Packer interface {
	Pack(ser Serializer, comp Compression, p Params) (Packed, error)
	Unpack(ser Serializer, comp Compression, body, bodyEncoding string) (Params, error)
}

// DefaultPacker is the packer every TaskBuilder uses unless overridden.
type DefaultPacker struct{}

// Pack serializes p with ser, compresses with comp (applying the
// gzip->zlib quirk), and base64-encodes the result whenever
// compression isn't identity; identity compression is encoded as
// plain utf-8.
func (DefaultPacker) Pack(ser Serializer, comp Compression, p Params) (Packed, error) {
	raw, err := marshal(ser, p)
	if err != nil {
		return Packed{}, err
	}

	if comp == "" || comp == CompressionIdentity {
		return Packed{Body: string(raw), BodyEncoding: "utf-8"}, nil
	}

	compressed, err := compress(raw)
	if err != nil {
		return Packed{}, err
	}
	mime := mimeGzip
	return Packed{
		Body:            base64.StdEncoding.EncodeToString(compressed),
		BodyEncoding:    "base64",
		CompressionMime: &mime,
	}, nil
}

// Unpack reverses Pack.
func (DefaultPacker) Unpack(ser Serializer, comp Compression, body, bodyEncoding string) (Params, error) {
	raw := []byte(body)
	if bodyEncoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return Params{}, fmt.Errorf("protocol: base64 decode: %w", err)
		}
		raw = decoded
	}
	if comp != "" && comp != CompressionIdentity {
		decompressed, err := decompress(raw)
		if err != nil {
			return Params{}, err
		}
		raw = decompressed
	}

	return unmarshal(ser, raw)
}

func marshal(ser Serializer, p Params) ([]byte, error) {
	args := p.Args
	if args == nil {
		args = []interface{}{}
	}
	kwargs := p.Kwargs
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	triple := [3]interface{}{args, kwargs, taskOpts{}}

	switch ser {
	case SerializerYAML:
		b, err := yaml.Marshal(triple)
		if err != nil {
			return nil, fmt.Errorf("protocol: yaml encode: %w", err)
		}
		return b, nil
	default:
		b, err := json.Marshal(triple)
		if err != nil {
			return nil, fmt.Errorf("protocol: json encode: %w", err)
		}
		return b, nil
	}
}

func unmarshal(ser Serializer, raw []byte) (Params, error) {
	var triple [3]interface{}

	switch ser {
	case SerializerYAML:
		if err := yaml.Unmarshal(raw, &triple); err != nil {
			return Params{}, fmt.Errorf("protocol: yaml decode: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, &triple); err != nil {
			return Params{}, fmt.Errorf("protocol: json decode: %w", err)
		}
	}

	args, ok := triple[0].([]interface{})
	if !ok {
		return Params{}, fmt.Errorf("protocol: expected args, got %T", triple[0])
	}
	kwargs, ok := triple[1].(map[string]interface{})
	if !ok {
		return Params{}, fmt.Errorf("protocol: expected kwargs, got %T", triple[1])
	}
	return Params{Args: args, Kwargs: kwargs}, nil
}

// compress always uses zlib: requesting gzip is relabeled at the
// Pack/envelope level, not implemented with an actual gzip codec,
// matching the Celery worker's own gzip->zlib quirk.
func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("protocol: zlib compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("protocol: zlib compress: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(raw []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("protocol: zlib decompress: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("protocol: zlib decompress: %w", err)
	}
	return out, nil
}
