// Package codec turns partition byte streams into records and back.
package codec

import (
	"errors"
	"fmt"
	"io"

	"github.com/tinylib/msgp/msgp"

	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
)

// ErrMalformedRecord is returned when a record is not a [key, value] pair.
var ErrMalformedRecord = errors.New("malformed record")

// RecordDecoder yields records until io.EOF.
type RecordDecoder interface {
	Decode() (shuffle.KeyValue, error)
}

// RecordEncoder writes records. Flush must be called before the underlying
// writer is closed.
type RecordEncoder interface {
	Encode(kv shuffle.KeyValue) error
	Flush() error
}

// Serializer creates record decoders and encoders for a byte stream.
type Serializer interface {
	NewDecoder(r io.Reader) RecordDecoder
	NewEncoder(w io.Writer) RecordEncoder
}

// MsgpSerializer encodes every record as a two element msgpack array.
type MsgpSerializer struct{}

func (MsgpSerializer) NewDecoder(r io.Reader) RecordDecoder {
	return &msgpDecoder{r: msgp.NewReader(r)}
}

func (MsgpSerializer) NewEncoder(w io.Writer) RecordEncoder {
	return &msgpEncoder{w: msgp.NewWriter(w)}
}

type msgpDecoder struct {
	r *msgp.Reader
}

func (d *msgpDecoder) Decode() (shuffle.KeyValue, error) {
	if _, err := d.r.R.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return shuffle.KeyValue{}, io.EOF
		}
		return shuffle.KeyValue{}, err
	}

	n, err := d.r.ReadArrayHeader()
	if err != nil {
		return shuffle.KeyValue{}, truncated(err)
	}
	if n != 2 {
		return shuffle.KeyValue{}, fmt.Errorf("%w: array of %d elements", ErrMalformedRecord, n)
	}

	var kv shuffle.KeyValue
	if kv.Key, err = d.r.ReadString(); err != nil {
		return shuffle.KeyValue{}, truncated(err)
	}
	if kv.Value, err = d.r.ReadString(); err != nil {
		return shuffle.KeyValue{}, truncated(err)
	}
	return kv, nil
}

// truncated reports an end of stream inside a record as unexpected.
func truncated(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	var te msgp.TypeError
	if errors.As(err, &te) {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return err
}

type msgpEncoder struct {
	w *msgp.Writer
}

func (e *msgpEncoder) Encode(kv shuffle.KeyValue) error {
	if err := e.w.WriteArrayHeader(2); err != nil {
		return err
	}
	if err := e.w.WriteString(kv.Key); err != nil {
		return err
	}
	return e.w.WriteString(kv.Value)
}

func (e *msgpEncoder) Flush() error {
	return e.w.Flush()
}
