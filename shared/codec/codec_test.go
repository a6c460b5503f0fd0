package codec_test

import (
	"errors"
	"testing"

	"github.com/meidoworks/sqlbus/service/busapi"
	"github.com/meidoworks/sqlbus/shared/codec"
	"github.com/meidoworks/sqlbus/shared/testlib"
)

type orderPlaced struct {
	OrderId string `cbor:"1,keyasint"`
	Amount  int64  `cbor:"2,keyasint"`
}

func newSerializer() *codec.CborSerializer {
	s := codec.NewCborSerializer()
	s.Register(codec.TypeName(&orderPlaced{}), func() any { return new(orderPlaced) })
	return s
}

func TestSerializeRoundTrip(t *testing.T) {
	s := newSerializer()

	in := []any{
		&orderPlaced{OrderId: "o-1", Amount: 100},
		&orderPlaced{OrderId: "o-2", Amount: 250},
	}
	data, err := s.Serialize(in)
	testlib.AssertError(t, err)

	out, err := s.Deserialize(data)
	testlib.AssertError(t, err)
	testlib.AssertDeepEqual(t, in, out)
}

func TestSerializeUnknownType(t *testing.T) {
	s := codec.NewCborSerializer()
	_, err := s.Serialize([]any{&orderPlaced{}})
	testlib.AssertTrue(t, errors.Is(err, busapi.ErrSerializeUnknownType), "unregistered type must be rejected")
}

func TestDeserializeUnknownType(t *testing.T) {
	sender := newSerializer()
	data, err := sender.Serialize([]any{&orderPlaced{OrderId: "o-1"}})
	testlib.AssertError(t, err)

	receiver := codec.NewCborSerializer()
	_, err = receiver.Deserialize(data)
	testlib.AssertTrue(t, errors.Is(err, busapi.ErrDeserializeUnknownType), "unknown envelope type must be rejected")
}

func TestDeserializeGarbage(t *testing.T) {
	s := newSerializer()
	if _, err := s.Deserialize([]byte("not snappy at all")); err == nil {
		t.Fatal("expected an error for corrupt input")
	}
}
