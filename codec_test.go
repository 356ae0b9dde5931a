package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type testPerson struct {
	Name    string
	Friends []string
	Tags    map[string]int
}

func TestMsgpackCodec(t *testing.T) {
	codec := &MsgpackCodec{}

	data, err := codec.Encode("Scooby Doo")
	assert.Nil(t, err)
	assert.NotNil(t, data)

	var value string
	err = codec.Decode(data, &value)
	assert.Nil(t, err)
	assert.Equal(t, "Scooby Doo", value)
}

func TestMsgpackCodecZeroValue(t *testing.T) {
	codec := &MsgpackCodec{}

	for _, zero := range []any{"", 0, false, testPerson{}} {
		data, err := codec.Encode(zero)
		assert.Nil(t, err)
		assert.Nil(t, data, "expected %T zero value to encode to nil", zero)
	}

	value := 42
	err := codec.Decode(nil, &value)
	assert.Nil(t, err)
	assert.Equal(t, 0, value)
}

func TestMsgpackCodecDecodeTarget(t *testing.T) {
	codec := &MsgpackCodec{}

	var value string
	err := codec.Decode([]byte{0xa1, 'x'}, value)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	var nilTarget *string
	err = codec.Decode([]byte{0xa1, 'x'}, nilTarget)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestClone(t *testing.T) {
	codec := &MsgpackCodec{}
	original := testPerson{
		Name:    "Shaggy",
		Friends: []string{"Scooby"},
		Tags:    map[string]int{"snacks": 10},
	}

	clone, err := Clone(codec, original)
	assert.Nil(t, err)
	assert.Equal(t, original, clone)

	clone.Friends[0] = "Scrappy"
	clone.Tags["snacks"] = 0
	assert.Equal(t, "Scooby", original.Friends[0])
	assert.Equal(t, 10, original.Tags["snacks"])

	zero, err := Clone(codec, testPerson{})
	assert.Nil(t, err)
	assert.Equal(t, testPerson{}, zero)
}

func TestIsNil(t *testing.T) {
	var p *testPerson
	var m map[string]int
	var s []int

	assert.True(t, isNil(nil))
	assert.True(t, isNil(p))
	assert.True(t, isNil(m))
	assert.True(t, isNil(s))
	assert.False(t, isNil(""))
	assert.False(t, isNil(0))
	assert.False(t, isNil(&testPerson{}))
}

func TestMsgpackCodecDecodeResetsTarget(t *testing.T) {
	codec := &MsgpackCodec{}

	data, err := codec.Encode(map[string]int{"x": 1})
	assert.Nil(t, err)
	tags := map[string]int{"stale": 9}
	assert.Nil(t, codec.Decode(data, &tags))
	assert.Equal(t, map[string]int{"x": 1}, tags)

	data, err = codec.Encode(testPerson{Name: "Shaggy"})
	assert.Nil(t, err)
	person := testPerson{Name: "Fred", Friends: []string{"stale"}, Tags: map[string]int{"stale": 9}}
	assert.Nil(t, codec.Decode(data, &person))
	assert.Equal(t, "Shaggy", person.Name)
	assert.Empty(t, person.Friends)
	assert.Empty(t, person.Tags)
}
