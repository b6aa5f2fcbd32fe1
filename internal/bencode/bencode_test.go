package bencode

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEncodeRoundTrip(t *testing.T) {
	input := "d3:cow3:moo4:spaml1:a1:beee"
	v, err := Decode(strings.NewReader(input))
	require.NoError(t, err)

	require.Equal(t, TypeDict, v.Type)
	cow, ok := v.Get("cow")
	require.True(t, ok)
	assert.Equal(t, "moo", string(cow.Str))

	spam, ok := v.Get("spam")
	require.True(t, ok)
	require.Equal(t, TypeList, spam.Type)
	require.Len(t, spam.List, 2)
	assert.Equal(t, "a", string(spam.List[0].Str))
	assert.Equal(t, "b", string(spam.List[1].Str))

	out := EncodeBytes(v)
	assert.Equal(t, input, string(out))
}

func TestDecodeNegativeZeroRejected(t *testing.T) {
	_, err := Decode(strings.NewReader("i-0e"))
	require.Error(t, err)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindNegZero, de.Kind)
}

func TestDecodeLeadingZeroRejected(t *testing.T) {
	_, err := Decode(strings.NewReader("i03e"))
	require.Error(t, err)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindLeadingZero, de.Kind)
}

func TestDecodeStringLeadingZeroRejected(t *testing.T) {
	_, err := Decode(strings.NewReader("03:abc"))
	require.Error(t, err)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindLeadingZero, de.Kind)
}

func TestDecodeZeroLengthStringAllowed(t *testing.T) {
	v, err := Decode(strings.NewReader("0:"))
	require.NoError(t, err)
	assert.Equal(t, "", string(v.Str))
}

func TestDecodeTrailingGarbage(t *testing.T) {
	_, err := Decode(strings.NewReader("i1ee"))
	require.Error(t, err)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindTrailingGarbage, de.Kind)
}

func TestDecodeNonStringKey(t *testing.T) {
	_, err := Decode(strings.NewReader("di1ei2ee"))
	require.Error(t, err)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindNonStringKey, de.Kind)
}

func TestDecodeCaptureInfoSubtree(t *testing.T) {
	// outer dict with an "info" key whose exact raw bytes we capture.
	input := "d6:lengthi10e4:infod4:name3:foo6:lengthi10eee"
	v, captured, err := DecodeCapture(strings.NewReader(input), "info")
	require.NoError(t, err)
	require.NotNil(t, captured)

	info, ok := v.Get("info")
	require.True(t, ok)
	assert.Equal(t, "d4:name3:foo6:lengthi10ee", string(captured))

	// re-decoding the captured bytes alone must reproduce the same value.
	reDecoded, err := Decode(bytes.NewReader(captured))
	require.NoError(t, err)
	name, ok := reDecoded.Get("name")
	require.True(t, ok)
	assert.Equal(t, "foo", string(name.Str))
	_ = info
}

func TestEncodeSortsKeys(t *testing.T) {
	v := Value{Type: TypeDict, Dict: map[string]Value{
		"zebra": {Type: TypeInt, Int: 1},
		"apple": {Type: TypeInt, Int: 2},
	}}
	out := EncodeBytes(v)
	assert.Equal(t, "d5:applei2e5:zebrai1ee", string(out))
}
