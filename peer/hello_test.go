package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateHello(t *testing.T) {
	data := []byte(`{"lang":"python","serializer":"json","sentinel":"__GOBOND","version":1}`)
	hello, err := ValidateHello(data)
	require.NoError(t, err)
	assert.Equal(t, "python", hello.Lang)
	assert.Equal(t, "json", hello.Serializer)
	assert.Equal(t, "__GOBOND", hello.Sentinel)
	assert.Equal(t, 1, hello.Version)
}

func TestValidateHelloRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":         `not json at all`,
		"missing field":    `{"lang":"python","serializer":"json","version":1}`,
		"empty lang":       `{"lang":"","serializer":"json","sentinel":"__X","version":1}`,
		"bad sentinel":     `{"lang":"go","serializer":"json","sentinel":"1bad","version":1}`,
		"zero version":     `{"lang":"go","serializer":"json","sentinel":"__X","version":0}`,
		"version not int":  `{"lang":"go","serializer":"json","sentinel":"__X","version":"1"}`,
		"sentinel spaces":  `{"lang":"go","serializer":"json","sentinel":"a b","version":1}`,
		"plain value":      `42`,
	}

	for name, data := range cases {
		_, err := ValidateHello([]byte(data))
		assert.Error(t, err, name)
	}
}

func TestEncodeHelloRoundtrip(t *testing.T) {
	hello := &Hello{Lang: "gopeer", Serializer: "cbor", Sentinel: "__GOBOND", Version: 1}
	data, err := EncodeHello(hello)
	require.NoError(t, err)

	parsed, err := ValidateHello(data)
	require.NoError(t, err)
	assert.Equal(t, hello, parsed)
}
