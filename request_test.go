package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandPath(t *testing.T) {
	tests := []struct {
		template, id, want string
	}{
		{"/users/:id", "42", "/users/42"},
		{"/users/:id/followers", "42", "/users/42/followers"},
		{"/users/:id", "a b/c", "/users/a%20b%2Fc"},
		{"/me", "", "/me"},
		{"/me", "collections", "/me/collections"},
		{"/me/", "/collections", "/me/collections"},
	}
	for _, tt := range tests {
		got, err := expandPath(tt.template, tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.template)
	}

	_, err := expandPath("/users/:id", "")
	assert.Error(t, err)
}

func TestEncodeQuery(t *testing.T) {
	assert.Equal(t, "", encodeQuery(nil))
	assert.Equal(t,
		"ids%5B%5D=1&ids%5B%5D=2&published=true&size=10",
		encodeQuery(Params{"size": 10, "published": true, "ids": []string{"1", "2"}}),
	)
	assert.Equal(t, "ids%5B%5D=1&ids%5B%5D=x", encodeQuery(Params{"ids": []interface{}{1, "x"}}))
	assert.Equal(t, "", encodeQuery(Params{"skip": nil}))
}

func TestEncodeQueryTypedSlices(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		want   string
	}{
		{"int64", Params{"ids": []int64{1, 2}}, "ids%5B%5D=1&ids%5B%5D=2"},
		{"float64", Params{"ratio": []float64{1.5}}, "ratio%5B%5D=1.5"},
		{"bool", Params{"flags": []bool{true, false}}, "flags%5B%5D=true&flags%5B%5D=false"},
		{"array", Params{"ids": [2]uint{7, 8}}, "ids%5B%5D=7&ids%5B%5D=8"},
		{"empty slice", Params{"ids": []int64{}}, ""},
		{"bytes", Params{"q": []byte("abc")}, "q=abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, encodeQuery(tt.params))
		})
	}
}

func TestCanonicalKeyIsOrderIndependent(t *testing.T) {
	ep := &Endpoint{Path: "/artworks"}

	a, err := resolveCall(ep, "", Params{"size": 10, "sort": "-date", "ids": []int{3, 1}})
	require.NoError(t, err)
	b, err := resolveCall(ep, "", Params{"ids": []int{3, 1}, "sort": "-date", "size": 10})
	require.NoError(t, err)

	assert.Equal(t, a.canonicalKey(), b.canonicalKey())
	assert.Equal(t, "GET /artworks?ids%5B%5D=3&ids%5B%5D=1&size=10&sort=-date", a.canonicalKey())
}

func TestCanonicalKeyForBody(t *testing.T) {
	ep := &Endpoint{Path: "/orders", Method: "POST"}

	a, err := resolveCall(ep, "", Params{"b": 1, "a": 2})
	require.NoError(t, err)
	b, err := resolveCall(ep, "", Params{"a": 2, "b": 1})
	require.NoError(t, err)
	c, err := resolveCall(ep, "", Params{"a": 3})
	require.NoError(t, err)

	assert.Equal(t, `{"a":2,"b":1}`, string(a.body))
	assert.Empty(t, a.query)
	assert.Equal(t, a.canonicalKey(), b.canonicalKey())
	assert.NotEqual(t, a.canonicalKey(), c.canonicalKey())
}

func TestCallTarget(t *testing.T) {
	c := call{method: "GET", path: "/artworks", query: "size=1"}
	assert.Equal(t, "https://api.test/api/v1/artworks?size=1", c.target("https://api.test/api/v1/"))
}

func TestCountParams(t *testing.T) {
	assert.Equal(t, 0, countParams("/me"))
	assert.Equal(t, 1, countParams("/users/:id"))
	assert.Equal(t, 2, countParams("/a/:x/b/:y"))
}
