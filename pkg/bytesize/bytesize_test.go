package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1024", 1024},
		{"0", 0},
		{"1KB", KB},
		{"1.5 GB", GB + GB/2},
		{"500Mi", 500 * MB},
		{"10gib", 10 * GB},
		{"2T", 2 * TB},
		{"1PB", PB},
		{"inf", Unlimited},
		{"Infinity", Unlimited},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{"", "abc", "-5", "10XB", "1..5GB"} {
		_, err := Parse(in)
		assert.Error(t, err, in)
	}
	assert.Panics(t, func() { MustParse("nope") })
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "512 B", Format(512))
	assert.Equal(t, "1.50 KB", Format(1536))
	assert.Equal(t, "4.00 GB", Format(4*GB))
	assert.Equal(t, "2.00 PB", Format(2*PB))
}

func TestSizeYAML(t *testing.T) {
	var v struct {
		A Size `yaml:"a"`
		B Size `yaml:"b"`
		C Size `yaml:"c"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 2048\nb: 10Gi\nc: inf\n"), &v))
	assert.Equal(t, int64(2048), v.A.Bytes())
	assert.Equal(t, 10*GB, v.B.Bytes())
	assert.Equal(t, Unlimited, v.C.Bytes())

	assert.Error(t, yaml.Unmarshal([]byte("a: -1\n"), &v))
	assert.Error(t, yaml.Unmarshal([]byte("a: lots\n"), &v))
	assert.Error(t, yaml.Unmarshal([]byte("a: [1]\n"), &v))

	out, err := yaml.Marshal(struct {
		A Size `yaml:"a"`
	}{A: Size(3 * KB)})
	require.NoError(t, err)
	assert.Equal(t, "a: 3072\n", string(out))
}

func TestSizeFlag(t *testing.T) {
	var s Size
	require.NoError(t, s.Set("20MB"))
	assert.Equal(t, 20*MB, s.Bytes())
	assert.Equal(t, "20.00 MB", s.String())
	assert.Equal(t, "size", s.Type())
	assert.Error(t, s.Set("twenty"))
}
