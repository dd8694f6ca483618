package graph

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var codecs = []Codec{BinaryCodec{}, GobCodec{}}

func sampleNode() *Node {
	created := time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.UTC)
	return &Node{
		ID:     "n1",
		Labels: []string{"Person", "Employee"},
		Properties: Properties{
			"name":     String("Alice"),
			"age":      Integer(30),
			"score":    Float(97.5),
			"nan":      Float(math.NaN()),
			"active":   Boolean(true),
			"joined":   Timestamp(time.Date(1969, 7, 20, 20, 17, 0, 0, time.UTC)),
			"tags":     List(String("a"), Integer(1), List()),
			"address":  Map(map[string]Value{"city": String("Tokyo"), "zip": Integer(1000001)}),
			"nothing":  String(""),
			"negative": Integer(math.MinInt64),
		},
		CreatedAt: created,
		UpdatedAt: created.Add(time.Second),
	}
}

func sampleEdge() *Edge {
	created := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	return &Edge{
		ID:         "e1",
		FromNode:   "n1",
		ToNode:     "n2",
		Label:      "KNOWS",
		Properties: Properties{"since": Integer(2020), "weight": Float(0.5)},
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func assertNodeEqual(t *testing.T, want, got *Node) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Labels, got.Labels)
	assert.True(t, want.Properties.Equal(got.Properties), "properties differ: want %v got %v", want.Properties, got.Properties)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))
}

func assertEdgeEqual(t *testing.T, want, got *Edge) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.FromNode, got.FromNode)
	assert.Equal(t, want.ToNode, got.ToNode)
	assert.Equal(t, want.Label, got.Label)
	assert.True(t, want.Properties.Equal(got.Properties))
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, c := range codecs {
		t.Run(c.Name(), func(t *testing.T) {
			t.Run("node", func(t *testing.T) {
				n := sampleNode()
				data, err := c.EncodeNode(n)
				require.NoError(t, err)

				decoded, err := c.DecodeNode(data)
				require.NoError(t, err)
				assertNodeEqual(t, n, decoded)
			})

			t.Run("edge", func(t *testing.T) {
				e := sampleEdge()
				data, err := c.EncodeEdge(e)
				require.NoError(t, err)

				decoded, err := c.DecodeEdge(data)
				require.NoError(t, err)
				assertEdgeEqual(t, e, decoded)
			})

			t.Run("empty node", func(t *testing.T) {
				n := &Node{ID: "bare", Labels: []string{}, Properties: Properties{}}
				data, err := c.EncodeNode(n)
				require.NoError(t, err)

				decoded, err := c.DecodeNode(data)
				require.NoError(t, err)
				assertNodeEqual(t, n, decoded)
				assert.NotNil(t, decoded.Properties)
				assert.True(t, decoded.CreatedAt.IsZero())
			})

			t.Run("deterministic", func(t *testing.T) {
				a, err := c.EncodeNode(sampleNode())
				require.NoError(t, err)
				b, err := c.EncodeNode(sampleNode())
				require.NoError(t, err)
				assert.Equal(t, a, b)
			})

			t.Run("nil entity", func(t *testing.T) {
				_, err := c.EncodeNode(nil)
				assert.Error(t, err)
				_, err = c.EncodeEdge(nil)
				assert.Error(t, err)
			})
		})
	}
}

func TestBinaryCodec_Corrupt(t *testing.T) {
	c := BinaryCodec{}
	data, err := c.EncodeNode(sampleNode())
	require.NoError(t, err)

	t.Run("every truncation fails", func(t *testing.T) {
		for i := 0; i < len(data); i++ {
			_, err := c.DecodeNode(data[:i])
			require.ErrorIs(t, err, ErrCorruptRecord, "prefix of %d bytes", i)
		}
	})

	t.Run("trailing bytes", func(t *testing.T) {
		_, err := c.DecodeNode(append(append([]byte{}, data...), 0xFF))
		assert.ErrorIs(t, err, ErrCorruptRecord)
	})

	t.Run("wrong entity tag", func(t *testing.T) {
		_, err := c.DecodeEdge(data)
		assert.ErrorIs(t, err, ErrCorruptRecord)
	})

	t.Run("unknown version", func(t *testing.T) {
		bad := append([]byte{}, data...)
		bad[0] = 99
		_, err := c.DecodeNode(bad)
		assert.ErrorIs(t, err, ErrCorruptRecord)
	})

	t.Run("huge count does not allocate", func(t *testing.T) {
		bad := []byte{codecVersion, tagNode, 0, 0, 0, 1, 'x', 0xFF, 0xFF, 0xFF, 0xFF}
		_, err := c.DecodeNode(bad)
		assert.ErrorIs(t, err, ErrCorruptRecord)
	})

	t.Run("garbage", func(t *testing.T) {
		for _, in := range [][]byte{nil, {}, {0xFF}, []byte("not a record at all")} {
			assert.NotPanics(t, func() {
				_, err := c.DecodeNode(in)
				assert.ErrorIs(t, err, ErrCorruptRecord)
			})
		}
	})
}

func TestGobCodec_Corrupt(t *testing.T) {
	c := GobCodec{}
	data, err := c.EncodeEdge(sampleEdge())
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		_, err := c.DecodeEdge(data[:len(data)/2])
		assert.ErrorIs(t, err, ErrCorruptRecord)
	})
	assert.NotPanics(t, func() {
		_, err := c.DecodeNode([]byte("garbage"))
		assert.ErrorIs(t, err, ErrCorruptRecord)
	})
}

func TestCodec_DeepNesting(t *testing.T) {
	v := Value(Integer(1))
	for i := 0; i < maxValueDepth+2; i++ {
		v = List(v)
	}
	n := &Node{ID: "deep", Properties: Properties{"v": v}}
	for _, c := range codecs {
		_, err := c.EncodeNode(n)
		assert.Error(t, err, c.Name())
	}
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, "binary", c.Name())

	c, err = CodecByName("gob")
	require.NoError(t, err)
	assert.Equal(t, "gob", c.Name())

	_, err = CodecByName("protobuf")
	assert.Error(t, err)
}
