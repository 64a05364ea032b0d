package plugin

import (
	"testing"

	"github.com/mrzor/vme-daq/internal/dataflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Builtins(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{
		TypeFanout,
		TypeFilter,
		TypeHistogram,
		TypeIntToDouble,
		TypeMADC32Processor,
		TypeMTDC32Processor,
		TypeRawWriter,
	}, r.Types())

	d, ok := r.Lookup(TypeHistogram)
	require.True(t, ok)
	assert.Equal(t, GroupCache, d.Group)
	assert.Equal(t, map[string]any{"bins": 4096, "stride": 1, "kind": "words"}, d.Defaults())

	d, ok = r.Lookup(TypeIntToDouble)
	require.True(t, ok)
	assert.Equal(t, GroupProcessing, d.Group)
}

func TestRegistry_MandatoryOverride(t *testing.T) {
	tests := []struct {
		typ      string
		attrs    map[string]any
		defaults int
		override int
	}{
		{TypeIntToDouble, map[string]any{"channels": 3}, 1, 3},
		{TypeRawWriter, map[string]any{"inputs": 2}, 1, 0},
		{TypeMADC32Processor, nil, 1, 0},
		{TypeMTDC32Processor, nil, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			n, err := DefaultRegistry().Create(tt.typ, "node", tt.attrs, Deps{})
			require.NoError(t, err)
			assert.Equal(t, tt.defaults, n.MandatoryInputs())
			require.NoError(t, n.SetMandatoryInputs(tt.override))
			assert.Equal(t, tt.override, n.MandatoryInputs())
		})
	}
}

func TestRegistry_Errors(t *testing.T) {
	r := DefaultRegistry()

	_, err := r.Create("scope", "s", nil, Deps{})
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = r.Create(TypeHistogram, "h", map[string]any{"binz": 10}, Deps{})
	assert.ErrorContains(t, err, "binz")

	_, err = r.Create(TypeHistogram, "h", map[string]any{"bins": 0}, Deps{})
	assert.Error(t, err)

	err = r.Register(Definition{Type: TypeFanout, New: newFanout})
	assert.ErrorIs(t, err, ErrDuplicateType)
	assert.Error(t, r.Register(Definition{Type: "nofactory"}))
}

func TestRegistry_CustomType(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{
		Type:       "null",
		Group:      GroupAux,
		Attributes: []Attribute{{Name: "size", Default: 3}},
		New: func(name string, attrs map[string]any, _ Deps) (*dataflow.Node, error) {
			var cfg struct {
				Size int `mapstructure:"size"`
			}
			if err := decodeAttributes(attrs, &cfg); err != nil {
				return nil, err
			}
			return dataflow.NewNode(name, "null", nil), nil
		},
	}))
	n, err := r.Create("null", "x", map[string]any{"size": "7"}, Deps{})
	require.NoError(t, err)
	assert.Equal(t, "null", n.Type())
}
