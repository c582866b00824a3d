package grc

import (
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleConfig struct {
	IV Int   `default:"123" comment:"test"`
	AV Slice `default:"aa,bb" comment:"xx"`
	ES struct {
		MV Map `default:"a:1,b:2" comment:"mmmm"`
	}
	EIV     int        `default:"1" comment:"internal int"`
	ESV     [][]string `default:"cc,dd" comment:"internal slice"`
	private int
}

func TestParseConfigItems(t *testing.T) {
	items, err := parseConfig(reflect.TypeOf(&sampleConfig{}), "")
	require.NoError(t, err)
	require.Len(t, items, 5)

	assert.Equal(t, "grc.Int", items["IV"].Type)
	assert.Equal(t, "int", items["IV"].HintType)
	assert.Equal(t, "test", items["IV"].Comment)

	assert.Equal(t, "aa;bb", items["AV"].Value)
	assert.Equal(t, "slice", items["AV"].HintType)

	assert.Equal(t, "a:1;b:2", items["ES/MV"].Value)
	assert.Equal(t, "map", items["ES/MV"].HintType)

	assert.Equal(t, "[][]string", items["ESV"].Type)
	assert.Equal(t, "cc;dd", items["ESV"].Value)
	assert.NotContains(t, items, "private")
}

func TestParseConfigRejectsDeepNesting(t *testing.T) {
	type Config struct {
		Deep [][][]string
	}
	_, err := parseConfig(reflect.TypeOf(Config{}), "")
	assert.ErrorIs(t, err, ErrExceedDepth)
}

func TestParseConfigRejectsNestedDynamic(t *testing.T) {
	type Config struct {
		List []Int
	}
	_, err := parseConfig(reflect.TypeOf(Config{}), "")
	assert.ErrorIs(t, err, ErrNestedDynamic)
}

func TestParseConfigRejectsUnsupportedKinds(t *testing.T) {
	type Config struct {
		Ch chan int
	}
	_, err := parseConfig(reflect.TypeOf(Config{}), "")

	var ute *UnsupportedTypeError
	require.True(t, errors.As(err, &ute))
	assert.Equal(t, "Ch", ute.Field)
}

type upperString string

func (u *upperString) Set(v string) error {
	*u = upperString(v + "!")
	return nil
}

func TestSetterAndPointerGroups(t *testing.T) {
	type Inner struct {
		Label upperString `default:"hi"`
	}
	type Config struct {
		Inner *Inner
		Arr   [2]int `default:"1,2,3"`
	}
	items, err := parseConfig(reflect.TypeOf(Config{}), "")
	require.NoError(t, err)
	require.Contains(t, items, "Inner/Label")

	var cfg Config
	root := reflect.ValueOf(&cfg).Elem()
	for key, item := range items {
		field, ok := resolveField(root, key, modeInit)
		require.True(t, ok, key)
		_, err := assign(item.Value, field, false, modeInit)
		require.NoError(t, err)
	}

	require.NotNil(t, cfg.Inner)
	assert.Equal(t, upperString("hi!"), cfg.Inner.Label)
	assert.Equal(t, [2]int{1, 2}, cfg.Arr)
}

func TestResolveFieldUpdateModeDoesNotAllocate(t *testing.T) {
	type Inner struct{ V int }
	type Config struct{ Inner *Inner }

	var cfg Config
	_, ok := resolveField(reflect.ValueOf(&cfg).Elem(), "Inner/V", modeUpdate)
	assert.False(t, ok)
	assert.Nil(t, cfg.Inner)
}
