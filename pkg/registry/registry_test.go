package registry_test

import (
	"strings"
	"testing"

	"github.com/aretw0/tendril/pkg/domain"
	"github.com/aretw0/tendril/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CreateAndGet(t *testing.T) {
	r := registry.New()
	obj, err := r.Create(map[string]any{"name": "Amy", "age": 18, "isVis": false})
	require.NoError(t, err)

	name, err := obj.Get("name")
	require.NoError(t, err)
	assert.Equal(t, "Amy", name)

	age, err := obj.Get("age")
	require.NoError(t, err)
	assert.Equal(t, float64(18), age)

	_, err = obj.Get("missing")
	assert.ErrorIs(t, err, domain.ErrUnknownKey)

	got, ok := r.Lookup(obj.Handle())
	assert.True(t, ok)
	assert.Same(t, obj, got)

	r.Destroy(obj.Handle())
	_, ok = r.Lookup(obj.Handle())
	assert.False(t, ok)
}

func TestRegistry_UndefinedFields(t *testing.T) {
	r := registry.New()
	obj, err := r.Create(map[string]any{"name": nil, "age": nil})
	require.NoError(t, err)

	assert.Equal(t, []string{"age", "name"}, obj.Keys(), "undefined keys stay declared")
	_, err = obj.Get("name")
	assert.ErrorIs(t, err, domain.ErrUnknownKey)

	require.NoError(t, obj.Put(map[string]domain.EncodedValue{"name": "[STRING]jack", "extra": "1"}, []string{"name", "extra"}))
	name, err := obj.Get("name")
	require.NoError(t, err)
	assert.Equal(t, "jack", name)
	assert.Equal(t, []string{"age", "name", "extra"}, obj.Keys())
}

func TestRegistry_CreateRejectsOversizedFields(t *testing.T) {
	r := registry.New(registry.WithSizeLimit(16))
	_, err := r.Create(map[string]any{"k": strings.Repeat("x", 32)})
	assert.ErrorIs(t, err, domain.ErrSizeLimitExceeded)
	assert.Equal(t, 0, r.Len())
}

func TestObject_PutAdvancesTimestamp(t *testing.T) {
	r := registry.New()
	obj, err := r.Create(map[string]any{"n": 1})
	require.NoError(t, err)

	f, ok := obj.Field("n")
	require.True(t, ok)
	assert.Equal(t, uint64(1), f.Timestamp)

	require.NoError(t, obj.Put(map[string]domain.EncodedValue{"n": "2"}, []string{"n"}))
	f, _ = obj.Field("n")
	assert.Equal(t, uint64(2), f.Timestamp)
}

func TestObject_UnbindAdoptsSessionValues(t *testing.T) {
	r := registry.New()
	obj, err := r.Create(map[string]any{"n": 1})
	require.NoError(t, err)

	obj.Bind("s1")
	assert.Equal(t, "s1", obj.SessionID())

	session := registry.NewTable(0)
	session.Set("n", domain.Field{Value: "5", Timestamp: 7, Origin: "peer"})
	session.Set("m", domain.Field{Value: "true", Timestamp: 1, Origin: "peer"})
	obj.Unbind(session)

	assert.Equal(t, "", obj.SessionID())
	n, err := obj.Get("n")
	require.NoError(t, err)
	assert.Equal(t, float64(5), n)
	m, err := obj.Get("m")
	require.NoError(t, err)
	assert.Equal(t, true, m)

	session.Set("n", domain.Field{Value: "9"})
	n, _ = obj.Get("n")
	assert.Equal(t, float64(5), n, "unbind copies the table")
}
