package middleware_test

import (
	"context"
	"strings"
	"testing"

	"github.com/aretw0/tendril/pkg/adapters/memory"
	"github.com/aretw0/tendril/pkg/domain"
	"github.com/aretw0/tendril/pkg/persistence/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExcludeMiddleware_DropsMatchingFields(t *testing.T) {
	underlyingStore := memory.NewStore()
	store := middleware.NewExcludeMiddleware([]string{"^cursor", "token$"})(underlyingStore)

	ctx := context.Background()
	snap := &domain.Snapshot{
		SessionID: "room",
		Fields: map[string]domain.Field{
			"name":       {Value: "[STRING]Amy", Timestamp: 1},
			"cursor_x":   {Value: "12", Timestamp: 3},
			"auth_token": {Value: "[STRING]abc", Timestamp: 2},
		},
		Order: []string{"name", "cursor_x", "auth_token"},
	}

	require.NoError(t, store.Save(ctx, "room", snap))
	assert.Len(t, snap.Fields, 3, "caller's snapshot is not modified")
	assert.Equal(t, []string{"name", "cursor_x", "auth_token"}, snap.Order)

	stored, err := store.Load(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, stored.Keys())
	assert.NotContains(t, stored.Fields, "cursor_x")
}

func TestChain_OrderIsOutermostFirst(t *testing.T) {
	underlyingStore := memory.NewStore()
	key := make([]byte, 32)
	store := middleware.Chain(underlyingStore,
		middleware.NewExcludeMiddleware([]string{"^tmp"}),
		middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: key}),
	)

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "room", &domain.Snapshot{
		SessionID: "room",
		Fields: map[string]domain.Field{
			"tmp_value": {Value: "1"},
			"kept":      {Value: "2"},
		},
	}))

	raw, err := underlyingStore.Load(ctx, "room")
	require.NoError(t, err)
	require.Contains(t, raw.Fields, "kept")
	assert.NotContains(t, raw.Fields, "tmp_value")
	assert.True(t, strings.HasPrefix(string(raw.Fields["kept"].Value), middleware.SealedPrefix), "encryption sits below exclusion")

	loaded, err := store.Load(ctx, "room")
	require.NoError(t, err)
	assert.Contains(t, loaded.Fields, "kept")
	assert.NotContains(t, loaded.Fields, "tmp_value")
}
