package nats

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "776562686f6f6b", keyPrefix("webhook"))

	key := newKey("orders/created")
	prefix, id, ok := strings.Cut(key, ".")
	require.True(t, ok)
	assert.Equal(t, keyPrefix("orders/created"), prefix)
	assert.Len(t, id, 36)
	assert.NotEqual(t, key, newKey("orders/created"))
}

func TestDeleteByID_IgnoresForeignIDs(t *testing.T) {
	repo := &PendingRepo{}
	assert.NoError(t, repo.DeleteByID(context.Background(), "not-a-kv-id"))
}
