package tenants

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func seedManager(t *testing.T) (*Manager, *MemoryStore) {
	t.Helper()

	store := NewMemoryStore()
	_, err := SeedDemo(context.Background(), store, "tenant-demo")
	require.NoError(t, err)

	mgr := NewManager(store)
	mgr.SetClock(func() time.Time {
		return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	})
	return mgr, store
}

func TestCreateAPIKeyFormatsAndHashesSecret(t *testing.T) {
	mgr, store := seedManager(t)

	key, fullKey, err := mgr.CreateAPIKey(context.Background(), "tenant-demo", "ci", []string{"outbox:read"})
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(fullKey, "acp_"))
	parts := strings.Split(strings.TrimPrefix(fullKey, "acp_"), ".")
	require.Len(t, parts, 2)
	assert.Len(t, parts[0], 16)
	assert.Len(t, parts[1], 48)

	assert.Equal(t, parts[0], key.KeyID)
	assert.NotContains(t, key.KeyHash, parts[1], "secret must not be stored in clear")
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(parts[1])))

	stored, err := store.GetAPIKey(context.Background(), key.KeyID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "tenant-demo", stored.TenantID)
	assert.True(t, stored.IsActive)
}

func TestValidateAPIKeyReturnsTenant(t *testing.T) {
	mgr, store := seedManager(t)

	key, fullKey, err := mgr.CreateAPIKey(context.Background(), "tenant-demo", "ci", nil)
	require.NoError(t, err)

	tenant, err := mgr.ValidateAPIKey(context.Background(), fullKey)
	require.NoError(t, err)
	assert.Equal(t, "tenant-demo", tenant.TenantID)
	assert.Equal(t, StatusActive, tenant.Status)

	stored, err := store.GetAPIKey(context.Background(), key.KeyID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastUsedAt, "validation stamps last_used_at")
}

func TestValidateAPIKeyRejectsMalformedKeys(t *testing.T) {
	mgr, _ := seedManager(t)

	for _, fullKey := range []string{"", "sk-123", "acp_justonepart", "acp_a.b.c"} {
		_, err := mgr.ValidateAPIKey(context.Background(), fullKey)
		require.Error(t, err, "key %q must be rejected", fullKey)
		assert.Contains(t, err.Error(), "invalid key format")
	}
}

func TestValidateAPIKeyRejectsWrongSecret(t *testing.T) {
	mgr, _ := seedManager(t)

	key, _, err := mgr.CreateAPIKey(context.Background(), "tenant-demo", "ci", nil)
	require.NoError(t, err)

	_, err = mgr.ValidateAPIKey(context.Background(), "acp_"+key.KeyID+".deadbeef")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key secret")

	_, err = mgr.ValidateAPIKey(context.Background(), "acp_0000000000000000.deadbeef")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestValidateAPIKeyRejectsRevokedAndExpired(t *testing.T) {
	mgr, store := seedManager(t)

	key, fullKey, err := mgr.CreateAPIKey(context.Background(), "tenant-demo", "ci", nil)
	require.NoError(t, err)
	require.NoError(t, store.RevokeAPIKey(context.Background(), key.KeyID))

	_, err = mgr.ValidateAPIKey(context.Background(), fullKey)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inactive")

	expired, expiredFull, err := mgr.CreateAPIKey(context.Background(), "tenant-demo", "old", nil)
	require.NoError(t, err)
	past := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	expired.ExpiresAt = &past
	require.NoError(t, store.CreateAPIKey(context.Background(), expired))

	_, err = mgr.ValidateAPIKey(context.Background(), expiredFull)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestLoadTenantEnforcesStatus(t *testing.T) {
	mgr, store := seedManager(t)

	_, err := mgr.LoadTenant(context.Background(), "tenant-ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	require.NoError(t, store.UpsertTenant(context.Background(), &Tenant{
		TenantID: "tenant-frozen", Name: "Frozen", Status: StatusSuspended,
	}))
	_, err = mgr.LoadTenant(context.Background(), "tenant-frozen")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SUSPENDED")

	require.NoError(t, store.UpsertTenant(context.Background(), &Tenant{
		TenantID: "tenant-trial", Name: "Trial", Status: StatusTrial,
	}))
	tenant, err := mgr.LoadTenant(context.Background(), "tenant-trial")
	require.NoError(t, err)
	assert.Equal(t, StatusTrial, tenant.Status)
}

func TestTenantContextRoundTrip(t *testing.T) {
	ctx := WithTenant(context.Background(), "tenant-demo")

	id, err := GetTenantID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tenant-demo", id)

	_, err = GetTenantID(context.Background())
	require.Error(t, err)
}
