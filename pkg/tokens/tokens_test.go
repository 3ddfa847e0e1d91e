package tokens

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelctl/a2arelay/pkg/a2aerrors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.json")
	s, err := NewStore(path)
	require.NoError(t, err)
	return s
}

func TestCreateNeverPersistsWireToken(t *testing.T) {
	s := newTestStore(t)

	wireToken, rec, err := s.Create(Spec{Name: "peer", Tier: TierFriends})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(wireToken, "fed_"))
	assert.NotEqual(t, wireToken, rec.SecretHash)

	data, err := os.ReadFile(s.path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), wireToken)
}

func TestValidateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	wireToken, rec, err := s.Create(Spec{Name: "peer", Tier: TierFriends})
	require.NoError(t, err)

	result := s.Validate(wireToken)
	assert.True(t, result.Valid)
	assert.Equal(t, rec.ID, result.Record.ID)
}

func TestValidateUnknownToken(t *testing.T) {
	s := newTestStore(t)
	result := s.Validate("fed_doesnotexist")
	assert.False(t, result.Valid)
	assert.Equal(t, a2aerrors.TokenInvalidOrExpired, result.Reason)
}

func TestValidateRevoked(t *testing.T) {
	s := newTestStore(t)
	wireToken, rec, err := s.Create(Spec{Name: "peer", Tier: TierFriends})
	require.NoError(t, err)

	require.NoError(t, s.Revoke(rec.ID))

	result := s.Validate(wireToken)
	assert.False(t, result.Valid)
	assert.Equal(t, a2aerrors.TokenRevoked, result.Reason)
}

func TestValidateExpired(t *testing.T) {
	s := newTestStore(t)
	past := time.Now().UTC().Add(-time.Hour)
	wireToken, _, err := s.Create(Spec{Name: "peer", Tier: TierFriends, ExpiresAt: &past})
	require.NoError(t, err)

	result := s.Validate(wireToken)
	assert.False(t, result.Valid)
	assert.Equal(t, a2aerrors.TokenExpired, result.Reason)
}

func TestMaxCallsEnforced(t *testing.T) {
	s := newTestStore(t)
	max := int64(2)
	wireToken, rec, err := s.Create(Spec{Name: "peer", Tier: TierFriends, MaxCalls: &max})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		result := s.Validate(wireToken)
		require.True(t, result.Valid)
		admitted, err := s.Admit(rec.ID)
		require.NoError(t, err)
		require.True(t, admitted)
	}

	result := s.Validate(wireToken)
	assert.False(t, result.Valid)
	assert.Equal(t, a2aerrors.RateLimited, result.Reason)
}

func TestRateLimitPerMinute(t *testing.T) {
	s := newTestStore(t)
	wireToken, rec, err := s.Create(Spec{
		Name: "peer", Tier: TierFriends,
		RateLimits: RateLimits{PerMinute: 2},
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		result := s.Validate(wireToken)
		require.True(t, result.Valid)
		admitted, err := s.Admit(rec.ID)
		require.NoError(t, err)
		require.True(t, admitted)
	}

	result := s.Validate(wireToken)
	assert.False(t, result.Valid)
	assert.Equal(t, a2aerrors.RateLimited, result.Reason)
}

func TestAdmitSerializesConcurrentCallsAcrossMaxCalls(t *testing.T) {
	s := newTestStore(t)
	maxCalls := int64(1)
	wireToken, rec, err := s.Create(Spec{Name: "peer", Tier: TierFriends, MaxCalls: &maxCalls})
	require.NoError(t, err)
	_ = wireToken

	var wg sync.WaitGroup
	admitted := int32(0)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Admit(rec.ID)
			require.NoError(t, err)
			if ok {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted, "max_calls=1 must admit exactly one concurrent caller")
}

func TestMeterUpdatesLastUsed(t *testing.T) {
	s := newTestStore(t)
	_, rec, err := s.Create(Spec{Name: "peer", Tier: TierFriends})
	require.NoError(t, err)
	assert.Nil(t, rec.LastUsed)

	admitted, err := s.Admit(rec.ID)
	require.NoError(t, err)
	require.True(t, admitted)

	updated, ok := s.FindByID(rec.ID)
	require.True(t, ok)
	assert.Equal(t, int64(1), updated.CallsMade)
	assert.NotNil(t, updated.LastUsed)
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s1, err := NewStore(path)
	require.NoError(t, err)

	_, rec, err := s1.Create(Spec{Name: "peer", Tier: TierFamily})
	require.NoError(t, err)

	s2, err := NewStore(path)
	require.NoError(t, err)

	found, ok := s2.FindByID(rec.ID)
	require.True(t, ok)
	assert.Equal(t, rec.Name, found.Name)
}

func TestCorruptStoreFailsLoudly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	_, err := NewStore(path)
	assert.Error(t, err)
}
