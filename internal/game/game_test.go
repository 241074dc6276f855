package game

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojotxn/core/kv"
	"github.com/sushant-115/gojotxn/core/kv/memstore"
	"github.com/sushant-115/gojotxn/core/txn"
)

func newGame(t *testing.T) (*GameServer, kv.Store) {
	store := memstore.New(zaptest.NewLogger(t))
	cfg := txn.DefaultConfig()
	cfg.CleanupLostAttempts = false
	cfg.NumATRs = 8
	cfg.Logger = zaptest.NewLogger(t)
	txns, err := txn.New(store, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = txns.Close() })

	put := func(key string, v interface{}) {
		body, err := txn.JSONTranscoder{}.Encode(v)
		require.NoError(t, err)
		_, err = kv.Upsert(context.Background(), store, key, body, kv.WriteOptions{})
		require.NoError(t, err)
	}
	put("player_jane", Player{Name: "Jane", Experience: 14248, Hitpoints: 23832, Level: 142, JSONType: "player"})
	put("a_grue", Monster{Name: "grue", ExperienceWhenKilled: 91, Hitpoints: 4000})
	return NewGameServer(txns, zaptest.NewLogger(t)), store
}

func TestHitDamagesMonster(t *testing.T) {
	g, store := newGame(t)
	out, err := g.PlayerHitsMonster(context.Background(), "action-1", 1500, "player_jane", "a_grue")
	require.NoError(t, err)
	require.False(t, out.MonsterKilled)
	require.Equal(t, 2500, out.MonsterHitpoints)

	doc, err := store.Get(context.Background(), "a_grue", kv.GetOptions{})
	require.NoError(t, err)
	var m Monster
	require.NoError(t, txn.JSONTranscoder{}.Decode(doc.Value, &m))
	require.Equal(t, 2500, m.Hitpoints)
}

func TestKillingBlowRemovesMonsterAndLevelsPlayer(t *testing.T) {
	g, store := newGame(t)
	ctx := context.Background()
	out, err := g.PlayerHitsMonster(ctx, "action-2", 4000, "player_jane", "a_grue")
	require.NoError(t, err)
	require.True(t, out.MonsterKilled)
	require.Equal(t, 14339, out.PlayerExperience)
	require.Equal(t, 143, out.PlayerLevel)

	_, err = store.Get(ctx, "a_grue", kv.GetOptions{AccessDeleted: true})
	require.ErrorIs(t, err, kv.ErrDocNotFound)
	doc, err := store.Get(ctx, "player_jane", kv.GetOptions{})
	require.NoError(t, err)
	var p Player
	require.NoError(t, txn.JSONTranscoder{}.Decode(doc.Value, &p))
	require.Equal(t, 143, p.Level)
	require.Equal(t, "Jane", p.Name)
}

func TestMissingMonsterFailsTransaction(t *testing.T) {
	g, store := newGame(t)
	_, err := g.PlayerHitsMonster(context.Background(), "action-3", 10, "player_jane", "a_ghost")
	var failed *txn.TransactionFailedError
	require.ErrorAs(t, err, &failed)
	require.ErrorIs(t, err, txn.ErrDocumentNotFound)

	doc, err := store.Get(context.Background(), "player_jane", kv.GetOptions{})
	require.NoError(t, err)
	require.Empty(t, doc.Xattr)
}

func TestLevelForExperience(t *testing.T) {
	require.Equal(t, 0, LevelForExperience(99))
	require.Equal(t, 1, LevelForExperience(100))
	require.Equal(t, 142, LevelForExperience(14248))
}
