package encryption

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojotxn/core/kv"
	"github.com/sushant-115/gojotxn/core/kv/memstore"
	"github.com/sushant-115/gojotxn/core/txn"
)

var testKey = bytes.Repeat([]byte{0x42}, 32)

type secret struct {
	Card string `json:"card"`
}

func TestRoundTrip(t *testing.T) {
	tc, err := NewTranscoder(testKey, nil)
	require.NoError(t, err)

	body, err := tc.Encode(secret{Card: "4111"})
	require.NoError(t, err)
	require.NotContains(t, string(body), "4111")

	var out secret
	require.NoError(t, tc.Decode(body, &out))
	require.Equal(t, "4111", out.Card)

	// Fresh nonce per encode.
	again, err := tc.Encode(secret{Card: "4111"})
	require.NoError(t, err)
	require.NotEqual(t, body, again)
}

func TestDecodeRejectsTampering(t *testing.T) {
	tc, err := NewTranscoder(testKey, nil)
	require.NoError(t, err)
	body, err := tc.Encode(secret{Card: "4111"})
	require.NoError(t, err)

	body[len(body)-1] ^= 0xff
	require.Error(t, tc.Decode(body, &secret{}))
	require.ErrorIs(t, tc.Decode([]byte{1, 2}, &secret{}), ErrCiphertextTooShort)
}

func TestBadKeyLength(t *testing.T) {
	_, err := NewTranscoder([]byte("short"), nil)
	require.Error(t, err)
}

func TestLoadKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.hex")
	require.NoError(t, os.WriteFile(path, []byte(hex.EncodeToString(testKey)+"\n"), 0600))
	key, err := LoadKeyFile(path)
	require.NoError(t, err)
	require.Equal(t, testKey, key)

	require.NoError(t, os.WriteFile(path, []byte("zz"), 0600))
	_, err = LoadKeyFile(path)
	require.Error(t, err)
}

func TestTransactionStoresCiphertext(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(zaptest.NewLogger(t))
	tc, err := NewTranscoder(testKey, nil)
	require.NoError(t, err)

	cfg := txn.DefaultConfig()
	cfg.CleanupLostAttempts = false
	cfg.NumATRs = 4
	cfg.Transcoder = tc
	cfg.Logger = zaptest.NewLogger(t)
	txns, err := txn.New(store, cfg)
	require.NoError(t, err)
	defer txns.Close()

	_, err = txns.Run(ctx, func(ctx context.Context, ac *txn.AttemptContext) error {
		_, err := ac.Insert(ctx, "wallet", secret{Card: "4111"})
		return err
	}, nil)
	require.NoError(t, err)

	doc, err := store.Get(ctx, "wallet", kv.GetOptions{})
	require.NoError(t, err)
	require.NotContains(t, string(doc.Value), "4111")

	_, err = txns.Run(ctx, func(ctx context.Context, ac *txn.AttemptContext) error {
		res, err := ac.Get(ctx, "wallet")
		if err != nil {
			return err
		}
		var s secret
		if err := res.ContentAs(&s); err != nil {
			return err
		}
		require.Equal(t, "4111", s.Card)
		return nil
	}, nil)
	require.NoError(t, err)
}
