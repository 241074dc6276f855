// Command gojotxn_game seeds a player and a monster and runs one
// PlayerHitsMonster transaction against them.
package main

import (
	"context"
	"log"
	"math/rand"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/config"
	"github.com/sushant-115/gojotxn/core/kv"
	"github.com/sushant-115/gojotxn/core/txn"
	"github.com/sushant-115/gojotxn/internal/game"
	"github.com/sushant-115/gojotxn/internal/storefactory"
	"github.com/sushant-115/gojotxn/pkg/logger"
	"github.com/sushant-115/gojotxn/pkg/telemetry"
)

const (
	playerID  = "player_jane"
	monsterID = "a_grue"
)

var (
	configPath string
	backend    string
	remoteAddr string
	durability string
	verbose    bool
	damage     int
)

func init() {
	flag.StringVarP(&configPath, "config", "c", "", "Path to a gojotxn YAML config file")
	flag.StringVarP(&backend, "store", "s", "", "Store backend: memory, bolt, raft or remote")
	flag.StringVar(&remoteAddr, "remote", "", "gojotxn_store address for the remote backend")
	flag.StringVarP(&durability, "durability", "d", "majority", "Durability: none, majority, majority_and_persist, persist_to_majority")
	flag.BoolVarP(&verbose, "verbose", "v", false, "Log all transaction activity at debug level")
	flag.IntVar(&damage, "damage", -1, "Damage dealt; random in [0, 8000) when negative")
}

func main() {
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	if backend != "" {
		cfg.Store.Backend = backend
	}
	if remoteAddr != "" {
		cfg.Store.RemoteAddr = remoteAddr
	}
	if err := cfg.Transactions.Durability.UnmarshalText([]byte(durability)); err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	if verbose {
		cfg.Logger.Level = "debug"
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer zlogger.Sync()

	if err := play(context.Background(), cfg, zlogger); err != nil {
		zlogger.Fatal("game failed", zap.Error(err))
	}
}

func play(ctx context.Context, cfg config.Config, zlogger *zap.Logger) error {
	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(ctx)

	store, err := storefactory.Open(ctx, cfg.Store, cfg.TLS, zlogger)
	if err != nil {
		return err
	}
	defer store.Close()

	txCfg, err := cfg.Transactions.ToTxnConfig()
	if err != nil {
		return err
	}
	txCfg.Logger = zlogger
	txCfg.Meter = tel.Meter
	txCfg.Tracer = tel.Tracer
	txns, err := txn.New(store, txCfg)
	if err != nil {
		return err
	}
	defer txns.Close()

	tc := txCfg.Transcoder
	if tc == nil {
		tc = txn.JSONTranscoder{}
	}
	if err := seed(ctx, store, tc, cfg.Transactions.Durability, zlogger); err != nil {
		return err
	}

	hit := damage
	if hit < 0 {
		// Half the time this kills the 4000 hitpoint monster.
		hit = rand.Intn(8000)
	}
	out, err := game.NewGameServer(txns, zlogger).PlayerHitsMonster(ctx, uuid.NewString(), hit, playerID, monsterID)
	if err != nil {
		return err
	}
	zlogger.Info("hit applied",
		zap.Int("damage", hit),
		zap.Bool("monster_killed", out.MonsterKilled),
		zap.Int("monster_hitpoints", out.MonsterHitpoints),
		zap.Int("player_level", out.PlayerLevel),
	)
	return nil
}

// seed writes the sample documents outside of any transaction.
func seed(ctx context.Context, store kv.Store, tc txn.Transcoder, d kv.Durability, zlogger *zap.Logger) error {
	docs := map[string]interface{}{
		playerID: game.Player{
			Name: "Jane", Experience: 14248, Hitpoints: 23832, Level: 141,
			LoggedIn: true, JSONType: "player", UUID: uuid.NewString(),
		},
		monsterID: game.Monster{
			Name: "grue", ExperienceWhenKilled: 91, Hitpoints: 4000,
			ItemProbability: 0.19239324085462631, UUID: uuid.NewString(),
		},
	}
	for key, v := range docs {
		body, err := tc.Encode(v)
		if err != nil {
			return err
		}
		if _, err := kv.Upsert(ctx, store, key, body, kv.WriteOptions{Durability: d}); err != nil {
			return err
		}
		zlogger.Info("upserted sample document", zap.String("key", key))
	}
	return nil
}
