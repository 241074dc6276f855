// Package game is a small example of the transaction API: a player hits a
// monster, and the monster's hitpoints and the player's experience change
// together or not at all.
package game

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/txn"
)

// ExperiencePerLevel is how much experience one level takes.
const ExperiencePerLevel = 100

type Player struct {
	Name       string `json:"name"`
	Experience int    `json:"experience"`
	Hitpoints  int    `json:"hitpoints"`
	Level      int    `json:"level"`
	LoggedIn   bool   `json:"loggedIn"`
	JSONType   string `json:"jsonType"`
	UUID       string `json:"uuid"`
}

type Monster struct {
	Name                 string  `json:"name"`
	ExperienceWhenKilled int     `json:"experienceWhenKilled"`
	Hitpoints            int     `json:"hitpoints"`
	ItemProbability      float64 `json:"itemProbability"`
	UUID                 string  `json:"uuid"`
}

// Outcome describes what a committed hit did.
type Outcome struct {
	MonsterKilled    bool
	MonsterHitpoints int
	PlayerExperience int
	PlayerLevel      int
	Result           *txn.Result
}

type GameServer struct {
	txns   *txn.Transactions
	logger *zap.Logger
}

func NewGameServer(txns *txn.Transactions, logger *zap.Logger) *GameServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GameServer{txns: txns, logger: logger.Named("game")}
}

// LevelForExperience maps experience points to a level.
func LevelForExperience(exp int) int {
	return exp / ExperiencePerLevel
}

// PlayerHitsMonster applies damage to monsterID. A monster brought to zero
// hitpoints is removed and playerID gains its experience.
func (g *GameServer) PlayerHitsMonster(ctx context.Context, actionID string, damage int, playerID, monsterID string) (*Outcome, error) {
	logger := g.logger.With(zap.String("action_id", actionID), zap.String("player", playerID), zap.String("monster", monsterID))
	var out Outcome

	res, err := g.txns.Run(ctx, func(ctx context.Context, ac *txn.AttemptContext) error {
		out = Outcome{}
		logger.Info("player is hitting monster", zap.Int("damage", damage), zap.String("attempt_id", ac.AttemptID()))

		monsterDoc, err := ac.Get(ctx, monsterID)
		if err != nil {
			return err
		}
		playerDoc, err := ac.Get(ctx, playerID)
		if err != nil {
			return err
		}
		var monster Monster
		if err := monsterDoc.ContentAs(&monster); err != nil {
			return err
		}
		var player Player
		if err := playerDoc.ContentAs(&player); err != nil {
			return err
		}

		remaining := monster.Hitpoints - damage
		logger.Info("monster took damage", zap.Int("hitpoints", monster.Hitpoints), zap.Int("remaining", remaining))

		if remaining <= 0 {
			if err := ac.Remove(ctx, monsterDoc); err != nil {
				return err
			}
			player.Experience += monster.ExperienceWhenKilled
			player.Level = LevelForExperience(player.Experience)
			if _, err := ac.Replace(ctx, playerDoc, player); err != nil {
				return err
			}
			logger.Info("monster killed", zap.Int("experience_gained", monster.ExperienceWhenKilled), zap.Int("level", player.Level))
			out.MonsterKilled = true
		} else {
			monster.Hitpoints = remaining
			if _, err := ac.Replace(ctx, monsterDoc, monster); err != nil {
				return err
			}
			out.MonsterHitpoints = remaining
		}
		out.PlayerExperience = player.Experience
		out.PlayerLevel = player.Level
		return nil
	}, nil)

	var ambiguous *txn.TransactionCommitAmbiguousError
	var failed *txn.TransactionFailedError
	switch {
	case errors.As(err, &ambiguous):
		logger.Warn("transaction possibly committed", zap.Error(err))
		return nil, err
	case errors.As(err, &failed):
		logger.Warn("transaction did not reach commit", zap.Error(err))
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("player %s hitting monster %s: %w", playerID, monsterID, err)
	}
	out.Result = res
	logger.Info("transaction complete", zap.String("transaction_id", res.TransactionID), zap.Int("attempts", len(res.Attempts)))
	return &out, nil
}
