// services/rewards.go
package services

import (
	"fmt"
	"math/rand"

	"github.com/gosimple/slug"
)

// RewardKind names a point-granting action.
type RewardKind string

const (
	RewardMystery   RewardKind = "mystery"
	RewardQuick     RewardKind = "quick"
	RewardTask      RewardKind = "task"
	RewardAutoClick RewardKind = "autoclick"
	RewardReferral  RewardKind = "referral"
	RewardAd        RewardKind = "ad"
)

// RewardTable decides how many points each reward action is worth. Clients
// never choose the amount.
type RewardTable struct {
	MysteryMin int64
	MysteryMax int64
	Quick      int64
	AutoClick  int64
	Tasks      map[string]int64

	draw func(n int64) int64
}

func DefaultRewardTable() RewardTable {
	return NewRewardTable(100, 1000, 250, 1, map[string]int64{
		"join-channel":  1000,
		"invite-friend": 2000,
		"daily-login":   500,
	})
}

// NewRewardTable normalizes task names so "Join Channel" and "join-channel" are one task.
func NewRewardTable(mysteryMin, mysteryMax, quick, autoClick int64, tasks map[string]int64) RewardTable {
	if mysteryMax < mysteryMin {
		mysteryMin, mysteryMax = mysteryMax, mysteryMin
	}
	normalized := make(map[string]int64, len(tasks))
	for name, pts := range tasks {
		normalized[slug.Make(name)] = pts
	}
	return RewardTable{
		MysteryMin: mysteryMin,
		MysteryMax: mysteryMax,
		Quick:      quick,
		AutoClick:  autoClick,
		Tasks:      normalized,
		draw:       rand.Int63n,
	}
}

// Amount returns the points for kind. task is only read for RewardTask.
func (t RewardTable) Amount(kind RewardKind, task string) (int64, error) {
	switch kind {
	case RewardMystery:
		span := t.MysteryMax - t.MysteryMin + 1
		draw := t.draw
		if draw == nil {
			draw = rand.Int63n
		}
		return t.MysteryMin + draw(span), nil
	case RewardQuick:
		return t.Quick, nil
	case RewardAutoClick:
		return t.AutoClick, nil
	case RewardTask:
		key := slug.Make(task)
		if key == "" {
			return 0, fmt.Errorf("%w: task type is required", ErrInvalidInput)
		}
		pts, ok := t.Tasks[key]
		if !ok {
			return 0, fmt.Errorf("%w: unknown task %q", ErrInvalidInput, key)
		}
		return pts, nil
	}
	return 0, fmt.Errorf("%w: unknown reward kind %q", ErrInvalidInput, kind)
}
