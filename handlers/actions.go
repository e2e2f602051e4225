package handlers

import (
	"encoding/json"
	"errors"
	"fmt"

	"reward-ledger/models"

	"github.com/shopspring/decimal"
)

// Action is one of the closed set of payloads POST /api accepts.
type Action interface {
	action() string
}

type LoginAction struct {
	User struct {
		Username string `json:"username"`
	} `json:"user"`
}

type WatchAction struct{}

type SwapAction struct {
	Points int64 `json:"points"`
}

type WithdrawAction struct {
	Addr string          `json:"addr"`
	Amt  decimal.Decimal `json:"amt"`
}

type ReferralAction struct {
	Ref models.UserID `json:"ref"`
}

// MysteryAction and QuickAction carry no fields; any client "reward" is ignored.
type MysteryAction struct{}

type QuickAction struct{}

type TaskAction struct {
	Type string `json:"type"`
}

type AutoClickAction struct{}

func (*LoginAction) action() string     { return "login" }
func (*WatchAction) action() string     { return "watch" }
func (*SwapAction) action() string      { return "swap" }
func (*WithdrawAction) action() string  { return "withdraw" }
func (*ReferralAction) action() string  { return "referral" }
func (*MysteryAction) action() string   { return "mystery" }
func (*QuickAction) action() string     { return "quick" }
func (*TaskAction) action() string      { return "task" }
func (*AutoClickAction) action() string { return "autoclick" }

var actionDecoders = map[string]func() Action{
	"login":     func() Action { return &LoginAction{} },
	"watch":     func() Action { return &WatchAction{} },
	"swap":      func() Action { return &SwapAction{} },
	"withdraw":  func() Action { return &WithdrawAction{} },
	"referral":  func() Action { return &ReferralAction{} },
	"mystery":   func() Action { return &MysteryAction{} },
	"quick":     func() Action { return &QuickAction{} },
	"task":      func() Action { return &TaskAction{} },
	"autoclick": func() Action { return &AutoClickAction{} },
}

var (
	errMalformedBody = errors.New("malformed request body")
	errMissingUID    = errors.New("missing uid")
	errUnknownAction = errors.New("unknown action")
)

type envelope struct {
	Action string        `json:"action"`
	UID    models.UserID `json:"uid"`
}

// decodeAction reads the action tag and uid, then the payload for that tag.
func decodeAction(body []byte) (models.UserID, Action, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	if env.UID == "" {
		return "", nil, errMissingUID
	}
	newAction, ok := actionDecoders[env.Action]
	if !ok {
		return env.UID, nil, fmt.Errorf("%w %q", errUnknownAction, env.Action)
	}
	a := newAction()
	if err := json.Unmarshal(body, a); err != nil {
		return env.UID, nil, fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	return env.UID, a, nil
}
