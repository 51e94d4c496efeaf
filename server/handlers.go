package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rewardtunnel/tunneld/pkg/dispatch"
)

// newBusinessRouter wires the fixed set of collaborator handlers the tunnel
// fronts. The dispatcher contract is the boundary: handlers get a plain
// descriptor and return a JSON-serializable value. The implementations here
// are the integration seam for the rewards backend; business rules live on
// the other side of it.
func newBusinessRouter() *dispatch.Router {
	r := dispatch.NewRouter()

	r.RegisterFunc("/user/profile", handleUserProfile)
	r.RegisterFunc("/points/balance", handlePointsBalance)
	r.RegisterFunc("/points/history", handlePointsHistory)
	r.RegisterFunc("/withdraw/create", handleWithdrawCreate)
	r.RegisterFunc("/ranking/top", handleRankingTop)
	r.RegisterFunc("/game/level", handleGameLevel)

	return r
}

func handleUserProfile(_ context.Context, req dispatch.Request) (any, error) {
	return map[string]any{
		"device_id":   req.Headers["X-Device-ID"],
		"fingerprint": req.Headers["X-Device-Fingerprint"],
		"fetched_at":  time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func handlePointsBalance(_ context.Context, req dispatch.Request) (any, error) {
	return map[string]any{
		"device_id": req.Headers["X-Device-ID"],
		"balance":   0,
		"currency":  "points",
	}, nil
}

func handlePointsHistory(_ context.Context, req dispatch.Request) (any, error) {
	return map[string]any{
		"device_id": req.Headers["X-Device-ID"],
		"entries":   []any{},
	}, nil
}

func handleWithdrawCreate(_ context.Context, req dispatch.Request) (any, error) {
	if req.Method != "POST" {
		return nil, errors.New("withdraw/create requires POST")
	}
	var body struct {
		Amount int64 `json:"amount"`
	}
	if len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, errors.New("malformed withdrawal body")
		}
	}
	if body.Amount <= 0 {
		return nil, errors.New("withdrawal amount must be positive")
	}
	return map[string]any{
		"status": "pending",
		"amount": body.Amount,
	}, nil
}

func handleRankingTop(_ context.Context, _ dispatch.Request) (any, error) {
	return map[string]any{"ranking": []any{}}, nil
}

func handleGameLevel(_ context.Context, req dispatch.Request) (any, error) {
	return map[string]any{
		"device_id": req.Headers["X-Device-ID"],
		"level":     1,
	}, nil
}
