package ratelimit

import (
	"encoding/json"
	"time"
)

type limitDetails struct {
	Scope         string `json:"scope"`
	ChargePointID string `json:"chargePointId,omitempty"`
	Limit         int    `json:"limit"`
	Action        string `json:"action"`
	WindowSeconds int    `json:"windowSeconds"`
}

func detailsJSON(scope, scopeID, action string, limit int, window time.Duration) (json.RawMessage, error) {
	return json.Marshal(limitDetails{
		Scope:         scope,
		ChargePointID: scopeID,
		Limit:         limit,
		Action:        action,
		WindowSeconds: int(window / time.Second),
	})
}
