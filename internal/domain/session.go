package domain

// SessionEntry is the cluster-visible session record stored under
// sessions:{chargePointId} with a TTL. At most one entry exists per charger;
// its epoch never decreases and lastSeenAtMs is advanced only by the owner.
type SessionEntry struct {
	ChargePointID string `json:"chargePointId"`
	OCPPVersion   string `json:"ocppVersion"`
	NodeID        string `json:"nodeId"`
	StationID     string `json:"stationId,omitempty"`
	TenantID      string `json:"tenantId,omitempty"`
	ConnectedAtMs int64  `json:"connectedAtMs"`
	LastSeenAtMs  int64  `json:"lastSeenAtMs"`
	Epoch         int64  `json:"epoch"`
}

// NodeEntry is the node-directory record stored under nodes:{nodeId}.
type NodeEntry struct {
	NodeID              string `json:"nodeId"`
	CommandTopic        string `json:"commandTopic"`
	SessionControlTopic string `json:"sessionControlTopic"`
	StartedAt           int64  `json:"startedAt"`
	LastSeenAt          int64  `json:"lastSeenAt"`
}

// ForceDisconnect is the cross-node session-control message published to the
// previous owner after a takeover.
type ForceDisconnect struct {
	ChargePointID  string `json:"chargePointId"`
	NewEpoch       int64  `json:"newEpoch"`
	NewOwnerNodeID string `json:"newOwnerNodeId"`
	Reason         string `json:"reason,omitempty"`
}
