package provision

// NodeConfig is the body returned by GET /config.
type NodeConfig struct {
	// Node is the assigned node id, empty while the device is unclaimed
	Node string `json:"node"`
}

// ClaimRequest is the body sent by POST /config.
type ClaimRequest struct {
	Node string `json:"node"`
}

// ClaimResponse is the device's answer to a claim.
type ClaimResponse struct {
	Status bool   `json:"status"`
	Node   string `json:"node"`
}
