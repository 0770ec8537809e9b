package gateway

import "github.com/polkatax/rewardsync/internal/model"

// Inbound message types.
const (
	msgFetchDataRequest   = "fetchDataRequest"
	msgUnsubscribeRequest = "unsubscribeRequest"
)

// Outbound message types.
const (
	msgData                   = "data"
	msgAcknowledgeUnsubscribe = "acknowledgeUnsubscribe"
	msgError                  = "error"
)

type request struct {
	Type      string         `json:"type"`
	ReqID     string         `json:"reqId"`
	Timestamp int64          `json:"timestamp"`
	Payload   requestPayload `json:"payload"`
}

type requestPayload struct {
	Wallet      string   `json:"wallet"`
	Currency    string   `json:"currency"`
	Blockchains []string `json:"blockchains,omitempty"`
}

type dataMessage struct {
	Type      string       `json:"type"`
	ReqID     string       `json:"reqId"`
	Timestamp int64        `json:"timestamp"`
	Payload   []*model.Job `json:"payload"`
}

type errorMessage struct {
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Error     model.JobError `json:"error"`
}
