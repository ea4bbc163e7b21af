// Package wire defines the JSON envelope exchanged between the ingestion
// pipeline and downstream transports (HTTP, WebSocket, IPC): the Action
// enum, the Envelope frame, and the outbox wire records it carries.
package wire

import "encoding/json"

// Action enumerates every frame kind the transport contract understands.
type Action string

const (
	ActionQueryRequest          Action = "QueryRequest"
	ActionQueryResponse         Action = "QueryResponse"
	ActionOutboxStreamBatch     Action = "OutboxStreamBatch"
	ActionOutboxStreamAck       Action = "OutboxStreamAck"
	ActionPing                  Action = "Ping"
	ActionPong                  Action = "Pong"
	ActionRpcRequest            Action = "RpcRequest"
	ActionRpcResponse           Action = "RpcResponse"
	ActionRegisterStreamConsumer Action = "RegisterStreamConsumer"
)

// Envelope is the JSON wire message shared by every transport. Responses
// MUST mirror the request's CorrelationID; RequestID is an opaque echo.
type Envelope struct {
	Action        Action          `json:"action"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	RequestID     string          `json:"requestId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     int64           `json:"timestamp"`
}

// NewEnvelope builds an Envelope with payload marshaled to JSON.
func NewEnvelope(action Action, payload any, requestID, correlationID string, timestampMs int64) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		raw = b
	}
	return Envelope{
		Action:        action,
		Payload:       raw,
		RequestID:     requestID,
		CorrelationID: correlationID,
		Timestamp:     timestampMs,
	}, nil
}

// WireEventRecord is one immutable outbox unit streamed to downstream
// consumers. Payload is already-serialized JSON, never re-encoded.
type WireEventRecord struct {
	ModelName    string          `json:"modelName"`
	EventType    string          `json:"eventType"`
	EventVersion int             `json:"eventVersion"`
	RequestID    string          `json:"requestId"`
	BlockHeight  uint64          `json:"blockHeight"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    int64           `json:"timestamp"`
}

// OutboxStreamBatchPayload is the payload of an OutboxStreamBatch envelope.
type OutboxStreamBatchPayload struct {
	Events []WireEventRecord `json:"events"`
}

// OutboxStreamAckPayload is the payload of an OutboxStreamAck envelope. An
// ack with AllOk=false MUST still carry OkIndices identifying the
// prefix/subset that was successfully applied; a missing OkIndices in that
// case is treated by the sender as a total batch failure.
type OutboxStreamAckPayload struct {
	AllOk     bool  `json:"allOk"`
	OkIndices []int `json:"okIndices,omitempty"`
}

// PingPayload is the payload of a Ping envelope. Nonce/Sid are only used by
// transports that require a challenge-response proof (WS, IPC).
type PingPayload struct {
	Nonce string `json:"nonce,omitempty"`
	Sid   string `json:"sid,omitempty"`
}

// PongPayload is the payload of a Pong envelope.
type PongPayload struct {
	Password string `json:"password,omitempty"`
	Proof    string `json:"proof,omitempty"`
}

// QueryRequestPayload is the payload of a QueryRequest envelope.
type QueryRequestPayload struct {
	Name string          `json:"name"`
	Dto  json.RawMessage `json:"dto,omitempty"`
}

// QueryResponsePayload is the payload of a QueryResponse envelope.
type QueryResponsePayload struct {
	Ok   bool            `json:"ok"`
	Data json.RawMessage `json:"data,omitempty"`
	Err  string          `json:"err,omitempty"`
}

// DomainEvent is the synthetic event re-emitted on the local bus after a
// batch's ACK resolves, for WireEventRecords whose ModelName is in the
// configured system-model set.
type DomainEvent struct {
	AggregateID string          `json:"aggregateId"`
	EventType   string          `json:"eventType"`
	RequestID   string          `json:"requestId"`
	BlockHeight uint64          `json:"blockHeight"`
	Timestamp   int64           `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
}
