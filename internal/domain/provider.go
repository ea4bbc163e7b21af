package domain

// ProviderKind distinguishes an RPC-backed provider from a P2P-backed one.
type ProviderKind string

const (
	KindRPC ProviderKind = "rpc"
	KindP2P ProviderKind = "p2p"
)

// ProviderState is the connection state machine a provider moves through:
// Disconnected -> Connecting -> Connected -> Failed -> (Connecting | Removed).
type ProviderState string

const (
	StateDisconnected ProviderState = "disconnected"
	StateConnecting   ProviderState = "connecting"
	StateConnected    ProviderState = "connected"
	StateFailed       ProviderState = "failed"
	StateRemoved      ProviderState = "removed"
)

// ProviderDescriptor is the static configuration of one provider entry,
// independent of the live connection object the manager holds for it.
type ProviderDescriptor struct {
	UniqName          string
	Kind              ProviderKind
	ConnectionOptions map[string]any
}
