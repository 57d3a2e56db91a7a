package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter on the namespace prefix (for example "session.").
const (
	KindSessionStatusChanged = "session.status_changed"
	KindSessionAuthenticated = "session.authenticated"
	KindSessionRefreshed     = "session.refreshed"
	KindSessionSignedOut     = "session.signed_out"
	KindSessionWarning       = "session.warning"

	NamespaceNav = "nav."

	KindMessageSending    = "message.sending"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"

	KindStoreChanged = "store.changed"
)

// NavigateKind is the event kind announcing a move to route, for example "nav.home".
func NavigateKind(route string) string {
	return NamespaceNav + route
}
