package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// ReasonProviderConnect: the provider refused or failed the initial connection.
	ReasonProviderConnect ReasonCode = "provider_connect"
	// ReasonProviderProtocol: a provider message was not structured data.
	ReasonProviderProtocol ReasonCode = "provider_protocol"
	// ReasonSessionState: a frame arrived while the session was not open.
	ReasonSessionState ReasonCode = "session_state"

	ReasonClientTransport   ReasonCode = "client_transport"
	ReasonProviderTransport ReasonCode = "provider_transport"

	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTelephonyDial             ReasonCode = "telephony_dial"
)
