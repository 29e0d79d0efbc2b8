package kephasgate

// Command actions accepted on WebSocket and TCP connections.
const (
	ActionSubscribe    = "subscribe"
	ActionUnsubscribe  = "unsubscribe"
	ActionBroadcast    = "broadcast"
	ActionBroadcastAll = "broadcast_all"

	// ActionAck is the action of every reply to a command.
	ActionAck = "ack"
)

// DefaultBrokerChannel is the cross-process channel broadcasts are relayed on.
const DefaultBrokerChannel = "kephasgate.broadcast"

// Standard messages
const (
	// Dispatch messages
	MsgIllegalRequest   = "Illegal request"
	MsgNotFound         = "Not found"
	MsgMethodNotAllowed = "Method not allowed"
	MsgTooManyRequests  = "Too many requests"
	MsgUnauthorized     = "Unauthorized"
	MsgValidationFailed = "The given data was invalid"
	MsgInternalError    = "Internal server error"

	// Command messages
	MsgInvalidCommand = "Invalid command"
	MsgUnknownAction  = "Unknown action"
	MsgSubscribed     = "Subscription processed"
	MsgUnsubscribed   = "Unsubscription processed"
	MsgBroadcasted    = "Broadcast delivered"

	// Connection errors
	ErrConnectionClosed     = "connection is closed"
	ErrContextCancelled     = "connection context cancelled"
	ErrSendQueueFull        = "send queue full"
	ErrServerAlreadyRunning = "server already running"
)
