package aisexec

// Wire and sizing constants for the executive.
const (
	// MessageMagic opens every frame on the client socket. Anything
	// else is a protocol violation and drops the connection.
	MessageMagic uint32 = 0xa15ec001

	// HeaderSize is the fixed frame header length in bytes.
	HeaderSize = 12

	// RecvBufferSize is the per-connection receive buffer capacity.
	// A frame larger than this can never complete and is rejected.
	RecvBufferSize = 8192

	// SendQueueCap bounds the per-connection outbound frame queue.
	// Overflow is fatal: the executive refuses to drop replies.
	SendQueueCap = 512

	// MessageSizeMax bounds a message delivered through the group
	// transport; it sizes the delivery staging buffer.
	MessageSizeMax = 256 * 1024

	// ServerBacklog is the listen backlog on the client socket.
	ServerBacklog = 5

	// SocketName is the abstract-namespace name clients connect to.
	SocketName = "libais.socket"

	// DefaultUser and DefaultGroup are the system identity the daemon
	// drops to; the group doubles as the authentication policy.
	DefaultUser  = "ais"
	DefaultGroup = "ais"
)

// serviceUnbound marks a connection whose first frame has not yet
// selected a service.
const serviceUnbound = 0
