package core

// Frame is one encoded Envelope, ready to write to a socket.
type Frame []byte

// SignalConnection is the outbound side of a client socket. TrySend must
// not block: a full queue is reported as an error and left to the
// backpressure Policy. The adapter owns the connection and closes it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
