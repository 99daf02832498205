package core

// ReplyConn is the server side handle of one client connection. Replies for every
// request received on a connection are written back on the same connection.
type ReplyConn interface {
	Send(msg interface{}) error
	RemoteAddr() string
}

// Envelope carries one decoded request together with the connection it arrived on.
type Envelope struct {
	Command   interface{}
	Conn      ReplyConn
	Timestamp int64
}
