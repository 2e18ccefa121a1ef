// Package protocol defines the JSON envelopes exchanged over the socket.
// Every envelope carries a TYPE tag as its last field; field order in the
// struct definitions is deliberate because clients compare frames verbatim.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// TYPE tags for outbound envelopes.
const (
	TypeDirect      = "SOCKET_MESSAGE_DIRECT"
	TypeError       = "SOCKET_MESSAGE_ERROR"
	TypeOnlineUsers = "SOCKET_MESSAGE_ONLINE_USERS"
)

// ErrMalformedFrame is returned by ParseDirect for any frame that is not
// a complete direct-message envelope. Parsing is binary: there is no
// partial or best-effort result.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Direct is a direct-message envelope. Inbound frames carry the recipient
// and the four opaque hex blobs; the server stamps sender, id, and TYPE
// before echoing the envelope to the sender and relaying it to the
// recipient. The ciphertext and signature fields are never interpreted.
type Direct struct {
	Recipient                     string `json:"recipient"`
	Sender                        string `json:"sender,omitempty"`
	Message                       string `json:"message"`
	MessageSignature              string `json:"message_signature"`
	MessageSelfEncrypted          string `json:"message_self_encrypted"`
	MessageSelfEncryptedSignature string `json:"message_self_encrypted_signature"`
	ID                            string `json:"id,omitempty"`
	Type                          string `json:"TYPE,omitempty"`
}

// SocketError is the uniform error envelope sent back on the connection
// that caused the failure. It never closes the connection.
type SocketError struct {
	Message string `json:"message"`
	Type    string `json:"TYPE"`
}

// OnlineUsers is the presence envelope. The list is personalized per
// receiver and never includes the receiver's own username.
type OnlineUsers struct {
	OnlineUsers []string `json:"online_users"`
	Type        string   `json:"TYPE"`
}

// NewError builds an error envelope with the given message text.
func NewError(message string) SocketError {
	return SocketError{Message: message, Type: TypeError}
}

// NewDeserializationError builds the error envelope for an unparseable
// frame. The raw frame is echoed verbatim; clients rely on the exact text.
func NewDeserializationError(raw []byte) SocketError {
	return NewError("Could not deserialize " + string(raw))
}

// NewNotBefriendedError builds the error envelope for an unauthorized
// recipient. The recipient string is echoed verbatim from the inbound
// frame, whether or not such a user exists.
func NewNotBefriendedError(recipient string) SocketError {
	return NewError("You are not befriended with " + recipient)
}

// NewOnlineUsers builds a presence envelope. A nil slice is normalized so
// an empty list marshals as [] rather than null.
func NewOnlineUsers(usernames []string) OnlineUsers {
	if usernames == nil {
		usernames = []string{}
	}
	return OnlineUsers{OnlineUsers: usernames, Type: TypeOnlineUsers}
}

// Marshal encodes an envelope without HTML escaping, so echoed raw
// frames and opaque payloads pass through byte-identical.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ParseDirect decodes an inbound frame into a Direct envelope. The frame
// must be a single JSON object with no unknown fields, and the recipient
// plus all four blob fields must be present and non-empty. Anything else
// fails with ErrMalformedFrame.
func ParseDirect(raw []byte) (Direct, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var d Direct
	if err := dec.Decode(&d); err != nil {
		return Direct{}, ErrMalformedFrame
	}
	// Reject trailing data after the envelope object.
	if _, err := dec.Token(); err != io.EOF {
		return Direct{}, ErrMalformedFrame
	}
	if d.Recipient == "" ||
		d.Message == "" ||
		d.MessageSignature == "" ||
		d.MessageSelfEncrypted == "" ||
		d.MessageSelfEncryptedSignature == "" {
		return Direct{}, ErrMalformedFrame
	}
	return d, nil
}
