package model

import "fmt"

type MessageType int

const (
	MessageText  MessageType = 0
	MessageFile  MessageType = 1
	MessageImage MessageType = 2
	// MessageLoad marks a placeholder cache row; it never travels on the wire.
	MessageLoad MessageType = 5
)

// UnverifiedPayload replaces the data of a message whose sender binding or
// signature did not check out.
var UnverifiedPayload = []byte("**Unverify**")

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageFile, MessageImage, MessageLoad:
		return true
	}
	return false
}

func (t MessageType) String() string {
	switch t {
	case MessageText:
		return "TEXT"
	case MessageFile:
		return "FILE"
	case MessageImage:
		return "IMG"
	case MessageLoad:
		return "LOAD"
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

type (
	// CacheRecord is one row of the local message cache.
	CacheRecord struct {
		ID         int64
		Sender     string
		Data       []byte
		Type       MessageType
		Timestamp  float64
		DialogHash string
	}
)
