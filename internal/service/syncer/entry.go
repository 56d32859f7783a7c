package syncer

import "zerotrace/internal/model"

// Entry is what the presentation task hands to a Sink. The set of
// implementations is closed: TextEntry and LoadingEntry.
type Entry interface {
	entry()
}

type (
	// TextEntry is a stored message. Type is TEXT, FILE or IMG.
	TextEntry struct {
		Sender     string
		Data       []byte
		Type       model.MessageType
		Timestamp  float64
		DialogHash string
	}

	// LoadingEntry reports a batch for DialogHash still being decrypted.
	LoadingEntry struct {
		DialogHash string
	}
)

func (TextEntry) entry()    {}
func (LoadingEntry) entry() {}

func toEntry(r model.CacheRecord) Entry {
	if r.Type == model.MessageLoad {
		return LoadingEntry{DialogHash: r.DialogHash}
	}
	return TextEntry{
		Sender:     r.Sender,
		Data:       r.Data,
		Type:       r.Type,
		Timestamp:  r.Timestamp,
		DialogHash: r.DialogHash,
	}
}

func toRecord(m *model.DecryptedMessage) model.CacheRecord {
	return model.CacheRecord{
		Sender:     m.SenderUsername,
		Data:       m.Data,
		Type:       m.MsgType,
		Timestamp:  m.Timestamp,
		DialogHash: m.DialogHash,
	}
}
