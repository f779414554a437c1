package maildir

import (
	"time"

	"github.com/tinylib/msgp/msgp"
)

// Meta is the envelope sidecar written next to each delivered message.
// It is encoded as a MessagePack map so fields can be added without
// breaking older readers.
type Meta struct {
	Ref        string
	User       string
	From       string
	To         []string
	Subject    string
	MessageID  string
	Size       int64
	ReceivedAt time.Time
}

// MarshalMsg appends the MessagePack encoding of m to b.
func (m *Meta) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.Require(b, m.Msgsize())
	o = msgp.AppendMapHeader(o, 8)
	o = msgp.AppendString(o, "ref")
	o = msgp.AppendString(o, m.Ref)
	o = msgp.AppendString(o, "user")
	o = msgp.AppendString(o, m.User)
	o = msgp.AppendString(o, "from")
	o = msgp.AppendString(o, m.From)
	o = msgp.AppendString(o, "to")
	o = msgp.AppendArrayHeader(o, uint32(len(m.To)))
	for _, rcpt := range m.To {
		o = msgp.AppendString(o, rcpt)
	}
	o = msgp.AppendString(o, "subject")
	o = msgp.AppendString(o, m.Subject)
	o = msgp.AppendString(o, "message_id")
	o = msgp.AppendString(o, m.MessageID)
	o = msgp.AppendString(o, "size")
	o = msgp.AppendInt64(o, m.Size)
	o = msgp.AppendString(o, "received_at")
	o = msgp.AppendTime(o, m.ReceivedAt)
	return o, nil
}

// UnmarshalMsg decodes m from b and returns the remaining bytes.
// Unknown keys are skipped.
func (m *Meta) UnmarshalMsg(b []byte) ([]byte, error) {
	sz, o, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, msgp.WrapError(err)
	}

	for i := uint32(0); i < sz; i++ {
		var key string
		key, o, err = msgp.ReadStringBytes(o)
		if err != nil {
			return b, msgp.WrapError(err)
		}

		switch key {
		case "ref":
			m.Ref, o, err = msgp.ReadStringBytes(o)
		case "user":
			m.User, o, err = msgp.ReadStringBytes(o)
		case "from":
			m.From, o, err = msgp.ReadStringBytes(o)
		case "to":
			var n uint32
			n, o, err = msgp.ReadArrayHeaderBytes(o)
			if err != nil {
				return b, msgp.WrapError(err, "To")
			}
			m.To = make([]string, n)
			for j := range m.To {
				m.To[j], o, err = msgp.ReadStringBytes(o)
				if err != nil {
					return b, msgp.WrapError(err, "To", j)
				}
			}
		case "subject":
			m.Subject, o, err = msgp.ReadStringBytes(o)
		case "message_id":
			m.MessageID, o, err = msgp.ReadStringBytes(o)
		case "size":
			m.Size, o, err = msgp.ReadInt64Bytes(o)
		case "received_at":
			m.ReceivedAt, o, err = msgp.ReadTimeBytes(o)
		default:
			o, err = msgp.Skip(o)
		}
		if err != nil {
			return b, msgp.WrapError(err, key)
		}
	}
	return o, nil
}

// Msgsize returns an upper bound on the encoded size of m.
func (m *Meta) Msgsize() int {
	s := msgp.MapHeaderSize +
		8*msgp.StringPrefixSize + 64 +
		msgp.StringPrefixSize + len(m.Ref) +
		msgp.StringPrefixSize + len(m.User) +
		msgp.StringPrefixSize + len(m.From) +
		msgp.ArrayHeaderSize +
		msgp.StringPrefixSize + len(m.Subject) +
		msgp.StringPrefixSize + len(m.MessageID) +
		msgp.Int64Size + msgp.TimeSize
	for _, rcpt := range m.To {
		s += msgp.StringPrefixSize + len(rcpt)
	}
	return s
}

var (
	_ msgp.Marshaler   = (*Meta)(nil)
	_ msgp.Unmarshaler = (*Meta)(nil)
	_ msgp.Sizer       = (*Meta)(nil)
)
