// Package wire encodes and decodes updateBatch messages.
//
// One message carries every update of one flush:
//
//	{"msg":"updateBatch","collection":"tasks","lut":1700000000000,
//	 "updates":"[{\"o\":\"added\",\"d\":\"{\\\"id\\\":\\\"t1\\\",...}\"}]"}
//
// Both updates and each entry's d are JSON encoded strings. Ids use the
// canonical form of document.ID.String.
package wire

import (
	"encoding/json"
	"time"

	"github.com/teranos/batchpub/document"
	"github.com/teranos/batchpub/errors"
)

// MsgUpdateBatch is the msg field of a batch message.
const MsgUpdateBatch = "updateBatch"

// Op is the kind of one update.
type Op string

const (
	OpAdded   Op = "added"
	OpChanged Op = "changed"
	OpRemoved Op = "removed"
)

// Valid reports whether op is one of the three update kinds.
func (op Op) Valid() bool {
	switch op {
	case OpAdded, OpChanged, OpRemoved:
		return true
	}
	return false
}

// Update is one document change inside a batch. Collection is empty when the
// batch carries a single collection at the message level.
type Update struct {
	Op         Op
	Collection string
	ID         document.ID
	Fields     document.Fields
	Cleared    []string
}

// Added builds an added update.
func Added(collection string, id document.ID, fields document.Fields) Update {
	return Update{Op: OpAdded, Collection: collection, ID: id, Fields: fields}
}

// Changed builds a changed update.
func Changed(collection string, id document.ID, fields document.Fields, cleared []string) Update {
	return Update{Op: OpChanged, Collection: collection, ID: id, Fields: fields, Cleared: cleared}
}

// Removed builds a removed update.
func Removed(collection string, id document.ID) Update {
	return Update{Op: OpRemoved, Collection: collection, ID: id}
}

// Entry is an update already serialized to its wire form. Publications
// serialize each update once when it is queued.
type Entry struct {
	O string `json:"o"`
	C string `json:"c,omitempty"`
	D string `json:"d"`
}

type payload struct {
	ID      string          `json:"id"`
	Fields  document.Fields `json:"fields,omitempty"`
	Cleared []string        `json:"cleared,omitempty"`
}

// Encode serializes u. The zero id is rejected.
func (u Update) Encode() (Entry, error) {
	if u.ID.IsZero() {
		return Entry{}, errors.Wrapf(errors.ErrInvalidDocumentID, "encode %s update", u.Op)
	}
	if !u.Op.Valid() {
		return Entry{}, errors.NewInvalidRequestError("unknown update op %q", u.Op)
	}
	p := payload{ID: u.ID.String()}
	if u.Op != OpRemoved {
		p.Fields = u.Fields
		if u.Op == OpChanged {
			p.Cleared = u.Cleared
		}
	}
	d, err := json.Marshal(p)
	if err != nil {
		return Entry{}, errors.Wrapf(err, "encode %s %s", u.Op, p.ID)
	}
	return Entry{O: string(u.Op), C: u.Collection, D: string(d)}, nil
}

// Message is the decoded envelope of a batch.
type Message struct {
	Msg        string  `json:"msg"`
	Collection *string `json:"collection"`
	LUT        int64   `json:"lut"`
	Updates    string  `json:"updates"`
}

// Batch is a fully decoded updateBatch message.
type Batch struct {
	Collection string
	LUT        time.Time
	Updates    []Update
}

// EncodeBatch renders entries into one updateBatch message. An empty
// collection is written as null; entries must then carry their own.
func EncodeBatch(collection string, lut time.Time, entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	updates, err := json.Marshal(entries)
	if err != nil {
		return nil, errors.Wrap(err, "encode updates")
	}
	msg := Message{Msg: MsgUpdateBatch, LUT: lut.UnixMilli(), Updates: string(updates)}
	if collection != "" {
		msg.Collection = &collection
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "encode updateBatch")
	}
	return out, nil
}

// EncodeUpdates serializes updates and renders them as one message.
func EncodeUpdates(collection string, lut time.Time, updates []Update) ([]byte, error) {
	entries := make([]Entry, 0, len(updates))
	for _, u := range updates {
		e, err := u.Encode()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return EncodeBatch(collection, lut, entries)
}

// DecodeBatch parses an updateBatch message, reversing id canonicalization.
// Updates without their own collection inherit the message collection.
func DecodeBatch(raw []byte) (Batch, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Batch{}, errors.Wrap(err, "decode updateBatch")
	}
	if msg.Msg != MsgUpdateBatch {
		return Batch{}, errors.NewInvalidRequestError("unexpected msg %q", msg.Msg)
	}
	return msg.Decode()
}

// Decode expands the nested updates string.
func (m Message) Decode() (Batch, error) {
	b := Batch{LUT: time.UnixMilli(m.LUT)}
	if m.Collection != nil {
		b.Collection = *m.Collection
	}
	var entries []Entry
	if err := json.Unmarshal([]byte(m.Updates), &entries); err != nil {
		return Batch{}, errors.Wrap(err, "decode updates")
	}
	b.Updates = make([]Update, 0, len(entries))
	for i, e := range entries {
		u, err := e.Decode(b.Collection)
		if err != nil {
			return Batch{}, errors.Wrapf(err, "update %d", i)
		}
		b.Updates = append(b.Updates, u)
	}
	return b, nil
}

// Decode parses one entry. fallback is used when the entry has no c.
func (e Entry) Decode(fallback string) (Update, error) {
	op := Op(e.O)
	if !op.Valid() {
		return Update{}, errors.NewInvalidRequestError("unknown update op %q", e.O)
	}
	var p payload
	if err := json.Unmarshal([]byte(e.D), &p); err != nil {
		return Update{}, errors.Wrapf(err, "decode %s payload", e.O)
	}
	id, err := document.ParseID(p.ID)
	if err != nil {
		return Update{}, err
	}
	c := e.C
	if c == "" {
		c = fallback
	}
	if c == "" {
		return Update{}, errors.Wrapf(errors.ErrMissingCollection, "%s %s", e.O, p.ID)
	}
	return Update{Op: op, Collection: c, ID: id, Fields: p.Fields, Cleared: p.Cleared}, nil
}
