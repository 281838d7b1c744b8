// Package queue fans roast work out over a watermill pub/sub with
// at-least-once delivery. Idempotency comes from the store, not the
// transport: consumers check for an existing active roast before doing any
// work, so redelivered or duplicate messages are cheap no-ops.
package queue

import (
	"encoding/json"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rotisserie/eris"

	"github.com/screenroast/screenroast/internal/model"
)

// Metadata keys carried on every work message.
const (
	MetaCorrelationID = "correlation_id"
	MetaAttempt       = "attempt"
)

// ItemMessage is the JSON body of one unit of roast work.
type ItemMessage struct {
	ItemID int64  `json:"item_id"`
	Title  string `json:"title"`
}

// NewMessage builds a watermill message for an item with attempt 1.
func NewMessage(item model.Item, correlationID string) (*message.Message, error) {
	body, err := json.Marshal(ItemMessage{ItemID: item.ID, Title: item.Title})
	if err != nil {
		return nil, eris.Wrap(err, "queue: marshal message")
	}
	msg := message.NewMessage(watermillUUID(), body)
	msg.Metadata.Set(MetaCorrelationID, correlationID)
	msg.Metadata.Set(MetaAttempt, "1")
	return msg, nil
}

// DecodeMessage parses a work message body.
func DecodeMessage(msg *message.Message) (ItemMessage, error) {
	var im ItemMessage
	if err := json.Unmarshal(msg.Payload, &im); err != nil {
		return ItemMessage{}, eris.Wrap(err, "queue: unmarshal message")
	}
	if im.ItemID == 0 {
		return ItemMessage{}, eris.New("queue: message missing item_id")
	}
	return im, nil
}

// Attempt reads the delivery attempt counter, defaulting to 1.
func Attempt(msg *message.Message) int {
	n, err := strconv.Atoi(msg.Metadata.Get(MetaAttempt))
	if err != nil || n < 1 {
		return 1
	}
	return n
}
