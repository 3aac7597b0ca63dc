package groupqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Item is one queued message. Data is an opaque payload owned by the caller;
// the queue only routes and orders it.
type Item struct {
	ID          string    `json:"id" bson:"id"`
	GroupKey    string    `json:"group_key" bson:"group_key"`
	Data        []byte    `json:"data" bson:"data"`
	DeliveredAt time.Time `json:"delivered_at" bson:"delivered_at"`
}

// Codec turns items into zset members and back. The choice is per-manager and
// affects only bytes on the wire.
type Codec interface {
	Name() string
	Marshal(Item) ([]byte, error)
	Unmarshal([]byte) (Item, error)
}

// NewCodec resolves a codec by name ("json" or "bson").
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return jsonCodec{}, nil
	case "bson":
		return bsonCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown queue serialization %q", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(it Item) ([]byte, error) { return json.Marshal(it) }

func (jsonCodec) Unmarshal(b []byte) (Item, error) {
	var it Item
	err := json.Unmarshal(b, &it)
	return it, err
}

type bsonCodec struct{}

func (bsonCodec) Name() string { return "bson" }

func (bsonCodec) Marshal(it Item) ([]byte, error) { return bson.Marshal(it) }

func (bsonCodec) Unmarshal(b []byte) (Item, error) {
	var it Item
	err := bson.Unmarshal(b, &it)
	return it, err
}
