package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dockache/dockache"
)

// OpenChangeStream implements dockache.StorageDriver, decoding directly
// into D via UpdateLookup rather than emitting a raw bson.M event.
func (d *Driver[K, D]) OpenChangeStream(ctx context.Context, collection string, resumeFrom dockache.ResumeToken, startAt dockache.OperationTime) (dockache.StreamHandle[K], error) {
	watchOpts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	switch {
	case resumeFrom != nil:
		watchOpts.SetResumeAfter(bson.Raw(resumeFrom))
	case startAt != nil:
		if ts, ok := decodeOperationTime(startAt); ok {
			watchOpts.SetStartAtOperationTime(&ts)
		}
	}

	stream, err := d.coll(collection).Watch(ctx, mongo.Pipeline{}, watchOpts)
	if err != nil {
		if isChangeStreamUnsupported(err) {
			return nil, dockache.NewError(dockache.ChangeStreamUnsupported, err, collection)
		}
		return nil, fmt.Errorf("mongostore: opening change stream for %s: %w", collection, err)
	}

	return &streamHandle[K, D]{stream: stream, codec: d.codec, keyField: d.opts.keyField()}, nil
}

type streamHandle[K comparable, D dockache.Document[K, D]] struct {
	stream   *mongo.ChangeStream
	codec    dockache.KeyCodec[K]
	keyField string
}

func (h *streamHandle[K, D]) Next(ctx context.Context) (dockache.ChangeEvent[K], bool, error) {
	if !h.stream.Next(ctx) {
		if err := h.stream.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				return dockache.ChangeEvent[K]{}, false, nil
			}
			return dockache.ChangeEvent[K]{}, false, dockache.NewError(dockache.ChangeStreamFatal, err, nil)
		}
		return dockache.ChangeEvent[K]{}, false, nil
	}

	var raw bson.M
	if err := h.stream.Decode(&raw); err != nil {
		return dockache.ChangeEvent[K]{}, false, fmt.Errorf("mongostore: decoding change event: %w", err)
	}

	return h.toChangeEvent(raw), true, nil
}

func (h *streamHandle[K, D]) Close(ctx context.Context) error {
	return h.stream.Close(ctx)
}

func (h *streamHandle[K, D]) toChangeEvent(raw bson.M) dockache.ChangeEvent[K] {
	ev := dockache.ChangeEvent[K]{Type: eventTypeOf(raw)}

	if tokenRaw, ok := raw["_id"]; ok {
		if b, err := bson.Marshal(tokenRaw); err == nil {
			ev.ResumeToken = dockache.ResumeToken(b)
		}
	}
	if ts, ok := raw["clusterTime"]; ok {
		if b, err := bson.Marshal(bson.M{"t": ts}); err == nil {
			ev.ClusterTime = dockache.OperationTime(b)
		}
	}

	if docKey, ok := raw["documentKey"].(bson.M); ok {
		if raw, ok := docKey[h.keyField]; ok {
			if s, ok := raw.(string); ok {
				if key, err := h.codec.FromString(s); err == nil {
					ev.Key = key
					ev.HasKey = true
				}
			}
		}
	}

	if fullDoc, ok := raw["fullDocument"].(bson.M); ok {
		dataBytes, err := bson.Marshal(fullDoc)
		if err == nil {
			var doc D
			if err := bson.Unmarshal(dataBytes, &doc); err == nil {
				ev.FullDocument = doc
				ev.HasDocument = true
			}
		}
	}

	return ev
}

func eventTypeOf(raw bson.M) dockache.EventType {
	op, _ := raw["operationType"].(string)
	switch op {
	case "insert":
		return dockache.EventInsert
	case "update":
		return dockache.EventUpdate
	case "replace":
		return dockache.EventReplace
	case "delete":
		return dockache.EventDelete
	case "drop":
		return dockache.EventDrop
	case "rename":
		return dockache.EventRename
	case "dropDatabase":
		return dockache.EventDropDatabase
	case "invalidate":
		return dockache.EventInvalidate
	default:
		return dockache.EventUnknown
	}
}

// decodeOperationTime unwraps the {"t": <timestamp>} envelope written by
// Driver.CurrentOperationTime.
func decodeOperationTime(raw dockache.OperationTime) (primitive.Timestamp, bool) {
	var wrapped struct {
		T primitive.Timestamp `bson:"t"`
	}
	if err := bson.Unmarshal(raw, &wrapped); err != nil {
		return primitive.Timestamp{}, false
	}
	return wrapped.T, true
}

// isChangeStreamUnsupported reports whether err indicates the target
// deployment cannot support change streams (e.g. a standalone mongod
// without replication).
func isChangeStreamUnsupported(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code == 40573 || cmdErr.Code == 136
	}
	return false
}
