package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"hooktail"
)

// mongoFeed adapts a MongoDB change stream to the ChangeFeed interface.
type mongoFeed struct {
	stream *mongo.ChangeStream
}

// OpenMongo returns an OpenFunc that watches one database's change stream,
// optionally narrowed to a set of collections.
func OpenMongo(client *mongo.Client, database string, collections []string) OpenFunc {
	return func(ctx context.Context, resumeAfter json.RawMessage) (ChangeFeed, error) {
		match := bson.D{
			{Key: "operationType", Value: bson.D{
				{Key: "$in", Value: bson.A{"insert", "update", "delete"}},
			}},
		}
		if len(collections) > 0 {
			colls := make(bson.A, 0, len(collections))
			for _, c := range collections {
				colls = append(colls, c)
			}
			match = append(match, bson.E{Key: "ns.coll", Value: bson.D{{Key: "$in", Value: colls}}})
		}
		pipeline := mongo.Pipeline{bson.D{{Key: "$match", Value: match}}}

		opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
		if resumeAfter != nil {
			var token bson.M
			if err := bson.UnmarshalExtJSON(resumeAfter, false, &token); err != nil {
				return nil, fmt.Errorf("decode resume token: %w", err)
			}
			opts.SetResumeAfter(token)
		}

		stream, err := client.Database(database).Watch(ctx, pipeline, opts)
		if err != nil {
			return nil, fmt.Errorf("open change stream: %w", err)
		}
		return &mongoFeed{stream: stream}, nil
	}
}

// changeDoc is the change-stream document shape we decode.
type changeDoc struct {
	OperationType string `bson:"operationType"`
	NS            struct {
		DB   string `bson:"db"`
		Coll string `bson:"coll"`
	} `bson:"ns"`
	DocumentKey struct {
		ID any `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument      bson.M `bson:"fullDocument"`
	UpdateDescription *struct {
		UpdatedFields bson.M   `bson:"updatedFields"`
		RemovedFields []string `bson:"removedFields"`
	} `bson:"updateDescription"`
	ClusterTime primitive.Timestamp `bson:"clusterTime"`
}

func (f *mongoFeed) Next(ctx context.Context) (hooktail.ChangeRecord, error) {
	if !f.stream.Next(ctx) {
		if err := f.stream.Err(); err != nil {
			return hooktail.ChangeRecord{}, fmt.Errorf("change stream: %w", err)
		}
		return hooktail.ChangeRecord{}, fmt.Errorf("change stream closed")
	}

	var doc changeDoc
	if err := f.stream.Decode(&doc); err != nil {
		return hooktail.ChangeRecord{}, fmt.Errorf("decode change: %w", err)
	}

	token, err := bson.MarshalExtJSON(f.stream.ResumeToken(), false, false)
	if err != nil {
		return hooktail.ChangeRecord{}, fmt.Errorf("encode resume token: %w", err)
	}

	rec := hooktail.ChangeRecord{
		Token:     token,
		Operation: hooktail.Operation(doc.OperationType),
		Namespace: hooktail.Namespace{
			Database:   doc.NS.DB,
			Collection: doc.NS.Coll,
		},
		DocumentKey:  keyString(doc.DocumentKey.ID),
		FullDocument: normalizeMap(doc.FullDocument),
		ClusterTime:  time.Unix(int64(doc.ClusterTime.T), 0).UTC(),
	}
	if doc.UpdateDescription != nil {
		rec.Update = &hooktail.UpdateDescription{
			Updated: normalizeMap(doc.UpdateDescription.UpdatedFields),
			Removed: doc.UpdateDescription.RemovedFields,
		}
	}
	return rec, nil
}

func (f *mongoFeed) Close(ctx context.Context) error {
	return f.stream.Close(ctx)
}

func keyString(id any) string {
	switch v := id.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// normalizeMap converts BSON-specific values into plain Go types so the
// filter engine and JSON encoder see an ordinary tree.
func normalizeMap(m bson.M) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(t.T), 0).UTC()
	case primitive.Decimal128:
		return t.String()
	case bson.M:
		return normalizeMap(t)
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}
