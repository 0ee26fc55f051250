package objstore

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	logx "postpilot/pkg/logx"
)

// mongoDoc is one object. _id is the key so prefix listing uses the
// primary index.
type mongoDoc struct {
	Key       string    `bson:"_id"`
	Data      []byte    `bson:"data"`
	Version   int64     `bson:"version"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

type mongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	log    logx.Logger
}

func openMongo(ctx context.Context, cfg Config, log logx.Logger) (Versioned, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, errors.New("storage.uri is required for mongodb driver")
	}
	dbName := cfg.Database
	if dbName == "" {
		dbName = "postpilot"
	}
	collName := cfg.Collection
	if collName == "" {
		collName = "objects"
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, Unavailable(err, "mongo connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, Unavailable(err, "mongo ping")
	}
	return NewMongo(client, client.Database(dbName).Collection(collName), log), nil
}

// NewMongo wraps an existing collection. client may be nil when the caller
// owns the connection.
func NewMongo(client *mongo.Client, coll *mongo.Collection, log logx.Logger) Versioned {
	return &mongoStore{client: client, coll: coll, log: log}
}

func (s *mongoStore) Put(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{
			"$set": bson.M{"data": data, "updatedAt": time.Now().UTC()},
			"$inc": bson.M{"version": int64(1)},
		},
		options.Update().SetUpsert(true),
	)
	return Unavailable(err, "mongo put")
}

func (s *mongoStore) PutIfVersion(ctx context.Context, key string, data []byte, version string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	now := time.Now().UTC()
	if version == "" {
		_, err := s.coll.InsertOne(ctx, mongoDoc{Key: key, Data: data, Version: 1, UpdatedAt: now})
		if mongo.IsDuplicateKeyError(err) {
			return "", ErrVersionConflict
		}
		if err != nil {
			return "", Unavailable(err, "mongo insert")
		}
		return "1", nil
	}

	want, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return "", ErrVersionConflict
	}
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": key, "version": want},
		bson.M{
			"$set": bson.M{"data": data, "updatedAt": now},
			"$inc": bson.M{"version": int64(1)},
		},
	)
	if err != nil {
		return "", Unavailable(err, "mongo update")
	}
	if res.MatchedCount == 0 {
		return "", ErrVersionConflict
	}
	return strconv.FormatInt(want+1, 10), nil
}

func (s *mongoStore) Get(ctx context.Context, key string) (Object, error) {
	var doc mongoDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Object{}, ErrNotFound
	}
	if err != nil {
		return Object{}, Unavailable(err, "mongo get")
	}
	return Object{Key: key, Data: doc.Data, Version: strconv.FormatInt(doc.Version, 10), Updated: doc.UpdatedAt}, nil
}

func (s *mongoStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	filter := bson.M{}
	if prefix != "" {
		filter["_id"] = bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetProjection(bson.M{"_id": 1})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, Unavailable(err, "mongo list")
	}
	defer cur.Close(ctx)

	keys := make([]string, 0, 16)
	for cur.Next(ctx) {
		var row struct {
			Key string `bson:"_id"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, Unavailable(err, "mongo decode")
		}
		keys = append(keys, row.Key)
	}
	return keys, Unavailable(cur.Err(), "mongo cursor")
}

func (s *mongoStore) Delete(ctx context.Context, key string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": key})
	return Unavailable(err, "mongo delete")
}

func (s *mongoStore) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
