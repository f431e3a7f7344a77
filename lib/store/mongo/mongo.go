// Package mongo implements the store interface for MongoDB.
//
// Hashes are documents {_id: key, f: {field: value}} in the "hash" collection, sets are {_id: key, m: [member]} in
// "set" and strings are {_id: key, v: value, exp: date} in "string", with a TTL index on exp. Every operation is a
// single document update, which MongoDB applies atomically. Hash field names must not contain '.' or start with '$'.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tarancss/xrouter/lib/store"
)

// DBName is the database holding the router collections.
var DBName = "xrouter"

const duplicateKey = 11000

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c       *mgo.Client
	hashes  *mgo.Collection
	sets    *mgo.Collection
	strings *mgo.Collection
}

type hashDoc struct {
	F map[string]string `bson:"f"`
}

type setDoc struct {
	M []string `bson:"m"`
}

type stringDoc struct {
	V   string    `bson:"v"`
	Exp time.Time `bson:"exp"`
}

// New returns a Mongo client connection to the specified MongoDB database uri.
func New(uri string) (*Mongo, error) {
	// get a client
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}
	// connect client
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	if err = c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	db := c.Database(DBName)
	m := &Mongo{c: c, hashes: db.Collection("hash"), sets: db.Collection("set"), strings: db.Collection("string")}

	// expired strings are removed by the server, Get also checks exp since removal is lazy
	_, err = m.strings.Indexes().CreateOne(ctx, mgo.IndexModel{
		Keys:    bson.D{{Key: "exp", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		_ = c.Disconnect(context.Background())

		return nil, fmt.Errorf("cannot create ttl index: %w", err)
	}

	return m, nil
}

// Ping checks the connection to the primary.
func (m *Mongo) Ping(ctx context.Context) error {
	return m.c.Ping(ctx, nil)
}

// Close will close a database connection. Must be called at termination time.
func (m *Mongo) Close(ctx context.Context) error {
	return m.c.Disconnect(ctx)
}

// HSetNX sets field in key if it is not set yet. The upsert inserts a new document when key does not match the
// filter, which fails with a duplicate key error when the document exists with field already set.
func (m *Mongo) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	_, err := m.hashes.UpdateOne(ctx,
		bson.M{"_id": key, "f." + field: bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"f." + field: value}},
		options.Update().SetUpsert(true))
	if isDuplicateKey(err) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("cannot set %s in %s: %w", field, key, err)
	}

	return true, nil
}

// HGet returns field of key or store.ErrNotFound.
func (m *Mongo) HGet(ctx context.Context, key, field string) (string, error) {
	h, err := m.hash(ctx, key, options.FindOne().SetProjection(bson.M{"f." + field: 1}))
	if err != nil {
		return "", err
	}

	v, ok := h[field]
	if !ok {
		return "", store.ErrNotFound
	}

	return v, nil
}

// HGetAll returns the hash at key, empty if absent.
func (m *Mongo) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	h, err := m.hash(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return map[string]string{}, nil
	}

	return h, err
}

// HDel removes fields from key and returns how many existed, read from the document as it was before the update.
func (m *Mongo) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	unset := bson.M{}
	for _, f := range fields {
		unset["f."+f] = ""
	}

	var before hashDoc

	err := m.hashes.FindOneAndUpdate(ctx, bson.M{"_id": key}, bson.M{"$unset": unset},
		options.FindOneAndUpdate().SetReturnDocument(options.Before)).Decode(&before)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("cannot delete fields from %s: %w", key, err)
	}

	var n int64

	for _, f := range fields {
		if _, ok := before.F[f]; ok {
			n++
		}
	}

	return n, nil
}

// HCreate writes fields if key does not exist.
func (m *Mongo) HCreate(ctx context.Context, key string, fields map[string]string) (bool, error) {
	res, err := m.hashes.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$setOnInsert": bson.M{"f": fields}},
		options.Update().SetUpsert(true))
	if isDuplicateKey(err) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("cannot create %s: %w", key, err)
	}

	return res.UpsertedCount == 1, nil
}

// HCompareAndSwap writes fields if field holds expected.
func (m *Mongo) HCompareAndSwap(ctx context.Context, key, field, expected string,
	fields map[string]string) (bool, error) {
	set := bson.M{}
	for k, v := range fields {
		set["f."+k] = v
	}

	res, err := m.hashes.UpdateOne(ctx, bson.M{"_id": key, "f." + field: expected}, bson.M{"$set": set})
	if err != nil {
		return false, fmt.Errorf("cannot update %s: %w", key, err)
	}

	return res.MatchedCount == 1, nil
}

// SAdd adds members to the set at key.
func (m *Mongo) SAdd(ctx context.Context, key string, members ...string) error {
	_, err := m.sets.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$addToSet": bson.M{"m": bson.M{"$each": members}}},
		options.Update().SetUpsert(true))
	if isDuplicateKey(err) {
		// lost an upsert race with another writer, the document exists now
		_, err = m.sets.UpdateOne(ctx, bson.M{"_id": key}, bson.M{"$addToSet": bson.M{"m": bson.M{"$each": members}}})
	}

	if err != nil {
		return fmt.Errorf("cannot add to %s: %w", key, err)
	}

	return nil
}

// SRem removes members from the set at key.
func (m *Mongo) SRem(ctx context.Context, key string, members ...string) error {
	_, err := m.sets.UpdateOne(ctx, bson.M{"_id": key}, bson.M{"$pull": bson.M{"m": bson.M{"$in": members}}})
	if err != nil {
		return fmt.Errorf("cannot remove from %s: %w", key, err)
	}

	return nil
}

// SMembers returns the members of the set at key.
func (m *Mongo) SMembers(ctx context.Context, key string) ([]string, error) {
	var s setDoc

	err := m.sets.FindOne(ctx, bson.M{"_id": key}).Decode(&s)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return []string{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", key, err)
	}

	return s.M, nil
}

// SetEx sets key to value for ttl.
func (m *Mongo) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := m.strings.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"v": value, "exp": time.Now().Add(ttl)}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("cannot set %s: %w", key, err)
	}

	return nil
}

// Get returns the value of key, or store.ErrNotFound if it is absent or expired.
func (m *Mongo) Get(ctx context.Context, key string) (string, error) {
	var s stringDoc

	err := m.strings.FindOne(ctx, bson.M{"_id": key, "exp": bson.M{"$gt": time.Now()}}).Decode(&s)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return "", store.ErrNotFound
	}

	if err != nil {
		return "", fmt.Errorf("cannot read %s: %w", key, err)
	}

	return s.V, nil
}

func (m *Mongo) hash(ctx context.Context, key string, opts ...*options.FindOneOptions) (map[string]string, error) {
	var h hashDoc

	err := m.hashes.FindOne(ctx, bson.M{"_id": key}, opts...).Decode(&h)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", key, err)
	}

	if h.F == nil {
		h.F = map[string]string{}
	}

	return h.F, nil
}

func isDuplicateKey(err error) bool {
	var we mgo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == duplicateKey {
				return true
			}
		}
	}

	var ce mgo.CommandError

	return errors.As(err, &ce) && ce.Code == duplicateKey
}
