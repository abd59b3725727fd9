// Package mongo stores exported agent snapshots in MongoDB. One document per
// agent, keyed by agent id, holding the snapshot JSON next to the fields
// queries filter on. The store implements goa.design/clue/health.Pinger so
// deployments can mount it on their health checks.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/loom"
	"goa.design/loom/runtime/agent"
)

type (
	// Options configures the store.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database holds the snapshot collection. Required.
		Database string
		// Collection defaults to "agent_snapshots".
		Collection string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
	}

	// Store persists agent snapshots, one document per agent.
	Store struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	// snapshotDocument is the stored shape. The snapshot itself travels as
	// opaque JSON; version and serialized_at are lifted out for queries.
	snapshotDocument struct {
		ID           string    `bson:"_id"`
		Version      int       `bson:"version"`
		SerializedAt time.Time `bson:"serialized_at"`
		Snapshot     []byte    `bson:"snapshot"`
	}
)

const (
	defaultCollection = "agent_snapshots"
	defaultTimeout    = 5 * time.Second
	storeName         = "state-mongo"
)

// New returns a Store backed by the provided Mongo client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, loom.ValidationError("mongo client is required")
	}
	if opts.Database == "" {
		return nil, loom.ValidationError("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{
		mongo:   opts.Client,
		coll:    mongoCollection{coll: opts.Client.Database(opts.Database).Collection(coll)},
		timeout: timeout,
	}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Save upserts the snapshot under its agent id, replacing any previous
// export for the same agent.
func (s *Store) Save(ctx context.Context, snap *agent.Snapshot) error {
	if snap == nil {
		return loom.ValidationError("snapshot is required")
	}
	if err := snap.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return loom.WrapError(loom.KindValidation, err, "encode snapshot for agent %q", snap.AgentID)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc := snapshotDocument{
		ID:           snap.AgentID,
		Version:      snap.Version,
		SerializedAt: snap.SerializedAt.UTC(),
		Snapshot:     payload,
	}
	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": snap.AgentID}, doc, options.Replace().SetUpsert(true))
	return err
}

// Load returns the stored snapshot for the agent. A missing document is a
// not_found error.
func (s *Store) Load(ctx context.Context, agentID string) (*agent.Snapshot, error) {
	if agentID == "" {
		return nil, loom.ValidationError("agent id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc snapshotDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": agentID}, &doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, loom.NotFoundError("no snapshot for agent %q", agentID)
		}
		return nil, err
	}
	return agent.ParseSnapshot(doc.Snapshot)
}

// Delete removes the agent's snapshot. Deleting an absent snapshot is a
// not_found error so callers can tell a no-op from a cleanup.
func (s *Store) Delete(ctx context.Context, agentID string) error {
	if agentID == "" {
		return loom.ValidationError("agent id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": agentID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return loom.NotFoundError("no snapshot for agent %q", agentID)
	}
	return nil
}

// List returns the ids of every agent with a stored snapshot, sorted.
func (s *Store) List(ctx context.Context) (ids []string, err error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(ctx, bson.M{}, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.ID)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// collection is the slice of *mongo.Collection the store uses, narrowed so
// unit tests can stand in for a server. FindOne decodes straight into out,
// folding the driver's SingleResult away.
type collection interface {
	ReplaceOne(ctx context.Context, filter, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error)
	FindOne(ctx context.Context, filter, out any) error
	DeleteOne(ctx context.Context, filter any) (*mongodriver.DeleteResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) FindOne(ctx context.Context, filter, out any) error {
	return c.coll.FindOne(ctx, filter).Decode(out)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	return c.coll.Find(ctx, filter, opts...)
}
