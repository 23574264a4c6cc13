package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/waypoint/pkg/api"
)

// MongoHistoryStore is a HistoryStore backed by MongoDB.
//
// Events live in wf_events with a unique {run_id, seq} index, which is the
// compare-and-set: a racing append inserts the same seq and loses with a
// duplicate key error. wf_runs is a derived listing index updated after the
// events are stored.
type MongoHistoryStore struct {
	events *mongo.Collection
	runs   *mongo.Collection
}

var _ HistoryStore = (*MongoHistoryStore)(nil)

type mongoEventDoc struct {
	RunID   string `bson:"run_id"`
	Seq     int64  `bson:"seq"`
	Type    string `bson:"type"`
	StepID  string `bson:"step_id,omitempty"`
	At      int64  `bson:"at"`
	Payload string `bson:"payload,omitempty"`
}

type mongoRunDoc struct {
	ID        string `bson:"_id"`
	Workflow  string `bson:"workflow"`
	RunKey    string `bson:"run_key"`
	LastSeq   int64  `bson:"last_seq"`
	Terminal  bool   `bson:"terminal"`
	CreatedAt int64  `bson:"created_at"`
	UpdatedAt int64  `bson:"updated_at"`
}

// NewMongoHistoryStore creates the collections' indexes and returns a store.
// dbName defaults to "waypoint" if empty.
func NewMongoHistoryStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoHistoryStore, error) {
	if dbName == "" {
		dbName = "waypoint"
	}
	db := client.Database(dbName)
	s := &MongoHistoryStore{
		events: db.Collection("wf_events"),
		runs:   db.Collection("wf_runs"),
	}

	_, err := s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("create event index: %w", err)
	}
	_, err = s.runs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "terminal", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("create run index: %w", err)
	}
	return s, nil
}

func (s *MongoHistoryStore) Append(ctx context.Context, runID string, expectedSeq int64, events ...api.HistoryEvent) (int64, error) {
	batch, err := prepareAppend(runID, expectedSeq, events)
	if err != nil {
		return 0, err
	}

	if expectedSeq > 0 {
		var prev mongoEventDoc
		err := s.events.FindOne(ctx, bson.M{"run_id": runID, "seq": expectedSeq}).Decode(&prev)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, s.conflict(ctx, runID, expectedSeq)
		}
		if err != nil {
			return 0, err
		}
		if api.EventType(prev.Type).IsTerminal() {
			return 0, api.ErrRunTerminated
		}
	}

	docs := make([]any, len(batch))
	for i, ev := range batch {
		docs[i] = mongoEventDoc{
			RunID:   ev.RunID,
			Seq:     ev.Seq,
			Type:    string(ev.Type),
			StepID:  ev.StepID,
			At:      ev.At.UnixNano(),
			Payload: string(ev.Payload),
		}
	}
	if _, err := s.events.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return 0, s.conflict(ctx, runID, expectedSeq)
		}
		return 0, err
	}

	last := batch[len(batch)-1]
	update := bson.M{
		"$max": bson.M{"last_seq": last.Seq},
		"$set": bson.M{"terminal": last.Type.IsTerminal(), "updated_at": last.At.UnixNano()},
	}
	if expectedSeq == 0 {
		rec, err := newRunRecord(batch[0])
		if err != nil {
			return 0, err
		}
		update["$setOnInsert"] = bson.M{
			"workflow":   rec.Workflow,
			"run_key":    rec.RunKey,
			"created_at": rec.CreatedAt.UnixNano(),
		}
	}
	if _, err := s.runs.UpdateByID(ctx, runID, update, options.Update().SetUpsert(true)); err != nil {
		return 0, fmt.Errorf("update run index: %w", err)
	}
	return last.Seq, nil
}

func (s *MongoHistoryStore) conflict(ctx context.Context, runID string, expectedSeq int64) error {
	var last mongoEventDoc
	err := s.events.FindOne(ctx, bson.M{"run_id": runID},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}}),
	).Decode(&last)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return err
	}
	return &api.ConcurrentWriteError{RunID: runID, Expected: expectedSeq, Actual: last.Seq}
}

func (s *MongoHistoryStore) Load(ctx context.Context, runID string) ([]api.HistoryEvent, error) {
	cur, err := s.events.Find(ctx, bson.M{"run_id": runID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.HistoryEvent
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ev := api.HistoryEvent{
			RunID:  doc.RunID,
			Seq:    doc.Seq,
			Type:   api.EventType(doc.Type),
			StepID: doc.StepID,
			At:     time.Unix(0, doc.At).UTC(),
		}
		if doc.Payload != "" {
			ev.Payload = []byte(doc.Payload)
		}
		out = append(out, ev)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, api.ErrRunNotFound
	}
	return out, nil
}

func (s *MongoHistoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error) {
	q := bson.M{}
	if filter.Workflow != "" {
		q["workflow"] = filter.Workflow
	}
	if filter.OpenOnly {
		q["terminal"] = false
	}
	cur, err := s.runs.Find(ctx, q, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []RunRecord
	for cur.Next(ctx) {
		var doc mongoRunDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, RunRecord{
			ID:        doc.ID,
			Workflow:  doc.Workflow,
			RunKey:    doc.RunKey,
			LastSeq:   doc.LastSeq,
			Terminal:  doc.Terminal,
			CreatedAt: time.Unix(0, doc.CreatedAt).UTC(),
			UpdatedAt: time.Unix(0, doc.UpdatedAt).UTC(),
		})
	}
	return out, cur.Err()
}

// MongoHookIndex keeps one document per token with the token as _id.
type MongoHookIndex struct {
	coll *mongo.Collection
}

var _ HookIndex = (*MongoHookIndex)(nil)

type mongoHookDoc struct {
	Token      string `bson:"_id"`
	RunID      string `bson:"run_id"`
	StepID     string `bson:"step_id"`
	SingleShot bool   `bson:"single_shot"`
	Resolved   bool   `bson:"resolved"`
	Metadata   string `bson:"metadata,omitempty"`
	CreatedAt  int64  `bson:"created_at"`
}

func NewMongoHookIndex(client *mongo.Client, dbName string) *MongoHookIndex {
	if dbName == "" {
		dbName = "waypoint"
	}
	return &MongoHookIndex{coll: client.Database(dbName).Collection("wf_hooks")}
}

func (x *MongoHookIndex) Insert(ctx context.Context, rec HookRecord) error {
	_, err := x.coll.InsertOne(ctx, mongoHookDoc{
		Token:      rec.Token,
		RunID:      rec.RunID,
		StepID:     rec.StepID,
		SingleShot: rec.SingleShot,
		Resolved:   rec.Resolved,
		Metadata:   string(rec.Metadata),
		CreatedAt:  rec.CreatedAt.UnixNano(),
	})
	if mongo.IsDuplicateKeyError(err) {
		owner := ""
		if existing, gerr := x.Get(ctx, rec.Token); gerr == nil {
			owner = existing.RunID
		}
		return &api.DuplicateTokenError{Token: rec.Token, OwnerRunID: owner}
	}
	return err
}

func (x *MongoHookIndex) Get(ctx context.Context, token string) (HookRecord, error) {
	var doc mongoHookDoc
	err := x.coll.FindOne(ctx, bson.M{"_id": token}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return HookRecord{}, ErrHookNotFound
	}
	if err != nil {
		return HookRecord{}, err
	}
	rec := HookRecord{
		Token:      doc.Token,
		RunID:      doc.RunID,
		StepID:     doc.StepID,
		SingleShot: doc.SingleShot,
		Resolved:   doc.Resolved,
		CreatedAt:  time.Unix(0, doc.CreatedAt).UTC(),
	}
	if doc.Metadata != "" {
		rec.Metadata = []byte(doc.Metadata)
	}
	return rec, nil
}

func (x *MongoHookIndex) MarkResolved(ctx context.Context, token string) error {
	res, err := x.coll.UpdateByID(ctx, token, bson.M{"$set": bson.M{"resolved": true}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrHookNotFound
	}
	return nil
}

func (x *MongoHookIndex) Delete(ctx context.Context, token string) error {
	_, err := x.coll.DeleteOne(ctx, bson.M{"_id": token})
	return err
}
