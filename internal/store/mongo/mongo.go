// Package mongo is a record store on MongoDB.
//
// Each claim is a single-document FindOneAndUpdate whose filter only matches
// claimable studies, so two claimers can never both win the same study.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/screening-queue/internal/store"
	"github.com/ChuLiYu/screening-queue/pkg/types"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Config holds connection settings.
type Config struct {
	URI        string
	Database   string
	Collection string
	Username   string
	Password   string
}

type studyDoc struct {
	types.Study `bson:",inline"`
	Seq         int64      `bson:"seq"`
	ClaimedBy   *string    `bson:"claimed_by"`
	ClaimedAt   *time.Time `bson:"claimed_at"`
	Decision    *string    `bson:"decision"`
	Confidence  float64    `bson:"confidence,omitempty"`
	Rationale   string     `bson:"rationale,omitempty"`
	DecidedAt   *time.Time `bson:"decided_at,omitempty"`
}

// Store is the MongoDB backend.
type Store struct {
	client *mongo.Client
	col    *mongo.Collection
	opts   store.Options
	logger *slog.Logger
}

var (
	_ store.Store  = (*Store)(nil)
	_ store.Pinger = (*Store)(nil)
)

// Open connects and ensures the claim index exists.
func Open(ctx context.Context, cfg Config, logger *slog.Logger, opts ...store.Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	clientOptions := options.Client().ApplyURI(cfg.URI)
	if cfg.Username != "" {
		clientOptions.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password})
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	name := cfg.Collection
	if name == "" {
		name = "studies"
	}
	col := client.Database(cfg.Database).Collection(name)
	_, err = col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "job_id", Value: 1}, {Key: "decision", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "claimed_at", Value: 1}}},
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("create indexes: %w", err)
	}

	logger.Info("mongo store ready", "database", cfg.Database, "collection", name)
	return &Store{client: client, col: col, opts: store.BuildOptions(opts...), logger: logger}, nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// AddStudies inserts studies; existing ids are skipped.
func (s *Store) AddStudies(ctx context.Context, jobID types.JobID, studies []types.Study) (int, error) {
	if len(studies) == 0 {
		return 0, nil
	}
	base := s.opts.Now().UnixNano()
	docs := make([]interface{}, len(studies))
	for i, st := range studies {
		if st.ID == "" {
			st.ID = uuid.NewString()
		}
		st.JobID = jobID
		docs[i] = studyDoc{Study: st, Seq: base + int64(i)}
	}

	res, err := s.col.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		var bulkErr mongo.BulkWriteException
		if errors.As(err, &bulkErr) && onlyDuplicates(bulkErr) {
			return len(studies) - len(bulkErr.WriteErrors), nil
		}
		return 0, types.Transient("add studies", err)
	}
	return len(res.InsertedIDs), nil
}

// ClaimBatch claims studies one document at a time, oldest first.
func (s *Store) ClaimBatch(ctx context.Context, jobID types.JobID, claimant string, n int) ([]types.StudyRef, error) {
	if err := store.ValidateClaim(jobID, claimant, n); err != nil {
		return nil, err
	}

	now := s.opts.Now()
	claimable := bson.A{bson.M{"claimed_by": nil}}
	if cutoff := s.opts.LeaseCutoff(); !cutoff.IsZero() {
		claimable = append(claimable, bson.M{"claimed_at": bson.M{"$lt": cutoff}})
	}
	filter := bson.M{
		"job_id":   string(jobID),
		"decision": nil,
		"$or":      claimable,
	}
	update := bson.M{"$set": bson.M{"claimed_by": claimant, "claimed_at": now}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "seq", Value: 1}}).
		SetReturnDocument(options.After)

	refs := make([]types.StudyRef, 0, n)
	for len(refs) < n {
		var doc studyDoc
		err := s.col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			// Studies claimed so far stay claimed; their lease expires if
			// the caller never sees them.
			return nil, types.Transient("claim batch", err)
		}
		refs = append(refs, types.StudyRef{Study: doc.Study, ClaimedBy: claimant, ClaimedAt: now})
	}
	return refs, nil
}

// RecordDecision sets the decision if claimant still owns the claim.
func (s *Store) RecordDecision(ctx context.Context, studyID, claimant string, outcome types.Outcome) error {
	if err := store.ValidateOutcome(outcome); err != nil {
		return err
	}
	decision := string(outcome.Decision)
	now := s.opts.Now()
	res, err := s.col.UpdateOne(ctx,
		bson.M{"_id": studyID, "claimed_by": claimant, "decision": nil},
		bson.M{"$set": bson.M{
			"decision":   decision,
			"confidence": outcome.Confidence,
			"rationale":  outcome.Rationale,
			"decided_at": now,
		}})
	if err != nil {
		return types.Transient("record decision", err)
	}
	return s.checkOwned(ctx, res, studyID)
}

// Release clears the claim if claimant still owns it.
func (s *Store) Release(ctx context.Context, studyID, claimant string) error {
	res, err := s.col.UpdateOne(ctx,
		bson.M{"_id": studyID, "claimed_by": claimant, "decision": nil},
		bson.M{"$set": bson.M{"claimed_by": nil, "claimed_at": nil}})
	if err != nil {
		return types.Transient("release", err)
	}
	return s.checkOwned(ctx, res, studyID)
}

// Count reports the job's totals.
func (s *Store) Count(ctx context.Context, jobID types.JobID) (store.Counts, error) {
	var c store.Counts
	total, err := s.col.CountDocuments(ctx, bson.M{"job_id": string(jobID)})
	if err != nil {
		return c, types.Transient("count", err)
	}
	decided, err := s.col.CountDocuments(ctx, bson.M{"job_id": string(jobID), "decision": bson.M{"$ne": nil}})
	if err != nil {
		return c, types.Transient("count", err)
	}
	claimedFilter := bson.M{"job_id": string(jobID), "decision": nil, "claimed_by": bson.M{"$ne": nil}}
	if cutoff := s.opts.LeaseCutoff(); !cutoff.IsZero() {
		claimedFilter["claimed_at"] = bson.M{"$gte": cutoff}
	}
	claimed, err := s.col.CountDocuments(ctx, claimedFilter)
	if err != nil {
		return c, types.Transient("count", err)
	}
	c.Total, c.Decided, c.Claimed = int(total), int(decided), int(claimed)
	return c, nil
}

// Ping checks the server.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) checkOwned(ctx context.Context, res *mongo.UpdateResult, studyID string) error {
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := s.col.CountDocuments(ctx, bson.M{"_id": studyID})
	if err != nil {
		return types.Transient("lookup study", err)
	}
	if n == 0 {
		return store.ErrStudyNotFound
	}
	return store.ErrClaimLost
}

func onlyDuplicates(e mongo.BulkWriteException) bool {
	if e.WriteConcernError != nil || len(e.WriteErrors) == 0 {
		return false
	}
	for _, we := range e.WriteErrors {
		if we.Code != 11000 {
			return false
		}
	}
	return true
}
