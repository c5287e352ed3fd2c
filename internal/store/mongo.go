package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type mongoStore struct {
	client     *mongo.Client
	contacts   *mongo.Collection
	groups     *mongo.Collection
	onboarding *mongo.Collection
	pending    *mongo.Collection
	now        func() time.Time
}

type mongoOnboarding struct {
	ContactID       int64     `bson:"_id"`
	FirstName       string    `bson:"first_name"`
	Stage           string    `bson:"stage"`
	CreatedAt       time.Time `bson:"created_at"`
	FollowUp1hSent  bool      `bson:"follow_up_1h_sent"`
	FollowUp3hSent  bool      `bson:"follow_up_3h_sent"`
	SetupCompleted  bool      `bson:"setup_completed"`
	AccountVerified bool      `bson:"account_verified"`
}

type mongoPending struct {
	ChatID      int64     `bson:"chat_id"`
	UserID      int64     `bson:"user_id"`
	FirstName   string    `bson:"first_name"`
	RequestedAt time.Time `bson:"requested_at"`
}

func openMongo(ctx context.Context, cfg Config) (Store, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, errors.New("mongo uri is required")
	}
	dbName := strings.TrimSpace(cfg.Database)
	if dbName == "" {
		dbName = "joinflow"
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	db := client.Database(dbName)
	st := &mongoStore{
		client:     client,
		contacts:   db.Collection("contacts"),
		groups:     db.Collection("groups"),
		onboarding: db.Collection("onboarding"),
		pending:    db.Collection("pending_joins"),
		now:        time.Now,
	}
	if err := st.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return st, nil
}

func (s *mongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.pending.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "chat_id", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (s *mongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}

func (s *mongoStore) upsertID(ctx context.Context, coll *mongo.Collection, id int64) error {
	_, err := coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$setOnInsert": bson.M{"_id": id}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (s *mongoStore) RecordContact(ctx context.Context, id int64) error {
	return s.upsertID(ctx, s.contacts, id)
}

func (s *mongoStore) RemoveContact(ctx context.Context, id int64) error {
	_, err := s.contacts.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (s *mongoStore) CountContacts(ctx context.Context) (int64, error) {
	return s.contacts.CountDocuments(ctx, bson.D{})
}

func (s *mongoStore) ContactIDs(ctx context.Context) ([]int64, error) {
	cur, err := s.contacts.Find(ctx, bson.D{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var ids []int64
	for cur.Next(ctx) {
		var doc struct {
			ID int64 `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.ID)
	}
	return ids, cur.Err()
}

func (s *mongoStore) RecordGroup(ctx context.Context, id int64) error {
	return s.upsertID(ctx, s.groups, id)
}

func (s *mongoStore) CountGroups(ctx context.Context) (int64, error) {
	return s.groups.CountDocuments(ctx, bson.D{})
}

func (s *mongoStore) CreateOnboarding(ctx context.Context, id int64, firstName string) error {
	_, err := s.onboarding.InsertOne(ctx, mongoOnboarding{
		ContactID: id,
		FirstName: firstName,
		Stage:     "welcome_sent",
		CreatedAt: s.now().UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrExists
	}
	return err
}

func (s *mongoStore) GetOnboarding(ctx context.Context, id int64) (OnboardingRecord, error) {
	var doc mongoOnboarding
	err := s.onboarding.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return OnboardingRecord{}, ErrNotFound
	}
	if err != nil {
		return OnboardingRecord{}, err
	}
	return OnboardingRecord(doc), nil
}

func (s *mongoStore) setField(ctx context.Context, id int64, field string, value any) error {
	res, err := s.onboarding.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{field: value}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *mongoStore) SetStage(ctx context.Context, id int64, stage string) error {
	return s.setField(ctx, id, "stage", stage)
}

func (s *mongoStore) MarkFollowUpSent(ctx context.Context, id int64, kind FollowUpKind) error {
	field := "follow_up_1h_sent"
	if kind == FollowUp3h {
		field = "follow_up_3h_sent"
	}
	return s.setField(ctx, id, field, true)
}

func (s *mongoStore) MarkSetupCompleted(ctx context.Context, id int64, completed bool) error {
	return s.setField(ctx, id, "setup_completed", completed)
}

func (s *mongoStore) MarkAccountVerified(ctx context.Context, id int64, verified bool) error {
	return s.setField(ctx, id, "account_verified", verified)
}

func (s *mongoStore) DeleteOnboarding(ctx context.Context, id int64) error {
	_, err := s.onboarding.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (s *mongoStore) DueForFollowUp(ctx context.Context, kind FollowUpKind, threshold time.Duration) ([]OnboardingRecord, error) {
	field := "follow_up_1h_sent"
	if kind == FollowUp3h {
		field = "follow_up_3h_sent"
	}
	cutoff := s.now().UTC().Add(-threshold)
	cur, err := s.onboarding.Find(ctx, bson.M{
		"created_at":      bson.M{"$lte": cutoff},
		field:             false,
		"setup_completed": false,
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var due []OnboardingRecord
	for cur.Next(ctx) {
		var doc mongoOnboarding
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		due = append(due, OnboardingRecord(doc))
	}
	return due, cur.Err()
}

func (s *mongoStore) RecordPendingJoin(ctx context.Context, p PendingJoin) error {
	if p.RequestedAt.IsZero() {
		p.RequestedAt = s.now().UTC()
	}
	_, err := s.pending.UpdateOne(ctx,
		bson.M{"chat_id": p.ChatID, "user_id": p.UserID},
		bson.M{"$set": bson.M{"first_name": p.FirstName},
			"$setOnInsert": bson.M{"requested_at": p.RequestedAt}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (s *mongoStore) DeletePendingJoin(ctx context.Context, chatID, userID int64) error {
	_, err := s.pending.DeleteOne(ctx, bson.M{"chat_id": chatID, "user_id": userID})
	return err
}

func (s *mongoStore) PendingJoins(ctx context.Context, chatID int64) ([]PendingJoin, error) {
	filter := bson.M{}
	if chatID != 0 {
		filter["chat_id"] = chatID
	}
	cur, err := s.pending.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []PendingJoin
	for cur.Next(ctx) {
		var doc mongoPending
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, PendingJoin(doc))
	}
	return out, cur.Err()
}
