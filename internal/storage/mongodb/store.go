package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gorm.io/datatypes"

	"reminders/internal/reminder"
)

// Store keeps reminders in MongoDB. Claims are one FindOneAndUpdate per job,
// which is atomic per document; uniqueness of active reminders rides on a
// partial unique index over active_key, a field present only while the job
// is ACTIVE and not deleted.
type Store struct {
	// Log reports documents ClaimDue had to skip.
	Log zerolog.Logger

	client *mongo.Client
	jobs   *mongo.Collection
	flags  *mongo.Collection
}

func Open(ctx context.Context, uri, database string) (*Store, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}
	if database == "" {
		database = "reminders"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	db := client.Database(database)
	st := &Store{
		Log:    zerolog.Nop(),
		client: client,
		jobs:   db.Collection("reminder_jobs"),
		flags:  db.Collection("status_flags"),
	}
	if err := st.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return st, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "active_key", Value: 1}},
			Options: options.Index().
				SetName("uq_reminder_jobs_active").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"active_key": bson.M{"$exists": true}}),
		},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_run_at", Value: 1}}},
		{Keys: bson.D{{Key: "entity_type", Value: 1}, {Key: "entity_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

type jobDoc struct {
	ID         string   `bson:"_id"`
	EntityType string   `bson:"entity_type"`
	EntityID   string   `bson:"entity_id"`
	EventType  string   `bson:"event_type"`
	Channel    string   `bson:"channel"`
	Recipients []string `bson:"recipients"`
	Metadata   bson.D   `bson:"metadata"`

	ScheduleType    string     `bson:"schedule_type"`
	IntervalMinutes *int       `bson:"interval_minutes"`
	StartTime       *time.Time `bson:"start_time"`
	NextRunAt       *time.Time `bson:"next_run_at"`
	LastRunAt       *time.Time `bson:"last_run_at"`
	RunCount        int        `bson:"run_count"`
	LastError       *string    `bson:"last_error"`

	StopConditionType  string `bson:"stop_condition_type"`
	StopConditionValue string `bson:"stop_condition_value"`

	Status       string     `bson:"status"`
	ActiveKey    *string    `bson:"active_key,omitempty"`
	ClaimedBy    *string    `bson:"claimed_by"`
	ClaimedUntil *time.Time `bson:"claimed_until"`

	CreatedAt time.Time  `bson:"created_at"`
	UpdatedAt time.Time  `bson:"updated_at"`
	DeletedAt *time.Time `bson:"deleted_at"`
}

func activeKey(entityType, entityID, eventType string) string {
	return entityType + "\x00" + entityID + "\x00" + eventType
}

func activeKeyFor(j *reminder.Job) *string {
	if j.Status != reminder.StatusActive || j.Deleted() {
		return nil
	}
	k := activeKey(j.EntityType, j.EntityID, j.EventType)
	return &k
}

func toDoc(j *reminder.Job) (jobDoc, error) {
	meta := bson.D{}
	if len(j.Metadata) > 0 {
		if err := bson.UnmarshalExtJSON(j.Metadata, false, &meta); err != nil {
			return jobDoc{}, fmt.Errorf("encode metadata: %w", err)
		}
	}
	recipients := []string(j.Recipients)
	if recipients == nil {
		recipients = []string{}
	}
	return jobDoc{
		ID:                 j.ID,
		EntityType:         j.EntityType,
		EntityID:           j.EntityID,
		EventType:          j.EventType,
		Channel:            j.Channel,
		Recipients:         recipients,
		Metadata:           meta,
		ScheduleType:       string(j.ScheduleType),
		IntervalMinutes:    j.IntervalMinutes,
		StartTime:          j.StartTime,
		NextRunAt:          j.NextRunAt,
		LastRunAt:          j.LastRunAt,
		RunCount:           j.RunCount,
		LastError:          j.LastError,
		StopConditionType:  j.StopConditionType,
		StopConditionValue: j.StopConditionValue,
		Status:             string(j.Status),
		ActiveKey:          activeKeyFor(j),
		ClaimedBy:          j.ClaimedBy,
		ClaimedUntil:       j.ClaimedUntil,
		CreatedAt:          j.CreatedAt,
		UpdatedAt:          j.UpdatedAt,
		DeletedAt:          j.DeletedAt,
	}, nil
}

func (d jobDoc) job() (reminder.Job, error) {
	meta := []byte("{}")
	if len(d.Metadata) > 0 {
		b, err := bson.MarshalExtJSON(d.Metadata, false, false)
		if err != nil {
			return reminder.Job{}, fmt.Errorf("decode metadata: %w", err)
		}
		meta = b
	}
	return reminder.Job{
		ID:                 d.ID,
		EntityType:         d.EntityType,
		EntityID:           d.EntityID,
		EventType:          d.EventType,
		Channel:            d.Channel,
		Recipients:         pq.StringArray(d.Recipients),
		Metadata:           datatypes.JSON(meta),
		ScheduleType:       reminder.ScheduleType(d.ScheduleType),
		IntervalMinutes:    d.IntervalMinutes,
		StartTime:          utc(d.StartTime),
		NextRunAt:          utc(d.NextRunAt),
		LastRunAt:          utc(d.LastRunAt),
		RunCount:           d.RunCount,
		LastError:          d.LastError,
		StopConditionType:  d.StopConditionType,
		StopConditionValue: d.StopConditionValue,
		Status:             reminder.Status(d.Status),
		ClaimedBy:          d.ClaimedBy,
		ClaimedUntil:       utc(d.ClaimedUntil),
		CreatedAt:          d.CreatedAt.UTC(),
		UpdatedAt:          d.UpdatedAt.UTC(),
		DeletedAt:          utc(d.DeletedAt),
	}, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func (s *Store) findOne(ctx context.Context, filter bson.M) (*reminder.Job, error) {
	var d jobDoc
	err := s.jobs.FindOne(ctx, filter).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, reminder.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j, err := d.job()
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) CreateIfAbsent(ctx context.Context, j *reminder.Job) (*reminder.Job, bool, error) {
	key := activeKey(j.EntityType, j.EntityID, j.EventType)
	existing, err := s.findOne(ctx, bson.M{"active_key": key})
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, reminder.ErrNotFound) {
		return nil, false, err
	}

	doc, err := toDoc(j)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", reminder.ErrValidation, err)
	}
	if _, err := s.jobs.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			existing, ferr := s.findOne(ctx, bson.M{"active_key": key})
			if ferr != nil {
				return nil, false, fmt.Errorf("%w: %v", reminder.ErrConflict, err)
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	return j, true, nil
}

func (s *Store) FindActive(ctx context.Context, entityType, entityID, eventType string) (*reminder.Job, error) {
	return s.findOne(ctx, bson.M{"active_key": activeKey(entityType, entityID, eventType)})
}

func (s *Store) Get(ctx context.Context, id string) (*reminder.Job, error) {
	return s.findOne(ctx, bson.M{"_id": id, "deleted_at": nil})
}

func (s *Store) List(ctx context.Context, f reminder.ListFilter) ([]reminder.Job, error) {
	filter := bson.M{}
	if !f.IncludeDeleted {
		filter["deleted_at"] = nil
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	if f.EntityType != "" {
		filter["entity_type"] = f.EntityType
	}
	if f.EntityID != "" {
		filter["entity_id"] = f.EntityID
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := s.jobs.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []jobDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]reminder.Job, 0, len(docs))
	for _, d := range docs {
		j, err := d.job()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// activeKeyUpdate sets or unsets active_key to match j's new state.
func activeKeyUpdate(set, unset bson.M, j *reminder.Job) {
	if k := activeKeyFor(j); k != nil {
		set["active_key"] = *k
	} else {
		unset["active_key"] = ""
	}
}

func (s *Store) UpdateState(ctx context.Context, j *reminder.Job, from reminder.Status) error {
	set := bson.M{
		"status":      string(j.Status),
		"next_run_at": j.NextRunAt,
		"deleted_at":  j.DeletedAt,
		"updated_at":  j.UpdatedAt,
	}
	unset := bson.M{"claimed_by": "", "claimed_until": ""}
	activeKeyUpdate(set, unset, j)

	res, err := s.jobs.UpdateOne(ctx,
		bson.M{"_id": j.ID, "status": string(from), "deleted_at": nil},
		bson.M{"$set": set, "$unset": unset})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: another active reminder exists for this entity and event", reminder.ErrConflict)
		}
		return err
	}
	if res.MatchedCount == 0 {
		return reminder.ErrConflict
	}
	return nil
}

// ClaimDue claims jobs one document at a time, oldest due first. Documents
// with a live claim do not match the filter, so two owners never hold the
// same job.
func (s *Store) ClaimDue(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]reminder.Job, error) {
	filter := bson.M{
		"status":      string(reminder.StatusActive),
		"deleted_at":  nil,
		"next_run_at": bson.M{"$ne": nil, "$lte": now},
		"$or": []bson.M{
			{"claimed_until": nil},
			{"claimed_until": bson.M{"$lt": now}},
		},
	}
	update := bson.M{"$set": bson.M{"claimed_by": owner, "claimed_until": now.Add(lease)}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "next_run_at", Value: 1}}).
		SetReturnDocument(options.After)

	var out []reminder.Job
	for attempts := 0; len(out) < limit && attempts < 2*limit; attempts++ {
		res := s.jobs.FindOneAndUpdate(ctx, filter, update, opts)
		err := res.Err()
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			if len(out) > 0 {
				// keep what we hold; the rest waits for the next tick
				return out, nil
			}
			return nil, fmt.Errorf("findOneAndUpdate failed: %w", err)
		}

		// An unreadable document stays claimed, which keeps it out of this
		// loop and out of other owners' claims until the lease runs out.
		var d jobDoc
		if err := res.Decode(&d); err != nil {
			id, _ := res.Raw()
			s.Log.Error().Err(err).Str("reminder_id", rawID(id)).Msg("skipping undecodable reminder")
			continue
		}
		j, err := d.job()
		if err != nil {
			s.Log.Error().Err(err).Str("reminder_id", d.ID).Msg("skipping undecodable reminder")
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func rawID(raw bson.Raw) string {
	if raw == nil {
		return ""
	}
	v, err := raw.LookupErr("_id")
	if err != nil {
		return ""
	}
	if s, ok := v.StringValueOK(); ok {
		return s
	}
	return v.String()
}

func (s *Store) Commit(ctx context.Context, owner string, j *reminder.Job) error {
	set := bson.M{
		"status":      string(j.Status),
		"next_run_at": j.NextRunAt,
		"last_run_at": j.LastRunAt,
		"run_count":   j.RunCount,
		"last_error":  j.LastError,
		"updated_at":  j.UpdatedAt,
	}
	unset := bson.M{"claimed_by": "", "claimed_until": ""}
	activeKeyUpdate(set, unset, j)

	res, err := s.jobs.UpdateOne(ctx,
		bson.M{"_id": j.ID, "claimed_by": owner, "status": string(reminder.StatusActive), "deleted_at": nil},
		bson.M{"$set": set, "$unset": unset})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return reminder.ErrClaimLost
	}
	return nil
}

func (s *Store) Release(ctx context.Context, owner string, id string) error {
	_, err := s.jobs.UpdateOne(ctx,
		bson.M{"_id": id, "claimed_by": owner},
		bson.M{"$unset": bson.M{"claimed_by": "", "claimed_until": ""}})
	return err
}

type flagDoc struct {
	Key       string    `bson:"_id"`
	Value     bool      `bson:"value"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (s *Store) SetFlag(ctx context.Context, key string, value bool) error {
	now := time.Now().UTC()
	_, err := s.flags.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{
			"$set":         bson.M{"value": value, "updated_at": now},
			"$setOnInsert": bson.M{"created_at": now},
		},
		options.Update().SetUpsert(true))
	return err
}

func (s *Store) GetFlag(ctx context.Context, key string) (bool, bool, error) {
	var d flagDoc
	err := s.flags.FindOne(ctx, bson.M{"_id": key}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return d.Value, true, nil
}
