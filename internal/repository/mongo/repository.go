package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"modelswarm/internal/domain"
	"modelswarm/internal/domain/ports"
)

// Repository keeps one history document per repository snapshot.
type Repository struct {
	collection *mongo.Collection
}

var _ ports.SessionRepository = (*Repository)(nil)

type sessionDoc struct {
	ID             string `bson:"_id"`
	RepoID         string `bson:"repoId"`
	Revision       string `bson:"revision"`
	Mode           string `bson:"mode"`
	State          string `bson:"state"`
	InfoHash       string `bson:"infoHash,omitempty"`
	BytesTotal     int64  `bson:"bytesTotal"`
	Uploaded       int64  `bson:"uploaded"`
	CompletedFiles int    `bson:"completedFiles"`
	LastError      string `bson:"lastError,omitempty"`
	Stopped        bool   `bson:"stopped"`
	StartedAt      int64  `bson:"startedAt"`
	UpdatedAt      int64  `bson:"updatedAt"`
}

func NewRepository(client *mongo.Client, dbName, collectionName string) *Repository {
	return &Repository{collection: client.Database(dbName).Collection(collectionName)}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *Repository) EnsureIndexes(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "repoId", Value: 1}, {Key: "revision", Value: 1}}},
		{Keys: bson.D{{Key: "mode", Value: 1}, {Key: "stopped", Value: 1}}},
		{Keys: bson.D{{Key: "updatedAt", Value: -1}}},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return err
}

// Upsert writes the record. startedAt is only set when the document is new.
func (r *Repository) Upsert(ctx context.Context, rec domain.SessionRecord) error {
	doc := toDoc(rec)
	update := bson.M{
		"$set": bson.M{
			"repoId":         doc.RepoID,
			"revision":       doc.Revision,
			"mode":           doc.Mode,
			"state":          doc.State,
			"infoHash":       doc.InfoHash,
			"bytesTotal":     doc.BytesTotal,
			"uploaded":       doc.Uploaded,
			"completedFiles": doc.CompletedFiles,
			"lastError":      doc.LastError,
			"stopped":        doc.Stopped,
			"updatedAt":      doc.UpdatedAt,
		},
		"$setOnInsert": bson.M{"startedAt": doc.StartedAt},
	}
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": doc.ID}, update, options.Update().SetUpsert(true))
	return err
}

func (r *Repository) Get(ctx context.Context, key domain.RepoKey) (domain.SessionRecord, error) {
	var doc sessionDoc
	if err := r.collection.FindOne(ctx, bson.M{"_id": key.String()}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.SessionRecord{}, domain.ErrNotFound
		}
		return domain.SessionRecord{}, err
	}
	return fromDoc(doc), nil
}

func (r *Repository) List(ctx context.Context, filter domain.RecordFilter) ([]domain.SessionRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := r.collection.Find(ctx, listQuery(filter), opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []sessionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return fromDocs(docs), nil
}

func (r *Repository) MarkStopped(ctx context.Context, key domain.RepoKey) error {
	res, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": key.String()},
		bson.M{"$set": bson.M{
			"stopped":   true,
			"updatedAt": time.Now().UTC().Unix(),
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, key domain.RepoKey) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": key.String()})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func listQuery(filter domain.RecordFilter) bson.M {
	query := bson.M{}
	if filter.Mode != "" {
		query["mode"] = string(filter.Mode)
	}
	if !filter.IncludeStopped {
		query["stopped"] = bson.M{"$ne": true}
	}
	return query
}

func toDoc(rec domain.SessionRecord) sessionDoc {
	return sessionDoc{
		ID:             rec.Key.String(),
		RepoID:         rec.Key.RepoID,
		Revision:       rec.Key.Revision,
		Mode:           string(rec.Mode),
		State:          string(rec.State),
		InfoHash:       rec.InfoHash,
		BytesTotal:     rec.BytesTotal,
		Uploaded:       rec.Uploaded,
		CompletedFiles: rec.CompletedFiles,
		LastError:      rec.LastError,
		Stopped:        rec.Stopped,
		StartedAt:      rec.StartedAt.Unix(),
		UpdatedAt:      rec.UpdatedAt.Unix(),
	}
}

func fromDoc(doc sessionDoc) domain.SessionRecord {
	return domain.SessionRecord{
		Key:            domain.RepoKey{RepoID: doc.RepoID, Revision: doc.Revision},
		Mode:           domain.SessionMode(doc.Mode),
		State:          domain.SessionState(doc.State),
		InfoHash:       doc.InfoHash,
		BytesTotal:     doc.BytesTotal,
		Uploaded:       doc.Uploaded,
		CompletedFiles: doc.CompletedFiles,
		LastError:      doc.LastError,
		Stopped:        doc.Stopped,
		StartedAt:      timeFromUnix(doc.StartedAt),
		UpdatedAt:      timeFromUnix(doc.UpdatedAt),
	}
}

func fromDocs(docs []sessionDoc) []domain.SessionRecord {
	records := make([]domain.SessionRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, fromDoc(doc))
	}
	return records
}

func timeFromUnix(value int64) time.Time {
	return time.Unix(value, 0).UTC()
}
