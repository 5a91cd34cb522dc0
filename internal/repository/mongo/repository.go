package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"torrentjobs/internal/domain"
)

// Repository stores job history records.
type Repository struct {
	collection *mongo.Collection
}

type jobDoc struct {
	ID        string `bson:"_id"`
	CallerID  string `bson:"callerId,omitempty"`
	Name      string `bson:"name"`
	Magnet    string `bson:"magnet,omitempty"`
	Metafile  string `bson:"metafile,omitempty"`
	Status    string `bson:"status"`
	LastError string `bson:"lastError,omitempty"`
	Removed   bool   `bson:"removed"`
	CreatedAt int64  `bson:"createdAt"`
	UpdatedAt int64  `bson:"updatedAt"`
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
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "callerId", Value: 1}}},
		{Keys: bson.D{{Key: "removed", Value: 1}, {Key: "updatedAt", Value: -1}}},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return err
}

// Upsert inserts the record or refreshes an existing one. CreatedAt is kept
// from the first insert.
func (r *Repository) Upsert(ctx context.Context, rec domain.JobRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	doc := toDoc(rec)
	update := bson.M{
		"$set": bson.M{
			"callerId":  doc.CallerID,
			"name":      doc.Name,
			"magnet":    doc.Magnet,
			"metafile":  doc.Metafile,
			"status":    doc.Status,
			"lastError": doc.LastError,
			"removed":   doc.Removed,
			"updatedAt": doc.UpdatedAt,
		},
		"$setOnInsert": bson.M{"createdAt": doc.CreatedAt},
	}
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": doc.ID}, update, options.Update().SetUpsert(true))
	return err
}

func (r *Repository) UpdateStatus(ctx context.Context, id domain.JobID, status domain.JobStatus, lastErr string) error {
	res, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": string(id)},
		bson.M{"$set": bson.M{
			"status":    string(status),
			"lastError": lastErr,
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

func (r *Repository) MarkRemoved(ctx context.Context, id domain.JobID) error {
	res, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": string(id)},
		bson.M{"$set": bson.M{
			"removed":   true,
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

func (r *Repository) Get(ctx context.Context, id domain.JobID) (domain.JobRecord, error) {
	var doc jobDoc
	if err := r.collection.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.JobRecord{}, domain.ErrNotFound
		}
		return domain.JobRecord{}, err
	}
	return fromDoc(doc), nil
}

func (r *Repository) List(ctx context.Context, filter domain.RecordFilter) ([]domain.JobRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}, {Key: "_id", Value: 1}})
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := r.collection.Find(ctx, listQuery(filter), opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []jobDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return fromDocs(docs), nil
}

func listQuery(filter domain.RecordFilter) bson.M {
	query := bson.M{}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}
	if !filter.IncludeRemoved {
		query["removed"] = bson.M{"$ne": true}
	}
	return query
}

func toDoc(rec domain.JobRecord) jobDoc {
	return jobDoc{
		ID:        string(rec.ID),
		CallerID:  rec.CallerID,
		Name:      rec.Name,
		Magnet:    rec.Source.Magnet,
		Metafile:  rec.Source.Metafile,
		Status:    string(rec.Status),
		LastError: rec.LastError,
		Removed:   rec.Removed,
		CreatedAt: unixOrNow(rec.CreatedAt),
		UpdatedAt: unixOrNow(rec.UpdatedAt),
	}
}

func fromDoc(doc jobDoc) domain.JobRecord {
	return domain.JobRecord{
		ID:        domain.JobID(doc.ID),
		CallerID:  doc.CallerID,
		Name:      doc.Name,
		Source:    domain.Source{Magnet: doc.Magnet, Metafile: doc.Metafile},
		Status:    domain.JobStatus(doc.Status),
		LastError: doc.LastError,
		Removed:   doc.Removed,
		CreatedAt: timeFromUnix(doc.CreatedAt),
		UpdatedAt: timeFromUnix(doc.UpdatedAt),
	}
}

func fromDocs(docs []jobDoc) []domain.JobRecord {
	records := make([]domain.JobRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, fromDoc(doc))
	}
	return records
}

func unixOrNow(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UTC().Unix()
	}
	return t.Unix()
}

func timeFromUnix(value int64) time.Time {
	return time.Unix(value, 0).UTC()
}
