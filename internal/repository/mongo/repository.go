package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"streamgate/internal/domain"
)

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

type progressDoc struct {
	ID        string  `bson:"_id"`
	ClientID  string  `bson:"clientId"`
	VideoID   string  `bson:"videoId"`
	Variant   string  `bson:"variant"`
	Segment   int     `bson:"segment"`
	Position  float64 `bson:"position"`
	UpdatedAt int64   `bson:"updatedAt"`
}

// ProgressRepository persists playback resume positions, one document per
// client and video.
type ProgressRepository struct {
	collection *mongo.Collection
}

func NewProgressRepository(client *mongo.Client, dbName string) *ProgressRepository {
	return &ProgressRepository{collection: client.Database(dbName).Collection("progress")}
}

func (r *ProgressRepository) EnsureIndexes(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "clientId", Value: 1}, {Key: "updatedAt", Value: -1}}},
		{Keys: bson.D{{Key: "updatedAt", Value: -1}}},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return err
}

func (r *ProgressRepository) UpsertProgress(ctx context.Context, p domain.PlaybackProgress) error {
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	update := bson.M{
		"$set": bson.M{
			"clientId":  p.ClientID,
			"videoId":   p.VideoID,
			"variant":   p.Variant,
			"segment":   p.Segment,
			"position":  p.Position,
			"updatedAt": updatedAt.Unix(),
		},
	}
	_, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": progressID(p.ClientID, p.VideoID)},
		update,
		options.Update().SetUpsert(true),
	)
	return err
}

func (r *ProgressRepository) GetProgress(ctx context.Context, clientID, videoID string) (domain.PlaybackProgress, error) {
	var doc progressDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": progressID(clientID, videoID)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.PlaybackProgress{}, domain.ErrNotFound
		}
		return domain.PlaybackProgress{}, err
	}
	return fromProgressDoc(doc), nil
}

func (r *ProgressRepository) ListProgress(ctx context.Context, clientID string, limit int) ([]domain.PlaybackProgress, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.collection.Find(ctx, bson.M{"clientId": clientID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []progressDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]domain.PlaybackProgress, 0, len(docs))
	for _, doc := range docs {
		out = append(out, fromProgressDoc(doc))
	}
	return out, nil
}

func fromProgressDoc(doc progressDoc) domain.PlaybackProgress {
	return domain.PlaybackProgress{
		ClientID:  doc.ClientID,
		VideoID:   doc.VideoID,
		Variant:   doc.Variant,
		Segment:   doc.Segment,
		Position:  doc.Position,
		UpdatedAt: time.Unix(doc.UpdatedAt, 0).UTC(),
	}
}

func progressID(clientID, videoID string) string {
	return clientID + "|" + videoID
}
