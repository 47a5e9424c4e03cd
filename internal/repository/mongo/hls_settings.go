package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"streamgate/internal/app"
)

const hlsSettingsID = "hls"

type hlsSettingsDoc struct {
	ID                string `bson:"_id"`
	SegmentTime       int    `bson:"segmentTime"`
	SegmentsToAnalyze int    `bson:"segmentsToAnalyze"`
	IFrameEnabled     bool   `bson:"iframeEnabled"`
	CleanupEnabled    bool   `bson:"cleanupEnabled"`
	UpdatedAt         int64  `bson:"updatedAt"`
}

type HLSSettingsRepository struct {
	collection *mongo.Collection
}

func NewHLSSettingsRepository(client *mongo.Client, dbName string) *HLSSettingsRepository {
	return &HLSSettingsRepository{collection: client.Database(dbName).Collection("settings")}
}

func (r *HLSSettingsRepository) GetHLSSettings(ctx context.Context) (app.HLSSettings, bool, error) {
	var doc hlsSettingsDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": hlsSettingsID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return app.HLSSettings{}, false, nil
		}
		return app.HLSSettings{}, false, err
	}
	return app.HLSSettings{
		SegmentTime:       doc.SegmentTime,
		SegmentsToAnalyze: doc.SegmentsToAnalyze,
		IFrameEnabled:     doc.IFrameEnabled,
		CleanupEnabled:    doc.CleanupEnabled,
	}, true, nil
}

func (r *HLSSettingsRepository) SetHLSSettings(ctx context.Context, settings app.HLSSettings) error {
	update := bson.M{
		"$set": bson.M{
			"segmentTime":       settings.SegmentTime,
			"segmentsToAnalyze": settings.SegmentsToAnalyze,
			"iframeEnabled":     settings.IFrameEnabled,
			"cleanupEnabled":    settings.CleanupEnabled,
			"updatedAt":         time.Now().Unix(),
		},
	}
	_, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": hlsSettingsID},
		update,
		options.Update().SetUpsert(true),
	)
	return err
}
