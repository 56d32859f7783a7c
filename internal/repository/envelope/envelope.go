package envelope

import (
	"context"
	"fmt"
	"zerotrace/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// PageSize bounds every fetch; clients page by advancing their cursor.
const PageSize = 100

type (
	EnvelopeRepo struct {
		collection *mongo.Collection
	}
)

func NewEnvelopeRepo(db *mongo.Database) *EnvelopeRepo {
	return &EnvelopeRepo{
		collection: db.Collection("messages"),
	}
}

func (r *EnvelopeRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "sender_public_key", Value: 1},
				{Key: "recipient_public_key", Value: 1},
				{Key: "dialog_hash", Value: 1},
				{Key: "timestamp", Value: 1},
			},
			Options: options.Index().SetName("message_route_index"),
		},
		{
			Keys:    bson.D{{Key: "dialog_hash", Value: 1}, {Key: "timestamp", Value: 1}},
			Options: options.Index().SetName("dialog_timestamp"),
		},
	})
	if err != nil {
		return fmt.Errorf("create envelope indexes: %w", err)
	}
	return nil
}

func (r *EnvelopeRepo) Insert(ctx context.Context, env *model.Envelope) error {
	_, err := r.collection.InsertOne(ctx, env)
	return err
}

// ForKey returns envelopes sent or received by kemPublic with timestamp
// after the cursor, oldest first.
func (r *EnvelopeRepo) ForKey(ctx context.Context, kemPublic string, after float64) ([]*model.Envelope, error) {
	return r.find(ctx, bson.M{
		"$or": bson.A{
			bson.M{"sender_public_key": kemPublic},
			bson.M{"recipient_public_key": kemPublic},
		},
		"timestamp": bson.M{"$gt": after},
	})
}

func (r *EnvelopeRepo) ForDialog(ctx context.Context, dialogHash string, after float64) ([]*model.Envelope, error) {
	return r.find(ctx, bson.M{
		"dialog_hash": dialogHash,
		"timestamp":   bson.M{"$gt": after},
	})
}

func (r *EnvelopeRepo) find(ctx context.Context, filter bson.M) ([]*model.Envelope, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}}).
		SetLimit(PageSize).
		SetProjection(bson.M{"_id": 0})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	envs := make([]*model.Envelope, 0)
	if err := cursor.All(ctx, &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

// Dialogs lists every dialog kemPublic takes part in, with the other
// participant's key.
func (r *EnvelopeRepo) Dialogs(ctx context.Context, kemPublic string) ([]*model.DialogRef, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"$or": bson.A{
				bson.M{"sender_public_key": kemPublic},
				bson.M{"recipient_public_key": kemPublic},
			},
		}}},
		{{Key: "$group", Value: bson.M{
			"_id":       "$dialog_hash",
			"sender":    bson.M{"$first": "$sender_public_key"},
			"recipient": bson.M{"$first": "$recipient_public_key"},
			"last":      bson.M{"$max": "$timestamp"},
		}}},
		{{Key: "$sort", Value: bson.M{"last": -1}}},
		{{Key: "$project", Value: bson.M{
			"_id":         0,
			"dialog_hash": "$_id",
			"public_key": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$sender", kemPublic}},
				"$recipient",
				"$sender",
			}},
		}}},
		{{Key: "$limit", Value: PageSize}},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	refs := make([]*model.DialogRef, 0)
	if err := cursor.All(ctx, &refs); err != nil {
		return nil, err
	}
	return refs, nil
}
