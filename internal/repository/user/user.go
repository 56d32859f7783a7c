package user

import (
	"context"
	"fmt"
	"regexp"
	"zerotrace/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const searchLimit = 10

type (
	UserRepo struct {
		collection *mongo.Collection
	}
)

func NewUserRepo(db *mongo.Database) *UserRepo {
	return &UserRepo{
		collection: db.Collection("users"),
	}
}

// EnsureIndexes makes both the username and the KEM public key unique.
func (r *UserRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "username", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("username_unique"),
		},
		{
			Keys:    bson.D{{Key: "kem_public_key", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("kem_public_key_unique"),
		},
	})
	if err != nil {
		return fmt.Errorf("create user indexes: %w", err)
	}
	return nil
}

func (r *UserRepo) findOne(ctx context.Context, filter bson.M) (*model.User, error) {
	var user model.User
	err := r.collection.FindOne(ctx, filter).Decode(&user)
	if err == mongo.ErrNoDocuments {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *UserRepo) ByUsername(ctx context.Context, username string) (*model.User, error) {
	return r.findOne(ctx, bson.M{"username": username})
}

func (r *UserRepo) ByPublicKey(ctx context.Context, kemPublic string) (*model.User, error) {
	return r.findOne(ctx, bson.M{"kem_public_key": kemPublic})
}

// Create inserts user. A taken username or key yields model.ErrAlreadyExists.
func (r *UserRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.collection.InsertOne(ctx, user)
	if mongo.IsDuplicateKeyError(err) {
		return model.ErrAlreadyExists
	}
	return err
}

// Search returns up to ten users whose name starts with prefix, ignoring case.
func (r *UserRepo) Search(ctx context.Context, prefix string) ([]*model.User, error) {
	filter := bson.M{
		"username": bson.M{
			"$regex":   "^" + regexp.QuoteMeta(prefix),
			"$options": "i",
		},
	}
	opts := options.Find().SetLimit(searchLimit).SetSort(bson.D{{Key: "username", Value: 1}})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	users := make([]*model.User, 0)
	if err := cursor.All(ctx, &users); err != nil {
		return nil, err
	}
	return users, nil
}
