package message

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chat-coordinator/internal/database"
)

// messageDocument is the MongoDB document shape for archived messages
type messageDocument struct {
	WireID    string     `bson:"wire_id"`
	Seq       int64      `bson:"seq"`
	RoomID    string     `bson:"room_id"`
	UserID    string     `bson:"user_id"`
	Username  string     `bson:"username"`
	Body      string     `bson:"body"`
	CreatedAt time.Time  `bson:"created_at"`
	EditedAt  *time.Time `bson:"edited_at,omitempty"`
	Deleted   bool       `bson:"deleted"`
	System    bool       `bson:"system"`
}

func toDocument(msg *Message) *messageDocument {
	return &messageDocument{
		WireID:    msg.ID,
		Seq:       msg.Seq,
		RoomID:    msg.RoomID,
		UserID:    msg.UserID,
		Username:  msg.Username,
		Body:      msg.Body,
		CreatedAt: msg.CreatedAt,
		EditedAt:  msg.EditedAt,
		Deleted:   msg.Deleted,
		System:    msg.System,
	}
}

func (doc *messageDocument) toMessage() *Message {
	return &Message{
		ID:        doc.WireID,
		Seq:       doc.Seq,
		RoomID:    doc.RoomID,
		UserID:    doc.UserID,
		Username:  doc.Username,
		Body:      doc.Body,
		CreatedAt: doc.CreatedAt,
		EditedAt:  doc.EditedAt,
		Deleted:   doc.Deleted,
		System:    doc.System,
	}
}

// MongoArchiver implements Archiver using MongoDB
type MongoArchiver struct {
	collection *mongo.Collection
	db         *database.MongoDB
}

// NewMongoArchiver creates a message archiver backed by the given MongoDB
func NewMongoArchiver(db *database.MongoDB) *MongoArchiver {
	return &MongoArchiver{
		collection: db.GetCollection("messages"),
		db:         db,
	}
}

// Save inserts an archived copy of the message
func (a *MongoArchiver) Save(ctx context.Context, msg *Message) error {
	if _, err := a.collection.InsertOne(ctx, toDocument(msg)); err != nil {
		return fmt.Errorf("failed to archive message %s: %v", msg.ID, err)
	}
	return nil
}

// Update rewrites the archived copy after an edit or tombstone-delete
func (a *MongoArchiver) Update(ctx context.Context, msg *Message) error {
	filter := bson.M{"room_id": msg.RoomID, "seq": msg.Seq}
	update := bson.M{"$set": bson.M{
		"body":      msg.Body,
		"edited_at": msg.EditedAt,
		"deleted":   msg.Deleted,
	}}

	if _, err := a.collection.UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("failed to update archived message %s: %v", msg.ID, err)
	}
	return nil
}

// History returns the last limit archived messages of the room in
// ascending sequence order
func (a *MongoArchiver) History(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	filter := bson.M{"room_id": roomID}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := a.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive for room %s: %v", roomID, err)
	}
	defer cursor.Close(ctx)

	var docs []messageDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode archived messages: %v", err)
	}

	// Newest-first from the query; flip to ascending
	messages := make([]*Message, len(docs))
	for i := range docs {
		messages[len(docs)-1-i] = docs[i].toMessage()
	}
	return messages, nil
}

// Close disconnects the underlying MongoDB client
func (a *MongoArchiver) Close(ctx context.Context) error {
	return a.db.Close()
}
