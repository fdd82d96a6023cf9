package mongodb

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"unibox_worker/core/domain"
)

const (
	collectionMessageBodies = "message_bodies"

	// only compress content larger than this
	compressionThreshold = 1024
)

// BodyAdapter implements out.BodyStore using MongoDB. HTML bodies are
// gzip-compressed above the threshold since they dominate storage.
type BodyAdapter struct {
	collection *mongo.Collection
}

// NewBodyAdapter creates a MongoDB message body adapter.
func NewBodyAdapter(db *mongo.Database) *BodyAdapter {
	return &BodyAdapter{collection: db.Collection(collectionMessageBodies)}
}

// EnsureIndexes creates the collection indexes.
func (a *BodyAdapter) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "message_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "account_id", Value: 1}},
		},
	}

	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

type bodyDocument struct {
	MessageID  string `bson:"message_id"`
	AccountID  string `bson:"account_id"`
	ExternalID string `bson:"external_id"`

	Text         []byte `bson:"text"`
	HTML         []byte `bson:"html"`
	IsCompressed bool   `bson:"is_compressed"`

	Attachments []attachmentDocument `bson:"attachments,omitempty"`
}

type attachmentDocument struct {
	Filename string `bson:"filename"`
	MimeType string `bson:"mime_type"`
	Size     int64  `bson:"size"`
}

// SaveBodies upserts bodies for a committed batch.
func (a *BodyAdapter) SaveBodies(ctx context.Context, bodies []*domain.MessageBody) error {
	if len(bodies) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, 0, len(bodies))
	for _, body := range bodies {
		doc, err := toDocument(body)
		if err != nil {
			return fmt.Errorf("failed to encode body for %s: %w", body.MessageID, err)
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"message_id": body.MessageID}).
			SetReplacement(doc).
			SetUpsert(true))
	}

	_, err := a.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("failed to save message bodies: %w", err)
	}
	return nil
}

// GetBody retrieves one body, nil when absent.
func (a *BodyAdapter) GetBody(ctx context.Context, messageID string) (*domain.MessageBody, error) {
	var doc bodyDocument
	err := a.collection.FindOne(ctx, bson.M{"message_id": messageID}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get message body: %w", err)
	}
	return toEntity(&doc)
}

// DeleteByAccount removes all bodies for a disconnected account.
func (a *BodyAdapter) DeleteByAccount(ctx context.Context, accountID string) error {
	_, err := a.collection.DeleteMany(ctx, bson.M{"account_id": accountID})
	if err != nil {
		return fmt.Errorf("failed to delete bodies for account %s: %w", accountID, err)
	}
	return nil
}

func toDocument(body *domain.MessageBody) (*bodyDocument, error) {
	doc := &bodyDocument{
		MessageID:  body.MessageID,
		AccountID:  body.AccountID,
		ExternalID: body.ExternalID,
	}

	text := []byte(body.BodyText)
	html := []byte(body.BodyHTML)

	if len(html) > compressionThreshold || len(text) > compressionThreshold {
		var err error
		if text, err = compress(text); err != nil {
			return nil, err
		}
		if html, err = compress(html); err != nil {
			return nil, err
		}
		doc.IsCompressed = true
	}
	doc.Text = text
	doc.HTML = html

	for _, att := range body.Attachments {
		doc.Attachments = append(doc.Attachments, attachmentDocument{
			Filename: att.Filename,
			MimeType: att.MimeType,
			Size:     att.Size,
		})
	}
	return doc, nil
}

func toEntity(doc *bodyDocument) (*domain.MessageBody, error) {
	text := doc.Text
	html := doc.HTML

	if doc.IsCompressed {
		var err error
		if text, err = decompress(text); err != nil {
			return nil, err
		}
		if html, err = decompress(html); err != nil {
			return nil, err
		}
	}

	body := &domain.MessageBody{
		MessageID:  doc.MessageID,
		AccountID:  doc.AccountID,
		ExternalID: doc.ExternalID,
		BodyText:   string(text),
		BodyHTML:   string(html),
	}
	for _, att := range doc.Attachments {
		body.Attachments = append(body.Attachments, domain.Attachment{
			Filename: att.Filename,
			MimeType: att.MimeType,
			Size:     att.Size,
		})
	}
	return body, nil
}

func compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
