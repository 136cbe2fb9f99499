package storage

import (
	"errors"
	"fmt"
	"time"

	"chatline/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketTranscripts = []byte("transcripts")
)

// BboltStorage keeps a local transcript of confirmed messages, one nested
// bucket per conversation key.
type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTranscripts)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func toDBMessage(m models.Message) DBMessage {
	dbMessage := DBMessage{
		ID:         m.ID,
		ReceiverID: m.ReceiverID(),
		RoomID:     m.RoomID,
		Text:       m.Text,
		CreatedAt:  m.CreatedAt.UnixMilli(),
	}
	if m.Sender != nil {
		dbMessage.Sender = &DBUser{
			ID:          m.Sender.ID,
			UserName:    m.Sender.UserName,
			DisplayName: m.Sender.DisplayName,
			AvatarURL:   m.Sender.AvatarURL,
		}
	}
	return dbMessage
}

func fromDBMessage(m DBMessage) models.Message {
	msg := models.Message{
		ID:        m.ID,
		RoomID:    m.RoomID,
		Text:      m.Text,
		CreatedAt: time.UnixMilli(m.CreatedAt).UTC(),
	}
	if m.Sender != nil {
		msg.Sender = &models.UserRef{
			ID:          m.Sender.ID,
			UserName:    m.Sender.UserName,
			DisplayName: m.Sender.DisplayName,
			AvatarURL:   m.Sender.AvatarURL,
		}
	}
	if m.ReceiverID != "" {
		msg.Receiver = &models.UserRef{ID: m.ReceiverID}
	}
	return msg
}

// Append stores a confirmed message under the conversation key. Storing the
// same message again overwrites it.
func (s *BboltStorage) Append(conversationKey string, message models.Message) error {
	if conversationKey == "" {
		return errors.New("message missing conversation key")
	}
	if message.ID == "" {
		return errors.New("only confirmed messages can be stored")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketTranscripts)
		convBucket, err := root.CreateBucketIfNotExists([]byte(conversationKey))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		dbMessage := toDBMessage(message)
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := convBucket.Put(dbMessage.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		return nil
	})
}

// List returns the last limit messages of a conversation, oldest first.
// A limit <= 0 returns everything.
func (s *BboltStorage) List(conversationKey string, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketTranscripts).Bucket([]byte(conversationKey))
		if convBucket == nil {
			return models.ErrNotFound
		}

		c := convBucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(messages) >= limit {
				break
			}
			var dbMessage DBMessage
			if err := dbMessage.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, fromDBMessage(dbMessage))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Conversations lists the keys of all stored conversations.
func (s *BboltStorage) Conversations() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTranscripts).ForEach(func(k, v []byte) error {
			if v == nil {
				keys = append(keys, string(k))
			}
			return nil
		})
	})
	return keys, err
}
