package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bookmarket/pkg/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps collections in a single documents table. The version
// column backs GetVersioned/PutIf.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&models.Document{})
}

// Ping checks the underlying connection.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) List(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	var docs []models.Document
	err := s.db.WithContext(ctx).
		Where("collection = ?", collection).
		Order("id").
		Find(&docs).Error
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	out := make(map[string]json.RawMessage, len(docs))
	for _, d := range docs {
		out[d.ID] = json.RawMessage(d.Body)
	}
	return out, nil
}

func (s *GormStore) find(ctx context.Context, collection, id string) (*models.Document, error) {
	if !ValidKey(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, id)
	}
	var doc models.Document
	err := s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", collection, id).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return &doc, nil
}

func (s *GormStore) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	doc, err := s.find(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return json.RawMessage(doc.Body), nil
}

func (s *GormStore) GetVersioned(ctx context.Context, collection, id string) (json.RawMessage, string, error) {
	doc, err := s.find(ctx, collection, id)
	if err != nil {
		return nil, "", err
	}
	if doc == nil {
		return nil, NullVersion, nil
	}
	return json.RawMessage(doc.Body), strconv.FormatInt(doc.Version, 10), nil
}

func (s *GormStore) Create(ctx context.Context, collection string, record any) (string, error) {
	body, err := Encode(record)
	if err != nil {
		return "", err
	}
	now := s.now()
	doc := models.Document{
		Collection: collection,
		ID:         NewPushID(),
		Body:       string(body),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(&doc).Error; err != nil {
		return "", fmt.Errorf("create in %s: %w", collection, err)
	}
	return doc.ID, nil
}

func (s *GormStore) Put(ctx context.Context, collection, id string, record any) error {
	if !ValidKey(id) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, id)
	}
	body, err := Encode(record)
	if err != nil {
		return err
	}
	now := s.now()
	doc := models.Document{
		Collection: collection,
		ID:         id,
		Body:       string(body),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"body":       doc.Body,
			"version":    gorm.Expr("documents.version + 1"),
			"updated_at": now,
		}),
	}).Create(&doc).Error
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *GormStore) PutIf(ctx context.Context, collection, id string, record any, version string) error {
	if !ValidKey(id) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, id)
	}
	body, err := Encode(record)
	if err != nil {
		return err
	}
	now := s.now()

	if version == NullVersion {
		doc := models.Document{
			Collection: collection,
			ID:         id,
			Body:       string(body),
			Version:    1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&doc)
		if res.Error != nil {
			return fmt.Errorf("put %s/%s: %w", collection, id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s/%s already exists", ErrConflict, collection, id)
		}
		return nil
	}

	expected, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: unknown version %q", ErrConflict, version)
	}
	res := s.db.WithContext(ctx).
		Model(&models.Document{}).
		Where("collection = ? AND id = ? AND version = ?", collection, id, expected).
		Updates(map[string]any{
			"body":       string(body),
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("put %s/%s: %w", collection, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s changed since version %d", ErrConflict, collection, id, expected)
	}
	return nil
}

func (s *GormStore) Patch(ctx context.Context, collection, id string, fields map[string]any) error {
	return Mutate(ctx, s, collection, id, func(current Doc) (Doc, error) {
		return mergePatch(current, fields), nil
	})
}

func (s *GormStore) Delete(ctx context.Context, collection, id string) error {
	if !ValidKey(id) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, id)
	}
	err := s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", collection, id).
		Delete(&models.Document{}).Error
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}
