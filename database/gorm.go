package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// maxIndexedValue 超过该长度的字符串不进入字段索引
const maxIndexedValue = 255

// Document 文档表
type Document struct {
	Collection string `gorm:"primaryKey;size:64"`
	DocID      string `gorm:"primaryKey;size:128"`
	Body       string `gorm:"type:text;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DocumentField 顶层标量字段索引，用于按字段查询
type DocumentField struct {
	Collection string `gorm:"primaryKey;size:64;index:idx_doc_field_lookup,priority:1"`
	DocID      string `gorm:"primaryKey;size:128"`
	Field      string `gorm:"primaryKey;size:64;index:idx_doc_field_lookup,priority:2"`
	Value      string `gorm:"size:255;index:idx_doc_field_lookup,priority:3"`
}

// GormStore GORM 文档存储实现
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 打开 GORM 连接并迁移文档表
func NewGormStore(config *Config) (*GormStore, error) {
	open, ok := dialects[config.driver()]
	if !ok {
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	db, err := gorm.Open(open(config.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(config.gormLogLevel()),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql.DB")
	}
	config.applyPool(sqlDB)

	if err := db.AutoMigrate(&Document{}, &DocumentField{}); err != nil {
		return nil, errors.Wrap(err, "auto migrate")
	}
	return &GormStore{db: db}, nil
}

func (g *GormStore) Get(ctx context.Context, collection, id string, out interface{}) error {
	var doc Document
	err := g.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", collection, id).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrapf(err, "get %s/%s", collection, id)
	}
	return errors.Wrap(json.Unmarshal([]byte(doc.Body), out), "decode document")
}

func (g *GormStore) Query(ctx context.Context, collection string, filter Filter, out interface{}) error {
	query := g.db.WithContext(ctx).Model(&Document{}).Where("collection = ?", collection)

	for field, want := range filter {
		value, ok := encodeScalar(normalize(want))
		if !ok {
			return fmt.Errorf("filter field %s: only scalar values are supported", field)
		}
		sub := g.db.WithContext(ctx).Model(&DocumentField{}).
			Select("doc_id").
			Where("collection = ? AND field = ? AND value = ?", collection, field, value)
		query = query.Where("doc_id IN (?)", sub)
	}

	var docs []Document
	if err := query.Order("doc_id ASC").Find(&docs).Error; err != nil {
		return errors.Wrapf(err, "query %s", collection)
	}

	bodies := make([][]byte, 0, len(docs))
	for _, d := range docs {
		bodies = append(bodies, []byte(d.Body))
	}
	return decodeList(bodies, out)
}

func (g *GormStore) Set(ctx context.Context, collection, id string, doc interface{}) error {
	fields, body, err := toFields(doc)
	if err != nil {
		return err
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return writeDocument(tx, collection, id, fields, body)
	})
}

func (g *GormStore) Update(ctx context.Context, collection, id string, patch map[string]interface{}) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc Document
		err := tx.Where("collection = ? AND doc_id = ?", collection, id).First(&doc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrapf(err, "load %s/%s", collection, id)
		}

		fields := make(map[string]interface{})
		if err := json.Unmarshal([]byte(doc.Body), &fields); err != nil {
			return errors.Wrapf(err, "decode %s/%s", collection, id)
		}
		applyPatch(fields, patch)
		body, err := json.Marshal(fields)
		if err != nil {
			return errors.Wrap(err, "encode document")
		}
		return writeDocument(tx, collection, id, fields, body)
	})
}

// writeDocument 在事务内写入文档并重建字段索引
func writeDocument(tx *gorm.DB, collection, id string, fields map[string]interface{}, body []byte) error {
	doc := Document{Collection: collection, DocID: id, Body: string(body)}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "doc_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"body", "updated_at"}),
	}).Create(&doc).Error; err != nil {
		return errors.Wrapf(err, "save %s/%s", collection, id)
	}

	if err := tx.Where("collection = ? AND doc_id = ?", collection, id).
		Delete(&DocumentField{}).Error; err != nil {
		return errors.Wrapf(err, "clear index %s/%s", collection, id)
	}

	index := make([]DocumentField, 0, len(fields))
	for field, v := range fields {
		value, ok := encodeScalar(v)
		if !ok || len(value) > maxIndexedValue {
			continue
		}
		index = append(index, DocumentField{Collection: collection, DocID: id, Field: field, Value: value})
	}
	if len(index) == 0 {
		return nil
	}
	return errors.Wrapf(tx.CreateInBatches(index, 100).Error, "index %s/%s", collection, id)
}

func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
