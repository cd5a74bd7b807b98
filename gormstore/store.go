// Package gormstore persists token records and policies in a
// relational database through gorm. It implements the engine's
// TokenStore and PolicyStore collaborator interfaces; the per-serial
// update closure runs inside a transaction holding a SELECT ... FOR
// UPDATE row lock.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	privacyidea "github.com/privacyidea/privacyidea-sub004"
)

// TokenRow is the gorm model backing one token record.
type TokenRow struct {
	ID            uint   `gorm:"primaryKey"`
	Serial        string `gorm:"uniqueIndex"`
	Type          string
	Key           []byte
	Counter       int64
	FailCount     int
	MaxFail       int
	SyncWindow    int
	CountWindow   int
	OTPLength     int
	HashAlgorithm string
	Active        bool
	ValidityStart *time.Time
	ValidityEnd   *time.Time
	Info          string `gorm:"type:text"`
	Owner         string `gorm:"index"`
	OwnerRealm    string `gorm:"index"`
	OwnerResolver string
	Realms        string `gorm:"type:text"`
	PINHash       string
	PINPosition   int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PolicyRow stores one policy. The definition column carries the full
// policy as JSON; name, scope and priority are broken out for queries.
type PolicyRow struct {
	ID         uint   `gorm:"primaryKey"`
	Name       string `gorm:"uniqueIndex"`
	Scope      string `gorm:"index"`
	Priority   int    `gorm:"index"`
	Active     bool
	Definition string `gorm:"type:text"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Open opens a sqlite database at path and migrates the schema.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&TokenRow{}, &PolicyRow{}); err != nil {
		return nil, err
	}
	return db, nil
}

// Tokens implements privacyidea.TokenStore.
type Tokens struct {
	db *gorm.DB
}

// NewTokenStore describes the newtokenstore operation and its observable behavior.
//
// NewTokenStore may return an error when input validation, dependency calls, or security checks fail.
// NewTokenStore does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func NewTokenStore(db *gorm.DB) *Tokens {
	return &Tokens{db: db}
}

// GetBySerial describes the getbyserial operation and its observable behavior.
//
// GetBySerial may return an error when input validation, dependency calls, or security checks fail.
// GetBySerial does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Tokens) GetBySerial(ctx context.Context, serial string) (*privacyidea.TokenRecord, error) {
	var row TokenRow
	err := s.db.WithContext(ctx).Where("serial = ?", serial).First(&row).Error
	if err != nil {
		return nil, translateTokenErr(err)
	}
	return rowToRecord(&row)
}

// GetByUser describes the getbyuser operation and its observable behavior.
//
// GetByUser may return an error when input validation, dependency calls, or security checks fail.
// GetByUser does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Tokens) GetByUser(ctx context.Context, login, realm string) ([]*privacyidea.TokenRecord, error) {
	var rows []TokenRow
	err := s.db.WithContext(ctx).
		Where("owner = ? AND owner_realm = ?", login, realm).
		Order("serial").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rowsToRecords(rows)
}

// GetUnassignedByRealm describes the getunassignedbyrealm operation and its observable behavior.
//
// GetUnassignedByRealm may return an error when input validation, dependency calls, or security checks fail.
// GetUnassignedByRealm does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Tokens) GetUnassignedByRealm(ctx context.Context, realm string) ([]*privacyidea.TokenRecord, error) {
	var rows []TokenRow
	err := s.db.WithContext(ctx).
		Where("owner = ''").
		Order("serial").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	records, err := rowsToRecords(rows)
	if err != nil {
		return nil, err
	}
	// Realm membership lives in a JSON list column, so the filter runs
	// here rather than in SQL.
	out := records[:0]
	for _, rec := range records {
		for _, r := range rec.Realms {
			if r == realm {
				out = append(out, rec)
				break
			}
		}
	}
	return out, nil
}

// Create describes the create operation and its observable behavior.
//
// Create may return an error when input validation, dependency calls, or security checks fail.
// Create does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Tokens) Create(ctx context.Context, rec *privacyidea.TokenRecord) error {
	row, err := recordToRow(rec)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Create(row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return privacyidea.ErrTokenExists
	}
	return err
}

// Update describes the update operation and its observable behavior.
//
// Update may return an error when input validation, dependency calls, or security checks fail.
// Update does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Tokens) Update(ctx context.Context, serial string, fn func(rec *privacyidea.TokenRecord) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row TokenRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("serial = ?", serial).
			First(&row).Error
		if err != nil {
			return translateTokenErr(err)
		}

		rec, err := rowToRecord(&row)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}

		updated, err := recordToRow(rec)
		if err != nil {
			return err
		}
		updated.ID = row.ID
		updated.CreatedAt = row.CreatedAt
		return tx.Model(&TokenRow{}).
			Where("id = ?", row.ID).
			Select("*").
			Omit("id", "created_at").
			Updates(updated).Error
	})
}

// Delete describes the delete operation and its observable behavior.
//
// Delete may return an error when input validation, dependency calls, or security checks fail.
// Delete does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Tokens) Delete(ctx context.Context, serial string) error {
	res := s.db.WithContext(ctx).Where("serial = ?", serial).Delete(&TokenRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return privacyidea.ErrTokenNotFound
	}
	return nil
}

// Policies implements privacyidea.PolicyStore.
type Policies struct {
	db *gorm.DB
}

// NewPolicyStore describes the newpolicystore operation and its observable behavior.
//
// NewPolicyStore may return an error when input validation, dependency calls, or security checks fail.
// NewPolicyStore does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func NewPolicyStore(db *gorm.DB) *Policies {
	return &Policies{db: db}
}

// List describes the list operation and its observable behavior.
//
// List may return an error when input validation, dependency calls, or security checks fail.
// List does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Policies) List(ctx context.Context) ([]privacyidea.Policy, error) {
	var rows []PolicyRow
	err := s.db.WithContext(ctx).Order("priority, name").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]privacyidea.Policy, 0, len(rows))
	for i := range rows {
		var p privacyidea.Policy
		if err := json.Unmarshal([]byte(rows[i].Definition), &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Save describes the save operation and its observable behavior.
//
// Save may return an error when input validation, dependency calls, or security checks fail.
// Save does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Policies) Save(ctx context.Context, p privacyidea.Policy) error {
	definition, err := json.Marshal(p)
	if err != nil {
		return err
	}
	row := PolicyRow{
		Name:       p.Name,
		Scope:      string(p.Scope),
		Priority:   p.Priority,
		Active:     p.Active,
		Definition: string(definition),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"scope", "priority", "active", "definition", "updated_at"}),
	}).Create(&row).Error
}

// Delete describes the delete operation and its observable behavior.
//
// Delete may return an error when input validation, dependency calls, or security checks fail.
// Delete does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Policies) Delete(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Where("name = ?", name).Delete(&PolicyRow{}).Error
}

func translateTokenErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return privacyidea.ErrTokenNotFound
	}
	return err
}

func rowToRecord(row *TokenRow) (*privacyidea.TokenRecord, error) {
	rec := &privacyidea.TokenRecord{
		Serial:        row.Serial,
		Type:          row.Type,
		Key:           append([]byte(nil), row.Key...),
		Counter:       row.Counter,
		FailCount:     row.FailCount,
		MaxFail:       row.MaxFail,
		SyncWindow:    row.SyncWindow,
		CountWindow:   row.CountWindow,
		OTPLength:     row.OTPLength,
		HashAlgorithm: row.HashAlgorithm,
		Active:        row.Active,
		ValidityStart: row.ValidityStart,
		ValidityEnd:   row.ValidityEnd,
		Owner:         row.Owner,
		OwnerRealm:    row.OwnerRealm,
		OwnerResolver: row.OwnerResolver,
		PINHash:       row.PINHash,
		PINPosition:   privacyidea.PINPosition(row.PINPosition),
	}
	if row.Info != "" {
		if err := json.Unmarshal([]byte(row.Info), &rec.Info); err != nil {
			return nil, err
		}
	}
	if row.Realms != "" {
		if err := json.Unmarshal([]byte(row.Realms), &rec.Realms); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func recordToRow(rec *privacyidea.TokenRecord) (*TokenRow, error) {
	row := &TokenRow{
		Serial:        rec.Serial,
		Type:          rec.Type,
		Key:           append([]byte(nil), rec.Key...),
		Counter:       rec.Counter,
		FailCount:     rec.FailCount,
		MaxFail:       rec.MaxFail,
		SyncWindow:    rec.SyncWindow,
		CountWindow:   rec.CountWindow,
		OTPLength:     rec.OTPLength,
		HashAlgorithm: rec.HashAlgorithm,
		Active:        rec.Active,
		ValidityStart: rec.ValidityStart,
		ValidityEnd:   rec.ValidityEnd,
		Owner:         rec.Owner,
		OwnerRealm:    rec.OwnerRealm,
		OwnerResolver: rec.OwnerResolver,
		PINHash:       rec.PINHash,
		PINPosition:   int(rec.PINPosition),
	}
	if len(rec.Info) > 0 {
		data, err := json.Marshal(rec.Info)
		if err != nil {
			return nil, err
		}
		row.Info = string(data)
	}
	if len(rec.Realms) > 0 {
		data, err := json.Marshal(rec.Realms)
		if err != nil {
			return nil, err
		}
		row.Realms = string(data)
	}
	return row, nil
}

func rowsToRecords(rows []TokenRow) ([]*privacyidea.TokenRecord, error) {
	out := make([]*privacyidea.TokenRecord, 0, len(rows))
	for i := range rows {
		rec, err := rowToRecord(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
