package session

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"crabstack.local/projects/crab-handoff/internal/protocol"

	dbpkg "crabstack.local/projects/crab-handoff/internal/db"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(driver, dsn string) (*GormStore, error) {
	return OpenGormStore(dbpkg.Options{Driver: driver, DSN: dsn})
}

// OpenGormStore connects with the given options and migrates the session
// tables.
func OpenGormStore(opts dbpkg.Options) (*GormStore, error) {
	gormDB, err := dbpkg.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}
	return NewGormStoreFromDB(gormDB)
}

func NewGormStoreFromDB(gormDB *gorm.DB) (*GormStore, error) {
	store := &GormStore{db: gormDB}
	if err := store.Migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *GormStore) Migrate() error {
	if err := s.db.AutoMigrate(&sessionRow{}, &messageRow{}); err != nil {
		return fmt.Errorf("migrate session tables: %w", err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, workspaceID, sessionID string) (SessionRecord, error) {
	if err := validateSessionKeyFields(workspaceID, sessionID); err != nil {
		return SessionRecord{}, err
	}

	var row sessionRow
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND session_id = ?", workspaceID, sessionID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SessionRecord{}, ErrNotFound
		}
		return SessionRecord{}, fmt.Errorf("get session: %w", err)
	}

	var rows []messageRow
	if err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND session_id = ?", workspaceID, sessionID).
		Order("sequence ASC").
		Find(&rows).Error; err != nil {
		return SessionRecord{}, fmt.Errorf("get session history: %w", err)
	}
	history := make([]protocol.Message, 0, len(rows))
	for _, r := range rows {
		msg, err := r.toMessage()
		if err != nil {
			return SessionRecord{}, err
		}
		history = append(history, msg)
	}
	return row.toRecord(history)
}

// Save upserts the session row and appends any history entries the store has
// not seen yet. A row already at a newer version is left untouched and
// ErrStaleWrite is returned; replaying the same version is a no-op rewrite.
func (s *GormStore) Save(ctx context.Context, rec SessionRecord) error {
	if err := validateSessionKeyFields(rec.WorkspaceID, rec.SessionID); err != nil {
		return err
	}
	row, err := sessionRowFromRecord(rec)
	if err != nil {
		return err
	}
	messages, err := messageRowsFromRecord(rec)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "workspace_id"}, {Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status",
				"assigned_agent_id",
				"assigned_agent_name",
				"transfer_info_json",
				"conversation_state",
				"contact_name",
				"contact_email",
				"language",
				"version",
				"updated_at",
				"last_activity_at",
				"ended_at",
			}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "handoff_sessions.version <= excluded.version"},
			}},
		}).Create(&row)
		if res.Error != nil {
			return fmt.Errorf("upsert session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrStaleWrite
		}

		if len(messages) == 0 {
			return nil
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&messages).Error; err != nil {
			return fmt.Errorf("append session history: %w", err)
		}
		return nil
	})
}

func (s *GormStore) Update(ctx context.Context, workspaceID, sessionID string, patch SessionPatch) error {
	if err := validateSessionKeyFields(workspaceID, sessionID); err != nil {
		return err
	}

	updates := map[string]any{"version": patch.Version}
	if patch.Status != nil {
		updates["status"] = string(*patch.Status)
	}
	if patch.AssignedAgentID != nil {
		updates["assigned_agent_id"] = *patch.AssignedAgentID
	}
	if patch.EndedAt != nil {
		updates["ended_at"] = *patch.EndedAt
	}
	if !patch.UpdatedAt.IsZero() {
		updates["updated_at"] = patch.UpdatedAt
	}

	res := s.db.WithContext(ctx).
		Model(&sessionRow{}).
		Where("workspace_id = ? AND session_id = ? AND version <= ?", workspaceID, sessionID, patch.Version).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update session: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).
		Model(&sessionRow{}).
		Where("workspace_id = ? AND session_id = ?", workspaceID, sessionID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("update session lookup: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrStaleWrite
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
