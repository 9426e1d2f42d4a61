package session

import (
	"encoding/json"
	"fmt"
	"time"

	"crabstack.local/projects/crab-handoff/internal/protocol"
)

type sessionRow struct {
	WorkspaceID       string     `gorm:"primaryKey;size:191"`
	SessionID         string     `gorm:"primaryKey;size:191"`
	Status            string     `gorm:"size:32;not null;index"`
	Channel           string     `gorm:"size:32;not null"`
	UserIdentifier    string     `gorm:"size:191;not null"`
	AssignedAgentID   string     `gorm:"size:191"`
	AssignedAgentName string     `gorm:"size:191"`
	TransferInfoJSON  string     `gorm:"type:text"`
	ConversationState string     `gorm:"size:64"`
	ContactName       string     `gorm:"size:191"`
	ContactEmail      string     `gorm:"size:191"`
	Language          string     `gorm:"size:16"`
	Version           int64      `gorm:"not null"`
	CreatedAt         time.Time  `gorm:"not null"`
	UpdatedAt         time.Time  `gorm:"not null"`
	LastActivityAt    time.Time  `gorm:"not null"`
	EndedAt           *time.Time `gorm:"index"`
}

func (sessionRow) TableName() string {
	return "handoff_sessions"
}

func (r sessionRow) toRecord(history []protocol.Message) (SessionRecord, error) {
	rec := SessionRecord{
		WorkspaceID:       r.WorkspaceID,
		SessionID:         r.SessionID,
		Status:            protocol.Status(r.Status),
		Channel:           protocol.Channel(r.Channel),
		UserIdentifier:    r.UserIdentifier,
		History:           history,
		AssignedAgentID:   r.AssignedAgentID,
		AssignedAgentName: r.AssignedAgentName,
		ConversationState: protocol.ConversationState(r.ConversationState),
		ContactName:       r.ContactName,
		ContactEmail:      r.ContactEmail,
		Language:          r.Language,
		Version:           r.Version,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		LastActivityAt:    r.LastActivityAt,
		EndedAt:           r.EndedAt,
	}
	if r.TransferInfoJSON != "" {
		var info protocol.TransferInfo
		if err := json.Unmarshal([]byte(r.TransferInfoJSON), &info); err != nil {
			return SessionRecord{}, fmt.Errorf("decode transfer info: %w", err)
		}
		rec.TransferInfo = &info
	}
	return rec, nil
}

func sessionRowFromRecord(rec SessionRecord) (sessionRow, error) {
	row := sessionRow{
		WorkspaceID:       rec.WorkspaceID,
		SessionID:         rec.SessionID,
		Status:            string(rec.Status),
		Channel:           string(rec.Channel),
		UserIdentifier:    rec.UserIdentifier,
		AssignedAgentID:   rec.AssignedAgentID,
		AssignedAgentName: rec.AssignedAgentName,
		ConversationState: string(rec.ConversationState),
		ContactName:       rec.ContactName,
		ContactEmail:      rec.ContactEmail,
		Language:          rec.Language,
		Version:           rec.Version,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
		LastActivityAt:    rec.LastActivityAt,
		EndedAt:           rec.EndedAt,
	}
	if rec.TransferInfo != nil {
		encoded, err := json.Marshal(rec.TransferInfo)
		if err != nil {
			return sessionRow{}, fmt.Errorf("encode transfer info: %w", err)
		}
		row.TransferInfoJSON = string(encoded)
	}
	return row, nil
}

type messageRow struct {
	WorkspaceID  string    `gorm:"primaryKey;size:191;index:idx_handoff_messages_sequence,priority:1"`
	SessionID    string    `gorm:"primaryKey;size:191;index:idx_handoff_messages_sequence,priority:2"`
	MessageID    string    `gorm:"primaryKey;size:191"`
	Sequence     int       `gorm:"not null;index:idx_handoff_messages_sequence,priority:3"`
	Role         string    `gorm:"size:32;not null"`
	Content      string    `gorm:"type:text;not null"`
	AgentName    string    `gorm:"size:191"`
	AvatarURL    string    `gorm:"size:512"`
	MetadataJSON string    `gorm:"type:text"`
	Timestamp    time.Time `gorm:"not null"`
}

func (messageRow) TableName() string {
	return "handoff_messages"
}

func (r messageRow) toMessage() (protocol.Message, error) {
	msg := protocol.Message{
		ID:        r.MessageID,
		Role:      protocol.Role(r.Role),
		Content:   r.Content,
		Timestamp: r.Timestamp,
		AgentName: r.AgentName,
		AvatarURL: r.AvatarURL,
	}
	if r.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(r.MetadataJSON), &msg.Metadata); err != nil {
			return protocol.Message{}, fmt.Errorf("decode metadata for message %s: %w", r.MessageID, err)
		}
	}
	return msg, nil
}

func messageRowsFromRecord(rec SessionRecord) ([]messageRow, error) {
	rows := make([]messageRow, 0, len(rec.History))
	for idx, msg := range rec.History {
		row := messageRow{
			WorkspaceID: rec.WorkspaceID,
			SessionID:   rec.SessionID,
			MessageID:   msg.ID,
			Sequence:    idx,
			Role:        string(msg.Role),
			Content:     msg.Content,
			AgentName:   msg.AgentName,
			AvatarURL:   msg.AvatarURL,
			Timestamp:   msg.Timestamp,
		}
		if len(msg.Metadata) > 0 {
			encoded, err := json.Marshal(msg.Metadata)
			if err != nil {
				return nil, fmt.Errorf("encode metadata for message %s: %w", msg.ID, err)
			}
			row.MetadataJSON = string(encoded)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
