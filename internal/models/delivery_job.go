package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// DeliveryType enumerates the post-scan delivery actions. Each is only
// admissible once the owning session's progress reached 100.
type DeliveryType string

const (
	DeliveryPrint  DeliveryType = "print"
	DeliveryCopy   DeliveryType = "copy"
	DeliveryFTP    DeliveryType = "ftp"
	DeliverySFTP   DeliveryType = "sftp"
	DeliveryWebDAV DeliveryType = "webdav"
	DeliveryEmail  DeliveryType = "email"
)

// DeliveryStatus captures background job lifecycle states.
type DeliveryStatus string

const (
	DeliveryStatusQueued     DeliveryStatus = "QUEUED"
	DeliveryStatusProcessing DeliveryStatus = "PROCESSING"
	DeliveryStatusFinished   DeliveryStatus = "FINISHED"
	DeliveryStatusFailed     DeliveryStatus = "FAILED"
)

// DeliveryJob is one fire-and-forget post-scan action.
type DeliveryJob struct {
	ID           string            `db:"id" json:"id"`
	SessionID    string            `db:"session_id" json:"sessionId"`
	Type         DeliveryType      `db:"type" json:"type"`
	Params       DeliveryJobParams `db:"params" json:"params"`
	Status       DeliveryStatus    `db:"status" json:"status"`
	CreatedBy    *string           `db:"created_by" json:"createdBy,omitempty"`
	CreatedAt    time.Time         `db:"created_at" json:"createdAt"`
	FinishedAt   *time.Time        `db:"finished_at" json:"finishedAt,omitempty"`
	ErrorMessage *string           `db:"error_message" json:"errorMessage,omitempty"`
}

// DeliveryJobParams stores request-scoped options persisted as JSONB.
type DeliveryJobParams struct {
	Target    string            `json:"target,omitempty"`
	Recipient string            `json:"recipient,omitempty"`
	Extras    map[string]string `json:"extras,omitempty"`
}

// Value marshals params to JSON for persistence.
func (p DeliveryJobParams) Value() (driver.Value, error) {
	if p.Extras == nil {
		p.Extras = map[string]string{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal delivery job params: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the params struct.
func (p *DeliveryJobParams) Scan(value interface{}) error {
	if value == nil {
		*p = DeliveryJobParams{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for DeliveryJobParams", value)
	}
	if len(data) == 0 {
		*p = DeliveryJobParams{}
		return nil
	}
	if err := json.Unmarshal(data, p); err != nil {
		return fmt.Errorf("unmarshal delivery job params: %w", err)
	}
	return nil
}
