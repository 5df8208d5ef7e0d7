package models

import (
	"errors"
	"time"
)

// Field names for queue message model
const (
	// QueueLaneField is the database field name for the lane
	QueueLaneField = "lane"
	// QueueAvailableAtField is the database field name for the earliest delivery time
	QueueAvailableAtField = "available_at"
	// QueueReservedUntilField is the database field name for the visibility deadline
	QueueReservedUntilField = "reserved_until"
	// QueueReceiptField is the database field name for the receipt of the current reservation
	QueueReceiptField = "receipt"
)

// QueueMessage is one pending delivery of a job on a lane.
// A reserved message whose ReservedUntil has passed is delivered again.
// Every reservation gets a fresh Receipt; only its holder can settle the message.
type QueueMessage struct {
	ID            uint       `json:"id" gorm:"primaryKey"`
	Lane          Lane       `json:"lane" gorm:"type:varchar(32);not null;index:idx_queue_lane_available"`
	JobID         string     `json:"job_id" gorm:"type:varchar(36);not null;index"`
	Attempts      int        `json:"attempts" gorm:"not null;default:0"`
	AvailableAt   time.Time  `json:"available_at" gorm:"not null;index:idx_queue_lane_available"`
	ReservedBy    string     `json:"reserved_by,omitempty" gorm:"not null;default:''"`
	Receipt       string     `json:"-" gorm:"not null;default:''"`
	ReservedUntil *time.Time `json:"reserved_until,omitempty" gorm:"index"`
	DeadAt        *time.Time `json:"dead_at,omitempty" gorm:"index"`
	CreatedAt     time.Time  `json:"created_at"`
}

// TableName pins the table name used by both gorm and the SQL migrations
func (QueueMessage) TableName() string {
	return "queue_messages"
}

// Validate ensures that the queue message data is valid
func (m *QueueMessage) Validate() error {
	if m.JobID == "" {
		return errors.New("queue message job id cannot be empty")
	}
	if _, err := ParseLane(string(m.Lane)); err != nil {
		return err
	}
	return nil
}
