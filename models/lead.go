package models

import (
	"time"

	"gorm.io/gorm"
)

// Segment is a named group of leads. Membership drives automation triggers.
type Segment struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`

	// Relations
	Memberships []SegmentMembership `gorm:"foreignKey:SegmentID" json:"memberships,omitempty"`
}

// Lead represents a single contact.
type Lead struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Phone     string `json:"phone"`

	// Suppression flags, set from delivery events.
	IsBounced      bool `gorm:"default:false" json:"is_bounced"`
	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`

	Source      string     `json:"source"`
	LastContact *time.Time `json:"last_contact"`
}

// SegmentMembership joins leads to segments.
type SegmentMembership struct {
	gorm.Model
	SegmentID uint `gorm:"not null;index;uniqueIndex:idx_segment_lead" json:"segment_id"`
	LeadID    uint `gorm:"not null;index;uniqueIndex:idx_segment_lead" json:"lead_id"`
}
