package models

import "gorm.io/gorm"

// User is the client that owns segments, leads, templates and automations.
// Registration and session issuance live outside this service; the JWT
// middleware only resolves tokens back to this row.
type User struct {
	gorm.Model

	Email string `gorm:"uniqueIndex;not null" json:"email"`
	Name  string `json:"name"`

	IsActive     bool `gorm:"default:true" json:"is_active"`
	TokenVersion int  `gorm:"default:0" json:"-"`
}
