package models

import "time"

const (
	RoleAdministrator = "Administrator"
	RoleUser          = "User"
)

type Role struct {
	ID   int    `gorm:"primaryKey;autoIncrement" json:"id"`
	Name string `gorm:"uniqueIndex;not null" json:"name"`
}
type User struct {
	ID           string    `gorm:"type:uuid;primaryKey" json:"id"`
	Name         string    `gorm:"not null" json:"name"`
	Email        string    `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"not null" json:"-"`
	IsActive     bool      `gorm:"not null;default:true" json:"is_active"`
	Roles        []Role    `gorm:"many2many:user_roles" json:"roles"`
	Devices      []Device  `gorm:"foreignKey:UserID" json:"devices,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (u User) HasRole(name string) bool {
	for _, r := range u.Roles {
		if r.Name == name {
			return true
		}
	}
	return false
}

func (u User) IsAdmin() bool { return u.HasRole(RoleAdministrator) }

func (u User) RoleNames() []string {
	names := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		names = append(names, r.Name)
	}
	return names
}

type DeviceStatus string

const (
	DeviceStatusPending  DeviceStatus = "pending"
	DeviceStatusApproved DeviceStatus = "approved"
	DeviceStatusRejected DeviceStatus = "rejected"
	DeviceStatusRevoked  DeviceStatus = "revoked"
)

func (s DeviceStatus) Valid() bool {
	switch s {
	case DeviceStatusPending, DeviceStatusApproved, DeviceStatusRejected, DeviceStatusRevoked:
		return true
	}
	return false
}

// Device is one client installation of one user, identified by the opaque
// identifier the client sends with every request.
type Device struct {
	ID               string       `gorm:"type:uuid;primaryKey" json:"id"`
	UserID           string       `gorm:"type:uuid;not null;uniqueIndex:idx_devices_user_identifier" json:"user_id"`
	DeviceIdentifier string       `gorm:"not null;uniqueIndex:idx_devices_user_identifier" json:"device_identifier"`
	Name             string       `json:"name"`
	Status           DeviceStatus `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	ApprovedBy       *string      `gorm:"type:uuid" json:"approved_by"`
	ApprovedAt       *time.Time   `json:"approved_at"`
	RejectedBy       *string      `gorm:"type:uuid" json:"rejected_by"`
	RejectedAt       *time.Time   `json:"rejected_at"`
	AdminNotes       *string      `json:"admin_notes"`
	LastLoginIP      *string      `json:"last_login_ip"`
	LastLoginAt      *time.Time   `json:"last_login_at"`
	LastUsedAt       *time.Time   `json:"last_used_at"`
	User             *User        `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Approver         *User        `gorm:"foreignKey:ApprovedBy" json:"approver,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

func (d Device) IsApproved() bool { return d.Status == DeviceStatusApproved }

func (d Device) Notes() string {
	if d.AdminNotes == nil {
		return ""
	}
	return *d.AdminNotes
}

// Token is the server-side record of an issued bearer token. ID is the
// token's jti; the signed value itself is never stored.
type Token struct {
	ID         string     `gorm:"primaryKey;size:64" json:"id"`
	Name       string     `gorm:"uniqueIndex;not null" json:"name"`
	UserID     string     `gorm:"type:uuid;index;not null" json:"user_id"`
	DeviceID   string     `gorm:"type:uuid;index;not null" json:"device_id"`
	ExpiresAt  time.Time  `gorm:"not null" json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type AuditLog struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    *string   `gorm:"type:uuid" json:"user_id,omitempty"`
	DeviceID  *string   `gorm:"type:uuid" json:"device_id,omitempty"`
	Action    string    `gorm:"not null" json:"action"`
	Metadata  JSONB     `gorm:"type:jsonb;default:'{}'::jsonb" json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
}
