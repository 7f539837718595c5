// Package model defines domain entities used by services and repositories.
package model

import (
	"time"
)

// RoleAdministrator is the only role that grants administrator authority.
const RoleAdministrator = "Administrator"

// Sentinels stored in DayBucket.ValidatedBy.
const (
	NotValidated      int64 = -1 // bucket still editable
	ValidatedBySystem int64 = 0  // locked by the sweeper
)

// Counter names kept in the idCounters document.
const (
	CounterUser       = "user"
	CounterRecord     = "record"
	CounterAttachment = "attachment"
)

// LoginField selects which user attribute a credential value is matched against.
type LoginField string

// Supported login fields.
const (
	LoginByUsername LoginField = "username"
	LoginByPhone    LoginField = "phone"
	LoginByEmail    LoginField = "email"
)

// Valid reports whether f is one of the supported login fields.
func (f LoginField) Valid() bool {
	switch f {
	case LoginByUsername, LoginByPhone, LoginByEmail:
		return true
	}
	return false
}

// Credentials is the login input; it is retained in the session for transparent re-login.
type Credentials struct {
	LoginParam LoginField `json:"login_param"`
	Value      string     `json:"value"`
}

// User represents an account. APIKey is the current bearer credential and rotates on logout.
type User struct {
	ID               int64     `json:"id"`
	Username         string    `json:"username"`
	Fullname         string    `json:"fullname"`
	Role             string    `json:"role"`
	Phone            string    `json:"phone"`
	Email            string    `json:"email"`
	ProfileImagePath string    `json:"profile_image,omitempty"`
	APIKey           string    `json:"api_key"`
	CreatedAt        time.Time `json:"created_at"`
	LastEditAt       time.Time `json:"last_edit_at,omitzero"`
}

// IsAdmin reports whether the user carries the administrator role.
func (u *User) IsAdmin() bool { return u != nil && u.Role == RoleAdministrator }

// NewUser is the input of user creation.
type NewUser struct {
	Username string `json:"username"`
	Fullname string `json:"fullname"`
	Role     string `json:"role"`
	Phone    string `json:"phone"`
	Email    string `json:"email"`
}

// ProfilePatch carries profile edits; empty fields keep their current value.
type ProfilePatch struct {
	Username string `json:"username"`
	Fullname string `json:"fullname"`
	Phone    string `json:"phone"`
}

// Session is keyed by the owning user's current api key.
// A pending session carries the hashed verification code; an approved one carries StartTime.
type Session struct {
	Credentials   Credentials `json:"credentials"`
	UserID        int64       `json:"user_id"`
	CodeHash      []byte      `json:"code_hash,omitempty"`
	CodeSalt      []byte      `json:"code_salt,omitempty"`
	CodeExpiresAt time.Time   `json:"code_expires_at,omitzero"`
	Approved      bool        `json:"approved"`
	StartTime     time.Time   `json:"start_time,omitzero"`
	APIKey        string      `json:"api_key"`
}

// HasCode reports whether the session still holds a verification code.
func (s *Session) HasCode() bool { return len(s.CodeHash) > 0 }

// Attachment describes a stored file owned by a record.
type Attachment struct {
	ID          int64  `json:"id"`
	Path        string `json:"path"`
	Name        string `json:"name"`
	ContentType string `json:"type"`
}

// ExtraField is a free-form key/value pair attached to a record.
type ExtraField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RecordContent is the body of a record.
type RecordContent struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"files"`
	ExtraFields []ExtraField `json:"extra_fields"`
}

// Record is a single report submission.
type Record struct {
	ID         int64         `json:"id"`
	Title      string        `json:"title"`
	Content    RecordContent `json:"content"`
	UserID     int64         `json:"user_id"`
	Day        string        `json:"day"`
	CreatedAt  time.Time     `json:"created_at"`
	LastEditAt time.Time     `json:"last_edit_at,omitzero"`
}

// DayBucket holds the records a user submitted for one calendar day.
// A validated bucket is immutable to record-level edits and deletes.
type DayBucket struct {
	Day         string   `json:"day"`
	Records     []Record `json:"records"`
	Validated   bool     `json:"validated"`
	ValidatedBy int64    `json:"validated_by"`
}

// NewDayBucket returns an editable, empty bucket for day.
func NewDayBucket(day string) *DayBucket {
	return &DayBucket{Day: day, Records: []Record{}, ValidatedBy: NotValidated}
}

// RecordIndex returns the position of the record with id, or -1.
func (b *DayBucket) RecordIndex(id int64) int {
	for i := range b.Records {
		if b.Records[i].ID == id {
			return i
		}
	}
	return -1
}

// UserLedger is one user's full set of day buckets; it is the unit of storage.
type UserLedger struct {
	Items  map[string]*DayBucket `json:"items"`
	UserID int64                 `json:"user_id"`
}

// NewUserLedger returns an empty ledger for userID.
func NewUserLedger(userID int64) *UserLedger {
	return &UserLedger{Items: map[string]*DayBucket{}, UserID: userID}
}

// FindRecord searches every bucket for the record id.
func (l *UserLedger) FindRecord(id int64) (*DayBucket, int) {
	for _, b := range l.Items {
		if i := b.RecordIndex(id); i >= 0 {
			return b, i
		}
	}
	return nil, -1
}

// Upload is a file received from a caller before it is persisted.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// AuthOutcome is returned by login and verify.
type AuthOutcome struct {
	APIKey        string `json:"api_key"`
	Email         string `json:"email,omitempty"`
	Message       string `json:"message"`
	Approved      bool   `json:"approved"`
	Reinitialised bool   `json:"reinitialised"`
}
