// Package membership decides which users may join which rooms. Store keeps
// grants in Postgres through GORM; StaticAuthorizer keeps them in memory.
package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/codeGROOVE-dev/ripple/pkg/logger"
)

// Wildcard as a room id grants every room of that type.
const Wildcard = "*"

const (
	queryAttempts = 3
	queryMaxDelay = 500 * time.Millisecond
)

var (
	// ErrNoDatabaseURL is returned by Open for an empty DSN.
	ErrNoDatabaseURL = errors.New("database URL is required")
	// ErrBadDatabaseURL is returned by Open for a non-postgres DSN.
	ErrBadDatabaseURL = errors.New("database URL must be a postgres:// or postgresql:// URL")
)

// RoomMember grants one user access to one room.
type RoomMember struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	UserID   string `gorm:"uniqueIndex:idx_room_member,priority:1;not null"`
	RoomType string `gorm:"uniqueIndex:idx_room_member,priority:2;not null"`
	RoomID   string `gorm:"uniqueIndex:idx_room_member,priority:3;not null"`

	Role string `gorm:"not null;default:member"`

	// Attributes carries producer-defined metadata about the grant.
	Attributes datatypes.JSONMap `gorm:"type:json"`
}

// TableName pins the table name.
func (RoomMember) TableName() string { return "room_members" }

// Open connects to Postgres and migrates the membership table.
func Open(dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrNoDatabaseURL
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return nil, ErrBadDatabaseURL
	}

	// PrepareStmt keeps the postgres migrator off the simple protocol.
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{PrepareStmt: true})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// Store is a database-backed room authorizer.
type Store struct {
	db *gorm.DB
}

// NewStore wraps db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the room_members table.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&RoomMember{}); err != nil {
		return fmt.Errorf("migrate room_members: %w", err)
	}
	return nil
}

// CanJoin reports whether userID holds a grant for the room or a wildcard
// grant for its type. Transient query failures are retried.
func (s *Store) CanJoin(ctx context.Context, userID, roomType, roomID string) (bool, error) {
	var count int64
	err := retry.Do(
		func() error {
			err := s.db.WithContext(ctx).Model(&RoomMember{}).
				Where("user_id = ? AND room_type = ? AND room_id IN ?", userID, roomType, []string{roomID, Wildcard}).
				Count(&count).Error
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(queryAttempts),
		retry.Context(ctx),
		retry.DelayType(retry.FullJitterBackoffDelay),
		retry.MaxDelay(queryMaxDelay),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn(ctx, "membership query failed, retrying", logger.Fields{
				"attempt":   n + 1,
				"user_id":   userID,
				"room_type": roomType,
				"error":     err.Error(),
			})
		}),
	)
	if err != nil {
		return false, fmt.Errorf("membership lookup: %w", err)
	}
	return count > 0, nil
}

// Grant gives userID access to the room. Granting twice updates the role.
func (s *Store) Grant(ctx context.Context, userID, roomType, roomID, role string) error {
	if role == "" {
		role = "member"
	}
	m := RoomMember{UserID: userID, RoomType: roomType, RoomID: roomID, Role: role}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "room_type"}, {Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("grant %s:%s to %s: %w", roomType, roomID, userID, err)
	}
	return nil
}

// Revoke removes a grant. It reports whether one existed.
func (s *Store) Revoke(ctx context.Context, userID, roomType, roomID string) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND room_type = ? AND room_id = ?", userID, roomType, roomID).
		Delete(&RoomMember{})
	if res.Error != nil {
		return false, fmt.Errorf("revoke %s:%s from %s: %w", roomType, roomID, userID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Members lists the grants for a room, oldest first.
func (s *Store) Members(ctx context.Context, roomType, roomID string) ([]RoomMember, error) {
	var members []RoomMember
	err := s.db.WithContext(ctx).
		Where("room_type = ? AND room_id = ?", roomType, roomID).
		Order("created_at").
		Find(&members).Error
	if err != nil {
		return nil, fmt.Errorf("list members of %s:%s: %w", roomType, roomID, err)
	}
	return members, nil
}

// StaticAuthorizer is an in-memory allow-list.
type StaticAuthorizer struct {
	grants   map[string]bool
	mu       sync.RWMutex
	allowAll bool
}

// NewStaticAuthorizer returns an empty allow-list. With allowAll every room
// is joinable.
func NewStaticAuthorizer(allowAll bool) *StaticAuthorizer {
	return &StaticAuthorizer{grants: make(map[string]bool), allowAll: allowAll}
}

func grantKey(userID, roomType, roomID string) string {
	return userID + "|" + roomType + ":" + roomID
}

// Grant adds a grant. roomID may be Wildcard.
func (a *StaticAuthorizer) Grant(userID, roomType, roomID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.grants[grantKey(userID, roomType, roomID)] = true
}

// Revoke removes a grant.
func (a *StaticAuthorizer) Revoke(userID, roomType, roomID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.grants, grantKey(userID, roomType, roomID))
}

// CanJoin never fails.
func (a *StaticAuthorizer) CanJoin(_ context.Context, userID, roomType, roomID string) (bool, error) {
	if a.allowAll {
		return true, nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.grants[grantKey(userID, roomType, roomID)] || a.grants[grantKey(userID, roomType, Wildcard)], nil
}
