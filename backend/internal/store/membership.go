package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// MembershipStore answers the two read contracts the coordination layer
// consumes from the durable side: may this user enter this room, and what
// parent room does a room roll up to. The schemas and the write paths live
// in the CRUD services; this adapter only reads.
type MembershipStore struct {
	db *gorm.DB
}

func NewMembershipStore(db *gorm.DB) *MembershipStore {
	return &MembershipStore{db: db}
}

type chatRoomMember struct {
	RoomID string `gorm:"column:room_id"`
	UserID uint64 `gorm:"column:user_id"`
}

func (chatRoomMember) TableName() string { return "chat_room_members" }

type chatRoom struct {
	ID           string `gorm:"column:id"`
	TravelRoomID string `gorm:"column:travel_room_id"`
}

func (chatRoom) TableName() string { return "chat_rooms" }

// CanAccess implements the authorization check consumed by Hub.Join.
func (s *MembershipStore) CanAccess(ctx context.Context, userID uint64, roomID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&chatRoomMember{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ParentRoom resolves the travel-level room a chat room belongs to, when it
// has one.
func (s *MembershipStore) ParentRoom(ctx context.Context, roomID string) (string, bool, error) {
	var room chatRoom
	err := s.db.WithContext(ctx).
		Select("id", "travel_room_id").
		Where("id = ?", roomID).
		First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	if room.TravelRoomID == "" {
		return "", false, nil
	}
	return room.TravelRoomID, true, nil
}
