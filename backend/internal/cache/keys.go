package cache

import "fmt"

// 键语义：
// - userRecordKey(userID):   用户在线记录（String JSON，带 TTL，写入即续约）
// - userConnsKey(userID):    用户累计连接计数（String 计数器）
// - typingKey(roomID):       房间输入状态列表（String JSON，读取时软过期）
// - entityKey(kind,id):      领域实体缓存（String JSON）

const (
	keyUserRecordFmt = "presence:user:%d"    // String JSON with TTL
	keyUserConnsFmt  = "presence:conns:%d"   // String counter
	keyTypingFmt     = "presence:typing:%s"  // String JSON list
	keyEntityFmt     = "%s:%s"               // e.g. travel:5, planet:9
	keyEntitySubFmt  = "%s:%s:*"             // e.g. travel:5:*
	keyUserEntityFmt = "user:%d"             // user's own cache entry
	keyUserTravelFmt = "user:%d:travels"     // user's travel list entry
	keyRoomPagesFmt  = "chatRoom:%s:messages:*" // paged message cache
)

func userRecordKey(userID uint64) string { return fmt.Sprintf(keyUserRecordFmt, userID) }
func userConnsKey(userID uint64) string  { return fmt.Sprintf(keyUserConnsFmt, userID) }
func typingKey(roomID string) string     { return fmt.Sprintf(keyTypingFmt, roomID) }

func EntityKey(kind, id string) string        { return fmt.Sprintf(keyEntityFmt, kind, id) }
func EntityPattern(kind, id string) string    { return fmt.Sprintf(keyEntitySubFmt, kind, id) }
func UserKey(userID uint64) string            { return fmt.Sprintf(keyUserEntityFmt, userID) }
func UserTravelsKey(userID uint64) string     { return fmt.Sprintf(keyUserTravelFmt, userID) }
func RoomMessagePages(roomID string) string   { return fmt.Sprintf(keyRoomPagesFmt, roomID) }
