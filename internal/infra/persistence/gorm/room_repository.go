package gormpersistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"github.com/jivanaryal/TopicJ-Spinner/internal/domain"
	"github.com/jivanaryal/TopicJ-Spinner/internal/repository"
)

// GormRoomRepository 是 RoomRepository 接口的 GORM 实现
type GormRoomRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormRoomRepository 创建 GormRoomRepository 实例
func NewGormRoomRepository(db *gorm.DB) *GormRoomRepository {
	if db == nil {
		panic("database connection cannot be nil for GormRoomRepository")
	}
	return &GormRoomRepository{db: db, now: time.Now}
}

// Create 插入新房间
func (r *GormRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	room.EnsureCollections()
	if room.LastActiveAt.IsZero() {
		room.LastActiveAt = r.now()
	}
	if err := r.db.WithContext(ctx).Create(room).Error; err != nil {
		if isDuplicateEntry(err) {
			return repository.ErrRoomCodeTaken
		}
		return fmt.Errorf("gorm: create room '%s': %w", room.Code, err)
	}
	return nil
}

// FindByCode 根据房间码查找房间
func (r *GormRoomRepository) FindByCode(ctx context.Context, code string) (*domain.Room, error) {
	var room domain.Room
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrRoomNotFound
		}
		return nil, fmt.Errorf("gorm: find room by code '%s': %w", code, err)
	}
	room.EnsureCollections()
	return &room, nil
}

// Save 覆盖保存房间的全部可变字段
func (r *GormRoomRepository) Save(ctx context.Context, room *domain.Room) error {
	room.EnsureCollections()
	room.RefreshActivity(r.now())
	if err := r.db.WithContext(ctx).Save(room).Error; err != nil {
		if isDuplicateEntry(err) {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: save room (id: %d, code: %s): %w", room.ID, room.Code, err)
	}
	return nil
}

// FindExpired 查找可清理的房间。
// participants 是 JSON 列，各方言的空数组表示不同，因此空房间的判断放在内存中完成。
func (r *GormRoomRepository) FindExpired(ctx context.Context, threshold time.Time) ([]domain.Room, error) {
	var candidates []domain.Room
	err := r.db.WithContext(ctx).
		Where("is_locked = ? AND last_active_at < ?", false, threshold).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: find expired rooms before %s: %w", threshold.Format(time.RFC3339), err)
	}
	expired := make([]domain.Room, 0, len(candidates))
	for _, room := range candidates {
		if len(room.Participants) == 0 {
			expired = append(expired, room)
		}
	}
	return expired, nil
}

// Delete 根据房间码删除房间
func (r *GormRoomRepository) Delete(ctx context.Context, code string) error {
	result := r.db.WithContext(ctx).Where("code = ?", code).Delete(&domain.Room{})
	if result.Error != nil {
		return fmt.Errorf("gorm: delete room '%s': %w", code, result.Error)
	}
	if result.RowsAffected == 0 {
		return repository.ErrRoomNotFound
	}
	return nil
}

// IsCodeExists 检查房间码是否存在
func (r *GormRoomRepository) IsCodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Room{}).Where("code = ?", code).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("gorm: count rooms by code '%s': %w", code, err)
	}
	return count > 0, nil
}

// isDuplicateEntry 识别唯一约束冲突：MySQL 的 1062，或开启 TranslateError 后的 gorm.ErrDuplicatedKey
func isDuplicateEntry(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
