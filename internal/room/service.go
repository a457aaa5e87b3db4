package room

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
	"github.com/koopa0/system-design/14-room-sync/pkg/shortid"
)

// Options 房間建立參數
type Options struct {
	IDLength        int           // 房間碼長度
	CreateRetries   int           // ID 衝突時的重試預算
	DefaultPosLimit int           // 預設座位數
	TTL             time.Duration // 房間存活時間
}

// DefaultOptions 預設參數
func DefaultOptions() Options {
	return Options{
		IDLength:        4,
		CreateRetries:   3,
		DefaultPosLimit: 2,
		TTL:             7 * 24 * time.Hour,
	}
}

// IDGenerator 產生候選房間碼
type IDGenerator func(length int) (string, error)

// TypeChecker 檢查房間類型是否受支援，nil 表示接受任何非空類型
type TypeChecker func(roomType string) error

// Service 房間建立與讀取
type Service struct {
	store  Store
	opts   Options
	genID  IDGenerator
	check  TypeChecker
	now    func() time.Time
	logger *slog.Logger
}

// NewService 創建房間服務
func NewService(store Store, opts Options, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		opts:   opts,
		genID:  shortid.Generate,
		now:    time.Now,
		logger: logger,
	}
}

// WithIDGenerator 替換 ID 產生器（測試用：強制衝突）
func (s *Service) WithIDGenerator(gen IDGenerator) *Service {
	s.genID = gen
	return s
}

// WithTypeChecker 建立房間時檢查類型
func (s *Service) WithTypeChecker(check TypeChecker) *Service {
	s.check = check
	return s
}

// CreateRoom 建立房間
//
// 流程：
//  1. 產生固定長度的隨機碼
//  2. 條件建立（ID 不存在才寫入，version = 1）
//  3. ID 已存在 → 換一個碼重試
//  4. 重試預算用完 → SERVICE_UNAVAILABLE
//
// 房間碼長度固定，不會因為重複衝突而加長；
// 在極端競爭下不保證一定能取得可用的碼。
func (s *Service) CreateRoom(ctx context.Context, roomType string) (*Room, error) {
	if roomType == "" {
		return nil, apperrors.ErrInvalidParam.WithDetails("type is required")
	}
	if s.check != nil {
		if err := s.check(roomType); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC().Truncate(time.Second)
	r := &Room{
		Type:      roomType,
		Stage:     StageLobby,
		PosLimit:  s.opts.DefaultPosLimit,
		Members:   []Member{},
		Version:   1,
		CreatedAt: now,
		ExpiresAt: now.Add(s.opts.TTL),
	}

	for attempt := 0; attempt < s.opts.CreateRetries; attempt++ {
		id, err := s.genID(s.opts.IDLength)
		if err != nil {
			return nil, fmt.Errorf("generate room id: %w", err)
		}
		r.ID = id

		err = s.store.Create(ctx, r)
		if err == nil {
			s.logger.InfoContext(ctx, "房間已創建",
				"room_id", r.ID,
				"type", r.Type,
				"attempts", attempt+1)
			return r, nil
		}
		if !apperrors.IsAlreadyExists(err) {
			return nil, fmt.Errorf("create room: %w", err)
		}

		s.logger.DebugContext(ctx, "房間碼衝突，重試", "room_id", id, "attempt", attempt+1)
	}

	return nil, apperrors.ErrServiceUnavailable.WithDetails(
		fmt.Sprintf("Unable to create room after maximum retries %d", s.opts.CreateRetries))
}

// GetRoom 讀取房間快照
func (s *Service) GetRoom(ctx context.Context, id string) (*Room, error) {
	if !shortid.IsValid(id) {
		return nil, apperrors.ErrRoomNotFound
	}
	return s.store.Get(ctx, id)
}
