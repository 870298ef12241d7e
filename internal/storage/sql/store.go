package sql

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lnemail/backend/internal/domain"
	"lnemail/backend/internal/storage"
)

// Store SQL 台账存储实现（支持 PostgreSQL 和 MySQL）。
//
// 恰好一次迁移依赖数据库的条件 UPDATE（比较并交换意向状态），
// 因为后台工作者可能分布在多个进程中，进程内锁不足以保证互斥。
type Store struct {
	db         *gorm.DB
	driverName string // "postgres" or "mysql"
}

// NewStore 创建 SQL 存储。
func NewStore(driverName, dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*Store, error) {
	var dialector gorm.Dialector
	switch driverName {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql)", driverName)
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access underlying connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: gormDB, driverName: driverName}, nil
}

// AutoMigrate 执行表结构迁移。
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&domain.Account{},
		&domain.PaymentIntent{},
		&domain.OutboundEmail{},
	)
}

// ========== 账户 ==========

// CreateAccount 保存新账户。
func (s *Store) CreateAccount(account *domain.Account) error {
	if err := s.db.Create(account).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return storage.ErrDuplicateAccount
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetAccountByToken 按访问令牌查找账户。
func (s *Store) GetAccountByToken(token string) (*domain.Account, error) {
	return s.getAccount("access_token = ?", token)
}

// GetAccountByAddress 按邮箱地址查找账户。
func (s *Store) GetAccountByAddress(address string) (*domain.Account, error) {
	return s.getAccount("email_address = ?", address)
}

// GetAccountByPaymentHash 按开通发票的支付哈希查找账户。
func (s *Store) GetAccountByPaymentHash(hash string) (*domain.Account, error) {
	return s.getAccount("payment_hash = ?", hash)
}

// GetAccountByRenewalHash 按在途续费发票的支付哈希查找账户。
func (s *Store) GetAccountByRenewalHash(hash string) (*domain.Account, error) {
	return s.getAccount("renewal_payment_hash = ?", hash)
}

func (s *Store) getAccount(query string, args ...interface{}) (*domain.Account, error) {
	var account domain.Account
	err := s.db.Where(query, args...).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to query account: %w", err)
	}
	return &account, nil
}

// UpdateAccount 整体更新账户。
//
// 使用 Save 以便把 RenewalPaymentHash 置空之类的零值写回。
func (s *Store) UpdateAccount(account *domain.Account) error {
	result := s.db.Save(account)
	if result.Error != nil {
		return fmt.Errorf("failed to update account: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrAccountNotFound
	}
	return nil
}

// ExpireAccounts 翻转有效期已过的 active 账户，返回受影响的账户。
func (s *Store) ExpireAccounts(now time.Time) ([]domain.Account, error) {
	var expired []domain.Account
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("status = ? AND expires_at < ?", domain.AccountStatusActive, now).
			Find(&expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		ids := make([]uint, 0, len(expired))
		for i := range expired {
			ids = append(ids, expired[i].ID)
			expired[i].Status = domain.AccountStatusExpired
		}
		return tx.Model(&domain.Account{}).
			Where("id IN ?", ids).
			Update("status", domain.AccountStatusExpired).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to expire accounts: %w", err)
	}
	return expired, nil
}

// ========== 支付意向 ==========

// CreateIntent 保存新的支付意向。
func (s *Store) CreateIntent(intent *domain.PaymentIntent) error {
	if err := s.db.Create(intent).Error; err != nil {
		return fmt.Errorf("failed to create payment intent: %w", err)
	}
	return nil
}

// GetIntent 按支付哈希查找意向。
func (s *Store) GetIntent(hash string) (*domain.PaymentIntent, error) {
	var intent domain.PaymentIntent
	err := s.db.Where("payment_hash = ?", hash).First(&intent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrIntentNotFound
		}
		return nil, fmt.Errorf("failed to query payment intent: %w", err)
	}
	return &intent, nil
}

// MarkIntentPaid 条件迁移 pending -> paid。
func (s *Store) MarkIntentPaid(hash string, settledAt time.Time) error {
	return s.transition(hash, map[string]interface{}{
		"status":     domain.PaymentStatusPaid,
		"settled_at": settledAt,
	})
}

// MarkIntentExpired 条件迁移 pending -> expired。
func (s *Store) MarkIntentExpired(hash string) error {
	return s.transition(hash, map[string]interface{}{
		"status": domain.PaymentStatusExpired,
	})
}

// MarkIntentFailed 条件迁移 pending -> failed。
func (s *Store) MarkIntentFailed(hash string) error {
	return s.transition(hash, map[string]interface{}{
		"status": domain.PaymentStatusFailed,
	})
}

// transition 通过条件 UPDATE 实现比较并交换：WHERE 限定 status 仍为 pending，
// 影响行数为零时区分"记录不存在"与"已被其他工作者迁移"。
func (s *Store) transition(hash string, updates map[string]interface{}) error {
	result := s.db.Model(&domain.PaymentIntent{}).
		Where("payment_hash = ? AND status = ?", hash, domain.PaymentStatusPending).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to transition payment intent: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.Model(&domain.PaymentIntent{}).
			Where("payment_hash = ?", hash).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to verify payment intent: %w", err)
		}
		if count == 0 {
			return storage.ErrIntentNotFound
		}
		return storage.ErrIntentNotPending
	}
	return nil
}

// ListPendingIntents 返回所有 pending 意向。
func (s *Store) ListPendingIntents() ([]domain.PaymentIntent, error) {
	var intents []domain.PaymentIntent
	err := s.db.Where("status = ?", domain.PaymentStatusPending).Find(&intents).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending intents: %w", err)
	}
	return intents, nil
}

// ExpirePendingIntents 批量翻转截止时间已过的 pending 意向。
func (s *Store) ExpirePendingIntents(now time.Time) (int, error) {
	result := s.db.Model(&domain.PaymentIntent{}).
		Where("status = ? AND expires_at < ?", domain.PaymentStatusPending, now).
		Update("status", domain.PaymentStatusExpired)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to expire pending intents: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

// ========== 外发邮件 ==========

// CreateOutbound 保存外发邮件。
func (s *Store) CreateOutbound(email *domain.OutboundEmail) error {
	if err := s.db.Create(email).Error; err != nil {
		return fmt.Errorf("failed to create outbound email: %w", err)
	}
	return nil
}

// GetOutbound 按 ID 查找外发邮件。
func (s *Store) GetOutbound(id uint) (*domain.OutboundEmail, error) {
	var email domain.OutboundEmail
	err := s.db.First(&email, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrOutboundNotFound
		}
		return nil, fmt.Errorf("failed to query outbound email: %w", err)
	}
	return &email, nil
}

// GetOutboundByPaymentHash 按支付哈希查找外发邮件。
func (s *Store) GetOutboundByPaymentHash(hash string) (*domain.OutboundEmail, error) {
	var email domain.OutboundEmail
	err := s.db.Where("payment_hash = ?", hash).First(&email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrOutboundNotFound
		}
		return nil, fmt.Errorf("failed to query outbound email: %w", err)
	}
	return &email, nil
}

// UpdateOutbound 整体更新外发邮件。
func (s *Store) UpdateOutbound(email *domain.OutboundEmail) error {
	result := s.db.Save(email)
	if result.Error != nil {
		return fmt.Errorf("failed to update outbound email: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrOutboundNotFound
	}
	return nil
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 健康检查。
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
