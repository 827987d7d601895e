package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BalanceRecord mirrors the balance_records table. The non-negative checks
// are the store-level backstop behind the service's own preconditions.
type BalanceRecord struct {
	UserID            string `gorm:"primaryKey"`
	PictureCredits    int64  `gorm:"not null;default:0;check:chk_picture_credits,picture_credits >= 0"`
	BonusCredits      int64  `gorm:"not null;default:0;check:chk_bonus_credits,bonus_credits >= 0"`
	DailyScansUsed    int64  `gorm:"not null;default:0;check:chk_daily_scans_used,daily_scans_used >= 0"`
	LastScanDate      string `gorm:"not null;default:''"`
	LastCreditRefill  *time.Time
	LastPurchasedPack *string
	Version           int64     `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (BalanceRecord) TableName() string { return "balance_records" }

// PurchaseReceipt mirrors the purchase_receipts table.
type PurchaseReceipt struct {
	ReceiptID string         `gorm:"type:uuid;primaryKey"`
	UserID    string         `gorm:"not null;index:idx_receipts_user_created,priority:1"`
	ProductID string         `gorm:"not null"`
	Amount    int64          `gorm:"not null"`
	Metadata  datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null;index:idx_receipts_user_created,priority:2"`
}

func (PurchaseReceipt) TableName() string { return "purchase_receipts" }

func (receipt *PurchaseReceipt) BeforeCreate(tx *gorm.DB) error {
	if receipt.ReceiptID == "" {
		receipt.ReceiptID = uuid.NewString()
	}
	return nil
}
