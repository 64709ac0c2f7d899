// Package archive persists the receipts and events of published
// commits into a sqlite database, so callers can look execution
// history up by root or topic after the sessions that produced it are
// gone.
package archive

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/govm-net/pagevm/types"
)

// DBReceipt represents a call receipt in the database.
type DBReceipt struct {
	gorm.Model
	Root     string `gorm:"column:commit_root;not null;index;size:64"`
	Contract string `gorm:"column:contract_id;not null;index;size:64"`
	Function string `gorm:"column:function_name;not null;size:255"`
	GasLimit uint64 `gorm:"column:gas_limit;not null"`
	GasSpent uint64 `gorm:"column:gas_spent;not null"`
	Data     []byte `gorm:"column:return_data;type:blob;default:''"`
	Error    string `gorm:"column:call_error;default:''"`
}

// TableName specifies the table name for DBReceipt
func (DBReceipt) TableName() string {
	return "receipts"
}

// DBEvent represents an emitted event in the database.
type DBEvent struct {
	gorm.Model
	Root   string `gorm:"column:commit_root;not null;index;size:64"`
	Source string `gorm:"column:source_contract;not null;index;size:64"`
	Topic  string `gorm:"column:topic;not null;index;size:255"`
	Data   []byte `gorm:"column:event_data;type:blob;default:''"`
}

// TableName specifies the table name for DBEvent
func (DBEvent) TableName() string {
	return "events"
}

// Archive is a receipt/event archive over sqlite.
type Archive struct {
	db *gorm.DB
}

// Open opens (or creates) the archive database at the given path.
func Open(path string) (*Archive, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	if err := db.AutoMigrate(&DBReceipt{}, &DBEvent{}); err != nil {
		return nil, fmt.Errorf("failed to migrate archive schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Record stores the receipts of a published commit together with
// their events.
func (a *Archive) Record(root types.Hash, receipts []*types.CallReceipt) error {
	return a.db.Transaction(func(tx *gorm.DB) error {
		for _, r := range receipts {
			rec := &DBReceipt{
				Root:     root.String(),
				GasLimit: r.GasLimit,
				GasSpent: r.GasSpent,
				Data:     r.Data,
			}
			if r.CallTree != nil {
				rec.Contract = r.CallTree.Elem.ContractId.String()
				rec.Function = r.CallTree.Elem.Fn
			}
			if r.Err != nil {
				rec.Error = r.Err.Error()
			}
			if err := tx.Create(rec).Error; err != nil {
				return fmt.Errorf("failed to store receipt: %w", err)
			}
			for _, ev := range r.Events {
				dbEv := &DBEvent{
					Root:   root.String(),
					Source: ev.Source.String(),
					Topic:  ev.Topic,
					Data:   ev.Data,
				}
				if err := tx.Create(dbEv).Error; err != nil {
					return fmt.Errorf("failed to store event: %w", err)
				}
			}
		}
		return nil
	})
}

// Receipts returns the stored receipts of a commit.
func (a *Archive) Receipts(root types.Hash) ([]DBReceipt, error) {
	var out []DBReceipt
	err := a.db.Where("commit_root = ?", root.String()).
		Order("id asc").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	return out, nil
}

// EventsByTopic returns all stored events with the given topic.
func (a *Archive) EventsByTopic(topic string) ([]DBEvent, error) {
	var out []DBEvent
	err := a.db.Where("topic = ?", topic).Order("id asc").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return out, nil
}

// Events returns the stored events of a commit in emission order.
func (a *Archive) Events(root types.Hash) ([]DBEvent, error) {
	var out []DBEvent
	err := a.db.Where("commit_root = ?", root.String()).
		Order("id asc").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
