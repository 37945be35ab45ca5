package receipt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const bucketName = "receipts"

// DB defines the interface for receipt record storage. Every write runs in a
// single transaction.
type DB interface {
	// CreateReceipt assigns the next ID to receipt and saves it
	CreateReceipt(ctx context.Context, receipt *Receipt) error

	// GetReceipt retrieves a receipt by ID
	GetReceipt(ctx context.Context, id int64) (*Receipt, error)

	// ListReceipts returns receipts ordered by ID
	ListReceipts(ctx context.Context, page Page) ([]*Receipt, error)

	// UpdateReceipt applies fn to the stored receipt and saves the result
	UpdateReceipt(ctx context.Context, id int64, fn func(*Receipt) error) (*Receipt, error)

	// DeleteReceipt removes a receipt from the database
	DeleteReceipt(ctx context.Context, id int64) error

	// SearchReceipts returns receipts matching criteria, ordered by ID
	SearchReceipts(ctx context.Context, criteria Criteria, page Page) ([]*Receipt, error)

	// SortReceipts returns receipts in the requested order
	SortReceipts(ctx context.Context, opts SortOptions, page Page) ([]*Receipt, error)

	TotalSpend(ctx context.Context) (float64, error)
	SpendStatistics(ctx context.Context) (SpendStatistics, error)
	VendorFrequency(ctx context.Context) ([]VendorCount, error)
	MonthlySpendTrend(ctx context.Context) ([]MonthlySpend, error)
	SpendByCategory(ctx context.Context) ([]CategorySpend, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB. Keys are big-endian IDs
// taken from the bucket sequence, so cursor order is ID order.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func decodeReceipt(data []byte) (*Receipt, error) {
	var receipt Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshaling receipt: %w", err)
	}
	return &receipt, nil
}

func putReceipt(bucket *bbolt.Bucket, receipt *Receipt) error {
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("marshaling receipt: %w", err)
	}
	return bucket.Put(itob(receipt.ID), data)
}

// CreateReceipt saves a new receipt and sets its ID
func (b *BoltDB) CreateReceipt(ctx context.Context, receipt *Receipt) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		stored := *receipt
		stored.ID = int64(seq)
		if err := putReceipt(bucket, &stored); err != nil {
			return err
		}
		receipt.ID = stored.ID
		return nil
	})
	if err != nil {
		return storageErr("saving receipt", err)
	}
	return nil
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(ctx context.Context, id int64) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketName)).Get(itob(id))
		if data == nil {
			return notFound(id)
		}
		var err error
		receipt, err = decodeReceipt(data)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, storageErr("getting receipt", err)
	}
	return receipt, nil
}

// scan visits receipts in ID order until fn returns false
func (b *BoltDB) scan(ctx context.Context, fn func(*Receipt) bool) error {
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketName)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			receipt, err := decodeReceipt(v)
			if err != nil {
				return err
			}
			if !fn(receipt) {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return storageErr("reading receipts", err)
	}
	return nil
}

// ListReceipts returns a page of receipts ordered by ID
func (b *BoltDB) ListReceipts(ctx context.Context, page Page) ([]*Receipt, error) {
	return b.SearchReceipts(ctx, Criteria{}, page)
}

// UpdateReceipt applies fn to a stored receipt inside one transaction
func (b *BoltDB) UpdateReceipt(ctx context.Context, id int64, fn func(*Receipt) error) (*Receipt, error) {
	var receipt *Receipt
	var fnErr error
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		data := bucket.Get(itob(id))
		if data == nil {
			return notFound(id)
		}
		var err error
		receipt, err = decodeReceipt(data)
		if err != nil {
			return err
		}
		if fnErr = fn(receipt); fnErr != nil {
			return fnErr
		}
		receipt.ID = id
		return putReceipt(bucket, receipt)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if fnErr != nil {
		return nil, fnErr
	}
	if err != nil {
		return nil, storageErr("updating receipt", err)
	}
	return receipt, nil
}

// DeleteReceipt removes a receipt from the database
func (b *BoltDB) DeleteReceipt(ctx context.Context, id int64) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket.Get(itob(id)) == nil {
			return notFound(id)
		}
		return bucket.Delete(itob(id))
	})
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if err != nil {
		return storageErr("deleting receipt", err)
	}
	return nil
}

// SearchReceipts returns a page of receipts matching criteria
func (b *BoltDB) SearchReceipts(ctx context.Context, criteria Criteria, page Page) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	skipped := 0
	err := b.scan(ctx, func(r *Receipt) bool {
		if !criteria.Matches(r) {
			return true
		}
		if skipped < page.Skip {
			skipped++
			return true
		}
		receipts = append(receipts, r)
		return !page.done(len(receipts))
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// SortReceipts returns a page of receipts in the requested order
func (b *BoltDB) SortReceipts(ctx context.Context, opts SortOptions, page Page) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.scan(ctx, func(r *Receipt) bool {
		receipts = append(receipts, r)
		return true
	})
	if err != nil {
		return nil, err
	}
	sortReceipts(receipts, opts)
	return page.apply(receipts), nil
}

func (b *BoltDB) accumulate(ctx context.Context, keepAmounts bool) (*spendAccumulator, error) {
	acc := newSpendAccumulator(keepAmounts)
	err := b.scan(ctx, func(r *Receipt) bool {
		acc.add(r)
		return true
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// TotalSpend sums every non-null amount
func (b *BoltDB) TotalSpend(ctx context.Context) (float64, error) {
	acc, err := b.accumulate(ctx, false)
	if err != nil {
		return 0, err
	}
	return acc.totalSpend(), nil
}

// SpendStatistics computes mean, median and mode of non-null amounts
func (b *BoltDB) SpendStatistics(ctx context.Context) (SpendStatistics, error) {
	acc, err := b.accumulate(ctx, true)
	if err != nil {
		return SpendStatistics{}, err
	}
	return acc.statistics(), nil
}

// VendorFrequency counts receipts per vendor
func (b *BoltDB) VendorFrequency(ctx context.Context) ([]VendorCount, error) {
	acc, err := b.accumulate(ctx, false)
	if err != nil {
		return nil, err
	}
	return acc.vendorFrequency(), nil
}

// MonthlySpendTrend sums amounts per transaction month
func (b *BoltDB) MonthlySpendTrend(ctx context.Context) ([]MonthlySpend, error) {
	acc, err := b.accumulate(ctx, false)
	if err != nil {
		return nil, err
	}
	return acc.monthlyTrend(), nil
}

// SpendByCategory sums amounts per category
func (b *BoltDB) SpendByCategory(ctx context.Context) ([]CategorySpend, error) {
	acc, err := b.accumulate(ctx, false)
	if err != nil {
		return nil, err
	}
	return acc.categorySpend(), nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
