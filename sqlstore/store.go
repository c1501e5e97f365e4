// Package sqlstore keeps a copy of a range index in a SQL table so the same
// lookups can be answered by a database.
package sqlstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ipindex/ipaddresses"
	"ipindex/rangeindex"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"lukechampine.com/uint128"
)

// DefaultBatchSize is used by Import when no batch size is given.
const DefaultBatchSize = 1000

// Range is one segment of an index. Keys are the segment bounds as 32 hex
// digits so that string order is address order for both families.
type Range struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	Family      uint8  `gorm:"not null;uniqueIndex:idx_ip_ranges_family_start,priority:1"`
	StartKey    string `gorm:"size:32;not null;uniqueIndex:idx_ip_ranges_family_start,priority:2"`
	EndKey      string `gorm:"size:32;not null"`
	RecordStart string `gorm:"size:39;not null"`
	RecordEnd   string `gorm:"size:39;not null"`
	Names       string `gorm:"type:text;not null"`
	Values      string `gorm:"type:text;not null"`
}

// TableName overrides the gorm default.
func (Range) TableName() string {
	return "ip_ranges"
}

// Store reads and writes Range rows.
type Store struct {
	logger zerolog.Logger
	db     *gorm.DB

	mu      sync.Mutex
	schemas map[string]*rangeindex.Schema
}

// Open connects to PostgreSQL. SQL statements slower than a second and
// errors are logged through logger.
func Open(logger zerolog.Logger, dsn string) (*Store, error) {
	gormLog := logger.With().Str("component", "sqlstore").Logger()
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.New(&gormLog, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open connection: %w", err)
	}
	return New(logger, db), nil
}

// New wraps an existing connection.
func New(logger zerolog.Logger, db *gorm.DB) *Store {
	return &Store{logger: logger, db: db, schemas: map[string]*rangeindex.Schema{}}
}

// Migrate creates or updates the ip_ranges table.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&Range{}); err != nil {
		return fmt.Errorf("sqlstore: auto migrate: %w", err)
	}
	return nil
}

// Import replaces every row of idx's family with the segments of idx, in
// one transaction. It returns the number of rows written.
func (s *Store) Import(ctx context.Context, idx *rangeindex.Index, batchSize int) (n int, err error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	family := idx.Family()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("family = ?", uint8(family)).Delete(&Range{}).Error; err != nil {
			return err
		}

		batch := make([]Range, 0, batchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			if err := tx.CreateInBatches(&batch, batchSize).Error; err != nil {
				return err
			}
			n += len(batch)
			batch = batch[:0]
			return nil
		}

		var ferr error
		idx.EachSpan(func(start, end uint128.Uint128, owner rangeindex.Record) bool {
			var row Range
			if row, ferr = newRange(family, start, end, owner); ferr != nil {
				return false
			}
			batch = append(batch, row)
			if len(batch) == batchSize {
				ferr = flush()
			}
			return ferr == nil
		})
		if ferr != nil {
			return ferr
		}
		return flush()
	})
	if err != nil {
		n = 0
		err = fmt.Errorf("sqlstore: import %s ranges: %w", family, err)
		return
	}

	s.logger.Info().Str("family", family.String()).Int("rows", n).Msg("Range index exported to SQL")
	return
}

// Lookup finds the segment containing addr. Like rangeindex.Index.LookupString
// a malformed address is reported in the result, not as an error.
func (s *Store) Lookup(ctx context.Context, family ipaddresses.Family, addr string) (res rangeindex.Result, err error) {
	res.Family = family

	ip, perr := ipaddresses.ParseAddress(addr, family)
	if perr != nil {
		res.Malformed = true
		res.Attributes, err = s.unknown(ctx, family)
		return
	}

	key := rangeKey(ip)
	var row Range
	err = s.containing(ctx, family, key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		res.Attributes, err = s.unknown(ctx, family)
		return
	}
	if err != nil {
		err = fmt.Errorf("sqlstore: lookup %s: %w", addr, err)
		return
	}

	end, err := parseRangeKey(row.EndKey)
	if err != nil {
		err = fmt.Errorf("sqlstore: row %d: %w", row.ID, err)
		return
	}
	if end.Cmp(ip) < 0 {
		res.Attributes, err = s.unknown(ctx, family)
		return
	}

	if res.Record, err = s.record(row, family); err != nil {
		return
	}
	res.Found = true
	return
}

// containing selects the last segment starting at or before key. The caller
// still has to check that the segment ends at or after key.
func (s *Store) containing(ctx context.Context, family ipaddresses.Family, key string) *gorm.DB {
	return s.db.WithContext(ctx).
		Where("family = ? AND start_key <= ?", uint8(family), key).
		Order("start_key DESC")
}

// unknown builds the not-found attributes from any stored row of the family.
func (s *Store) unknown(ctx context.Context, family ipaddresses.Family) (rangeindex.Attributes, error) {
	var row Range
	err := s.db.WithContext(ctx).Where("family = ?", uint8(family)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rangeindex.NewSchema().Unknown(), nil
	}
	if err != nil {
		return rangeindex.Attributes{}, fmt.Errorf("sqlstore: load schema: %w", err)
	}

	schema, err := s.schema(row.Names)
	if err != nil {
		return rangeindex.Attributes{}, err
	}
	return schema.Unknown(), nil
}

func (s *Store) record(row Range, family ipaddresses.Family) (r rangeindex.Record, err error) {
	if r.Start, err = ipaddresses.ParseAddress(row.RecordStart, family); err != nil {
		err = fmt.Errorf("sqlstore: row %d: %w", row.ID, err)
		return
	}
	if r.End, err = ipaddresses.ParseAddress(row.RecordEnd, family); err != nil {
		err = fmt.Errorf("sqlstore: row %d: %w", row.ID, err)
		return
	}

	schema, err := s.schema(row.Names)
	if err != nil {
		return
	}
	var values []string
	if err = json.Unmarshal([]byte(row.Values), &values); err != nil {
		err = fmt.Errorf("sqlstore: row %d values: %w", row.ID, err)
		return
	}
	r.Attributes = schema.New(values...)
	return
}

// schema returns one shared Schema per distinct column list.
func (s *Store) schema(names string) (*rangeindex.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if schema, ok := s.schemas[names]; ok {
		return schema, nil
	}

	var list []string
	if err := json.Unmarshal([]byte(names), &list); err != nil {
		return nil, fmt.Errorf("sqlstore: attribute names: %w", err)
	}
	schema := rangeindex.NewSchema(list...)
	s.schemas[names] = schema
	return schema, nil
}

func newRange(family ipaddresses.Family, start, end uint128.Uint128, owner rangeindex.Record) (row Range, err error) {
	names, err := json.Marshal(nonNil(owner.Attributes.Keys()))
	if err != nil {
		return
	}
	values, err := json.Marshal(nonNil(owner.Attributes.Values()))
	if err != nil {
		return
	}

	row = Range{
		Family:      uint8(family),
		StartKey:    rangeKey(start),
		EndKey:      rangeKey(end),
		RecordStart: ipaddresses.ToString(owner.Start, family),
		RecordEnd:   ipaddresses.ToString(owner.End, family),
		Names:       string(names),
		Values:      string(values),
	}
	return
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// rangeKey renders ip as 32 lower-case hex digits.
func rangeKey(ip uint128.Uint128) string {
	var b [16]byte
	ip.PutBytesBE(b[:])
	return hex.EncodeToString(b[:])
}

// parseRangeKey is the inverse of rangeKey.
func parseRangeKey(key string) (ip uint128.Uint128, err error) {
	b, err := hex.DecodeString(strings.TrimSpace(key))
	if err != nil {
		return
	}
	if len(b) != 16 {
		err = fmt.Errorf("range key %q is not 16 bytes", key)
		return
	}
	ip = uint128.FromBytesBE(b)
	return
}
