package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"testing"

	"ipindex/ipaddresses"
	"ipindex/rangeindex"
	"ipindex/testutils"

	"github.com/stretchr/testify/assert"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"lukechampine.com/uint128"
)

// newDryRunStore builds statements without ever connecting to a server.
func newDryRunStore(t *testing.T) *Store {
	db, err := gorm.Open(postgres.Open("host=localhost user=ipindex dbname=ipindex sslmode=disable"), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
	})
	assert.Nil(t, err)
	return New(testutils.NewTestLogger(t), db)
}

func TestRangeKeyOrderMatchesAddressOrder(t *testing.T) {
	assert := assert.New(t)

	// Arrange
	ips := []uint128.Uint128{
		uint128.Max,
		uint128.From64(16777472),
		uint128.Zero,
		uint128.From64(0xffffffff),
		uint128.New(0, 1),
		uint128.From64(255),
		uint128.From64(256),
	}
	keys := make([]string, len(ips))
	for i, ip := range ips {
		keys[i] = rangeKey(ip)
	}

	// Act
	sort.Strings(keys)
	sort.Slice(ips, func(i, j int) bool { return ips[i].Cmp(ips[j]) < 0 })

	// Assert
	for i, key := range keys {
		assert.Len(key, 32)
		back, err := parseRangeKey(key)
		assert.Nil(err)
		assert.Equal(ips[i], back)
	}
	assert.Equal("00000000000000000000000001000100", rangeKey(uint128.From64(16777472)))
}

func TestParseRangeKeyRejectsBadKeys(t *testing.T) {
	assert := assert.New(t)

	for _, key := range []string{"", "zz", "0001", "000000000000000000000000010001000"} {
		_, err := parseRangeKey(key)
		assert.Error(err, key)
	}
}

func TestNewRangeKeepsOwnerRecord(t *testing.T) {
	assert := assert.New(t)

	// Arrange
	schema := rangeindex.NewSchema("asn", "netname")
	owner := rangeindex.Record{
		Start:      uint128.From64(67108864),
		End:        uint128.From64(83886079),
		Attributes: schema.New("3356", "LVLT-1"),
	}

	// Act
	row, err := newRange(ipaddresses.IPv4, uint128.From64(67117056), uint128.From64(83886079), owner)

	// Assert
	assert.Nil(err)
	assert.Equal(uint8(4), row.Family)
	assert.Equal(rangeKey(uint128.From64(67117056)), row.StartKey)
	assert.Equal("4.0.0.0", row.RecordStart)
	assert.Equal("4.255.255.255", row.RecordEnd)
	assert.Equal(`["asn","netname"]`, row.Names)
	assert.Equal(`["3356","LVLT-1"]`, row.Values)
}

func TestStoreRecordRoundTrip(t *testing.T) {
	assert := assert.New(t)

	// Arrange
	store := newDryRunStore(t)
	schema := rangeindex.NewSchema("country", "city")
	owner := rangeindex.Record{
		Start:      uint128.From64(16777218),
		End:        uint128.From64(16777471),
		Attributes: schema.New("AU", "Brisbane"),
	}
	row, err := newRange(ipaddresses.IPv4, owner.Start, owner.End, owner)
	assert.Nil(err)

	// Act
	got, err := store.record(row, ipaddresses.IPv4)
	again, _ := store.record(row, ipaddresses.IPv4)

	// Assert
	assert.Nil(err)
	assert.Equal(owner.Start, got.Start)
	assert.Equal(owner.End, got.End)
	assert.True(owner.Attributes.Equal(got.Attributes))
	assert.Same(got.Attributes.Schema(), again.Attributes.Schema())
}

func TestStoreRecordRejectsBadRows(t *testing.T) {
	assert := assert.New(t)

	store := newDryRunStore(t)
	good := Range{ID: 7, RecordStart: "1.0.0.0", RecordEnd: "1.0.0.255", Names: `["country"]`, Values: `["AU"]`}

	bad := good
	bad.RecordEnd = "2001:db8::1"
	_, err := store.record(bad, ipaddresses.IPv4)
	assert.Error(err)

	bad = good
	bad.Values = "not json"
	_, err = store.record(bad, ipaddresses.IPv4)
	assert.Error(err)

	bad = good
	bad.Names = "{"
	_, err = store.record(bad, ipaddresses.IPv4)
	assert.Error(err)
}

func TestStoreContainingQuery(t *testing.T) {
	assert := assert.New(t)

	store := newDryRunStore(t)
	var row Range

	stmt := store.containing(context.Background(), ipaddresses.IPv6, rangeKey(uint128.From64(42))).Take(&row).Statement
	sql := stmt.SQL.String()

	assert.Contains(sql, `FROM "ip_ranges"`)
	assert.Contains(sql, "family = $1 AND start_key <= $2")
	assert.Contains(sql, "ORDER BY start_key DESC")
	assert.Contains(sql, "LIMIT $3")
	assert.Len(stmt.Vars, 3)
	assert.Equal(uint8(6), stmt.Vars[0])
	assert.Equal(rangeKey(uint128.From64(42)), stmt.Vars[1])
	assert.EqualValues(1, stmt.Vars[2])
}

func buildTestNetblockIndex(t *testing.T) *rangeindex.Index {
	schema := rangeindex.NewSchema("country")
	b := rangeindex.NewNetblockBuilder(testutils.NewTestLogger(t), ipaddresses.IPv4)
	b.AddRange(uint128.From64(0), uint128.From64(99), schema.New("A"))
	b.AddRange(uint128.From64(10), uint128.From64(19), schema.New("B"))
	b.AddRange(uint128.From64(200), uint128.From64(299), schema.New("C"))
	idx, _ := b.Build()
	return idx
}

func TestStoreImportWritesSegmentsInBatches(t *testing.T) {
	assert := assert.New(t)

	// Arrange
	table := newMemoryTable(t)
	store := New(testutils.NewTestLogger(t), table.db)

	// Act
	n, err := store.Import(context.Background(), buildTestNetblockIndex(t), 3)

	// Assert
	assert.Nil(err)
	assert.Equal(4, n)
	assert.Equal([]int{3, 1}, table.batches)
	assert.Equal(1, table.deletes)
	assert.Equal(1, table.commits)

	var segments []string
	for _, row := range table.rows {
		start, _ := parseRangeKey(row.StartKey)
		end, _ := parseRangeKey(row.EndKey)
		segments = append(segments, row.Values+":"+start.String()+"-"+end.String())
	}
	assert.Equal([]string{`["A"]:0-9`, `["B"]:10-19`, `["A"]:20-99`, `["C"]:200-299`}, segments)
	assert.Equal("0.0.0.0", table.rows[2].RecordStart)
	assert.Equal("0.0.0.99", table.rows[2].RecordEnd)
}

func TestStoreLookup(t *testing.T) {
	assert := assert.New(t)

	// Arrange
	table := newMemoryTable(t)
	store := New(testutils.NewTestLogger(t), table.db)
	_, err := store.Import(context.Background(), buildTestNetblockIndex(t), 0)
	assert.Nil(err)
	ctx := context.Background()

	// Act
	inner, innerErr := store.Lookup(ctx, ipaddresses.IPv4, "0.0.0.15")
	outer, outerErr := store.Lookup(ctx, ipaddresses.IPv4, "50")
	gap, gapErr := store.Lookup(ctx, ipaddresses.IPv4, "0.0.0.150")
	past, pastErr := store.Lookup(ctx, ipaddresses.IPv4, "1.0.0.0")
	bogus, bogusErr := store.Lookup(ctx, ipaddresses.IPv4, "bogus")

	// Assert
	assert.Nil(innerErr)
	assert.True(inner.Found)
	assert.Equal("B", inner.Attributes.Value("country"))
	assert.Equal("0.0.0.10", inner.StartAddr())
	assert.Equal("0.0.0.19", inner.EndAddr())

	assert.Nil(outerErr)
	assert.True(outer.Found)
	assert.Equal("A", outer.Attributes.Value("country"))
	assert.Equal("0.0.0.0", outer.StartAddr())
	assert.Equal("0.0.0.99", outer.EndAddr())

	for _, miss := range []struct {
		res rangeindex.Result
		err error
	}{{gap, gapErr}, {past, pastErr}} {
		assert.Nil(miss.err)
		assert.False(miss.res.Found)
		assert.False(miss.res.Malformed)
		assert.Equal(rangeindex.Unknown, miss.res.Attributes.Value("country"))
	}

	assert.Nil(bogusErr)
	assert.True(bogus.Malformed)
	assert.False(bogus.Found)
	assert.Equal([]string{"country"}, bogus.Attributes.Keys())
	assert.Equal(rangeindex.Unknown, bogus.Attributes.Value("country"))
}

func TestStoreLookupEmptyTable(t *testing.T) {
	assert := assert.New(t)

	table := newMemoryTable(t)
	store := New(testutils.NewTestLogger(t), table.db)

	res, err := store.Lookup(context.Background(), ipaddresses.IPv6, "2001:db8::1")

	assert.Nil(err)
	assert.False(res.Found)
	assert.Zero(res.Attributes.Len())
}

var errNoServer = errors.New("no database server in tests")

// memoryConn stands in for a connection. In dry-run mode gorm never
// executes statements, it only needs something to begin and commit on.
type memoryConn struct {
	table *memoryTable
}

func (memoryConn) PrepareContext(context.Context, string) (*sql.Stmt, error) {
	return nil, errNoServer
}

func (memoryConn) ExecContext(context.Context, string, ...interface{}) (sql.Result, error) {
	return nil, errNoServer
}

func (memoryConn) QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error) {
	return nil, errNoServer
}

func (memoryConn) QueryRowContext(context.Context, string, ...interface{}) *sql.Row {
	return nil
}

type memoryConnPool struct {
	memoryConn
}

func (p memoryConnPool) BeginTx(context.Context, *sql.TxOptions) (gorm.ConnPool, error) {
	return &memoryTx{memoryConn: p.memoryConn}, nil
}

type memoryTx struct {
	memoryConn
}

func (tx *memoryTx) Commit() error {
	tx.table.commits++
	return nil
}

func (tx *memoryTx) Rollback() error {
	return nil
}

// memoryTable answers the store's statements from a slice of rows through
// gorm callbacks that run after the dry-run statement has been built.
type memoryTable struct {
	db      *gorm.DB
	rows    []Range
	batches []int
	deletes int
	commits int
}

func newMemoryTable(t *testing.T) *memoryTable {
	table := &memoryTable{}
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: memoryConnPool{memoryConn{table: table}}}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
	})
	assert.Nil(t, err)

	assert.Nil(t, db.Callback().Create().After("gorm:create").Register("memory:create", table.create))
	assert.Nil(t, db.Callback().Delete().After("gorm:delete").Register("memory:delete", table.delete))
	assert.Nil(t, db.Callback().Query().After("gorm:query").Register("memory:query", table.query))
	table.db = db
	return table
}

func (m *memoryTable) create(db *gorm.DB) {
	rows, ok := db.Statement.Dest.([]Range)
	if !ok {
		db.AddError(errNoServer)
		return
	}
	for _, row := range rows {
		row.ID = uint64(len(m.rows) + 1)
		m.rows = append(m.rows, row)
	}
	m.batches = append(m.batches, len(rows))
	db.RowsAffected = int64(len(rows))
}

func (m *memoryTable) delete(db *gorm.DB) {
	family := db.Statement.Vars[0].(uint8)
	kept := m.rows[:0]
	for _, row := range m.rows {
		if row.Family != family {
			kept = append(kept, row)
		}
	}
	m.rows = kept
	m.deletes++
}

func (m *memoryTable) query(db *gorm.DB) {
	dest, ok := db.Statement.Dest.(*Range)
	if !ok {
		db.AddError(errNoServer)
		return
	}
	family := db.Statement.Vars[0].(uint8)

	var found *Range
	for i := range m.rows {
		row := &m.rows[i]
		if row.Family != family {
			continue
		}
		if strings.Contains(db.Statement.SQL.String(), "start_key <=") {
			key := db.Statement.Vars[1].(string)
			if row.StartKey > key || (found != nil && found.StartKey > row.StartKey) {
				continue
			}
		} else if found != nil {
			break
		}
		found = row
	}

	if found == nil {
		db.AddError(gorm.ErrRecordNotFound)
		return
	}
	*dest = *found
	db.RowsAffected = 1
}
