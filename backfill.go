package dbmigrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/spf13/cast"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Natural key columns of every backfill target table.
const (
	ReferenceTypeColumn = "reference_type"
	ReferenceIDColumn   = "reference_id"
)

// DefaultBatchSize is the number of source rows reconciled per transaction
// when a backfill does not set one.
const DefaultBatchSize = 500

// Row is a database row keyed by column name.
type Row map[string]any

// Float returns the named column as a float64.
func (r Row) Float(col string) (float64, error) {
	v, err := cast.ToFloat64E(r[col])
	if err != nil {
		return 0, fmt.Errorf("column %s: %w", col, err)
	}
	return v, nil
}

// Int returns the named column as an int64.
func (r Row) Int(col string) (int64, error) {
	v, err := cast.ToInt64E(r[col])
	if err != nil {
		return 0, fmt.Errorf("column %s: %w", col, err)
	}
	return v, nil
}

// String returns the named column as a string; NULL becomes "".
func (r Row) String(col string) string {
	return cast.ToString(r[col])
}

// SourceSpec describes the table a backfill reads from.
type SourceSpec struct {
	Table string
	// Key is a unique, ordered column. It drives keyset pagination and its
	// value becomes the target's reference_id.
	Key string
	// Columns are read in addition to Key.
	Columns []string
}

// TargetSpec describes the derived table and who owns which of its
// columns.
type TargetSpec struct {
	Table         string
	ReferenceType string
	// Owned columns are overwritten with freshly derived values on every run.
	Owned []string
	// InsertOnly columns are written when the row is first created and left
	// alone afterwards.
	InsertOnly []string
	// Foreign columns belong to someone else and are never written.
	Foreign []string
}

// DeriveFunc computes the target columns for a source row. Returning a nil
// row excludes the source row.
type DeriveFunc func(src Row) (Row, error)

// RowFilter selects the source rows a backfill reconciles. The predicate is
// pushed into the source query and evaluated again against the derived
// row, so a row whose derived value no longer qualifies is never written.
type RowFilter interface {
	sq.Sqlizer
	// SourceColumns are the source columns MatchSource reads. The cursor
	// always selects them.
	SourceColumns() []string
	MatchSource(src Row) bool
	MatchDerived(derived Row) bool
}

// ThresholdFilter keeps rows whose column is strictly greater than
// Threshold.
type ThresholdFilter struct {
	Column string
	// DerivedColumn is the column checked on the derived row. Defaults to
	// Column. Derived rows without it are judged by the source alone.
	DerivedColumn string
	Threshold     float64
}

// GreaterThan returns a filter keeping rows with column > threshold.
func GreaterThan(column string, threshold float64) *ThresholdFilter {
	return &ThresholdFilter{Column: column, DerivedColumn: column, Threshold: threshold}
}

// OnDerived returns a copy of the filter checking col on the derived row.
func (f *ThresholdFilter) OnDerived(col string) *ThresholdFilter {
	new := *f
	new.DerivedColumn = col
	return &new
}

// ToSql implements sq.Sqlizer.
func (f *ThresholdFilter) ToSql() (string, []any, error) {
	return sq.Gt{f.Column: f.Threshold}.ToSql()
}

// SourceColumns implements RowFilter.
func (f *ThresholdFilter) SourceColumns() []string {
	return []string{f.Column}
}

// MatchSource reports whether src qualifies.
func (f *ThresholdFilter) MatchSource(src Row) bool {
	v, err := src.Float(f.Column)
	return err == nil && v > f.Threshold
}

// MatchDerived reports whether the derived row still qualifies.
func (f *ThresholdFilter) MatchDerived(derived Row) bool {
	col := f.DerivedColumn
	if col == "" {
		col = f.Column
	}
	if _, ok := derived[col]; !ok {
		return true
	}
	v, err := derived.Float(col)
	return err == nil && v > f.Threshold
}

// BackfillStats summarizes one backfill pass.
type BackfillStats struct {
	Scanned    int                 `json:"scanned"`
	Reconciled int                 `json:"reconciled"`
	Excluded   int                 `json:"excluded"`
	Batches    int                 `json:"batches"`
	RowErrors  []*BackfillRowError `json:"-"`
}

// Err combines the row errors, or returns nil when there are none.
func (s *BackfillStats) Err() error {
	var err error
	for _, re := range s.RowErrors {
		err = multierr.Append(err, re)
	}
	return err
}

// Add accumulates other into s.
func (s *BackfillStats) Add(other *BackfillStats) {
	s.Scanned += other.Scanned
	s.Reconciled += other.Reconciled
	s.Excluded += other.Excluded
	s.Batches += other.Batches
	s.RowErrors = append(s.RowErrors, other.RowErrors...)
}

// String summarizes the stats.
func (s *BackfillStats) String() string {
	return fmt.Sprintf("%d reconciled, %d excluded, %d row errors in %d batches",
		s.Reconciled, s.Excluded, len(s.RowErrors), s.Batches)
}

// Backfill reconciles a derived table from a source table. Every source
// row maps to at most one target row per reference type; re-running
// updates rows in place instead of duplicating them.
type Backfill struct {
	Source    SourceSpec
	Target    TargetSpec
	Filter    RowFilter
	Derive    DeriveFunc
	BatchSize int
}

// Migration wraps the backfill as a migration definition. Backfills commit
// per batch, so the migration runs outside an enclosing transaction.
func (b *Backfill) Migration(id, description string) Migration {
	return Migration{
		ID:            id,
		Description:   description,
		Apply:         b,
		NoTransaction: true,
	}
}

// Apply implements Action.
func (b *Backfill) Apply(ctx context.Context, s Session) (Outcome, error) {
	stats, err := b.Run(ctx, s)
	return Outcome{Detail: stats.String(), Backfill: stats}, err
}

// Validate checks the backfill definition.
func (b *Backfill) Validate() error {
	switch {
	case b.Source.Table == "" || b.Source.Key == "":
		return errors.New("backfill source needs a table and a key column")
	case b.Target.Table == "" || b.Target.ReferenceType == "":
		return errors.New("backfill target needs a table and a reference type")
	case b.Derive == nil:
		return errors.New("backfill has no derive function")
	}
	for _, col := range b.Target.Owned {
		if slices.Contains(b.Target.InsertOnly, col) || slices.Contains(b.Target.Foreign, col) {
			return fmt.Errorf("column %s is owned and also listed as insert-only or foreign", col)
		}
	}
	for _, col := range b.Target.InsertOnly {
		if slices.Contains(b.Target.Foreign, col) {
			return fmt.Errorf("column %s is insert-only and also listed as foreign", col)
		}
	}
	return nil
}

// Run reconciles the target table from the source table. When s.Exec can
// begin transactions every batch commits on its own; a failed batch leaves
// earlier batches applied, which is safe because the pass is idempotent.
// Row level failures are recorded in the stats and skipped.
func (b *Backfill) Run(ctx context.Context, s Session) (*BackfillStats, error) {
	stats := &BackfillStats{}
	if err := b.Validate(); err != nil {
		return stats, err
	}
	log := s.log().With(
		zap.String("migration_id", s.MigrationID),
		zap.String("target", b.Target.Table),
		zap.String("reference_type", b.Target.ReferenceType))

	if err := b.ensureNaturalKey(ctx, s); err != nil {
		return stats, err
	}

	cursor := b.Cursor(s.Dialect)
	for {
		if err := s.Interrupted(); err != nil {
			log.Warn("Backfill interrupted", zap.Int("batches", stats.Batches))
			return stats, fmt.Errorf("backfill interrupted after %d batches: %w", stats.Batches, err)
		}
		more, err := b.runBatch(ctx, s, log, cursor, stats)
		if err != nil {
			return stats, fmt.Errorf("backfill batch %d: %w", stats.Batches+1, err)
		}
		if !more {
			break
		}
	}

	log.Info("Backfill complete",
		zap.Int("scanned", stats.Scanned),
		zap.Int("reconciled", stats.Reconciled),
		zap.Int("excluded", stats.Excluded),
		zap.Int("row_errors", len(stats.RowErrors)))
	return stats, nil
}

// ensureNaturalKey creates the unique index backing the upsert conflict
// target.
func (b *Backfill) ensureNaturalKey(ctx context.Context, s Session) error {
	d := s.Dialect
	stmt := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s, %s)",
		d.QuoteIdent(b.naturalKeyName()),
		d.QuoteIdent(b.Target.Table),
		d.QuoteIdent(ReferenceTypeColumn),
		d.QuoteIdent(ReferenceIDColumn))
	if _, err := s.Exec.ExecContext(ctx, stmt); err != nil {
		if d.IsUniqueViolation(err) || d.IsSchemaConflict(err) {
			return &SchemaConflictError{MigrationID: s.MigrationID, Err: err}
		}
		return fmt.Errorf("creating natural key on %s: %w", b.Target.Table, err)
	}
	return nil
}

func (b *Backfill) naturalKeyName() string {
	table := b.Target.Table
	if i := strings.LastIndexByte(table, '.'); i >= 0 {
		table = table[i+1:]
	}
	return table + "_reference_key"
}

// runBatch reconciles the next page of source rows and reports whether
// another page may follow.
func (b *Backfill) runBatch(
	ctx context.Context, s Session, log *zap.Logger, cursor *SourceCursor, stats *BackfillStats,
) (bool, error) {
	exec := s.Exec
	_, inTx := s.Exec.(*sql.Tx)
	var commit func() error

	if txer, ok := s.Exec.(TxBeginner); ok {
		tx, err := txer.BeginTx(ctx, nil)
		if err != nil {
			return false, fmt.Errorf("starting batch transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		exec, commit, inTx = tx, tx.Commit, true
	}

	rows, err := cursor.Next(ctx, exec)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}

	stats.Batches++
	for _, src := range rows {
		stats.Scanned++
		b.reconcileRow(ctx, s, log, exec, inTx, src, stats)
	}

	if commit != nil {
		if err := commit(); err != nil {
			return false, fmt.Errorf("committing batch: %w", err)
		}
	}
	log.Debug("Backfill batch committed", zap.Int("batch", stats.Batches), zap.Int("rows", len(rows)))
	return !cursor.Done(), nil
}

// reconcileRow derives and upserts one source row. Failures become row
// errors; they never escape.
func (b *Backfill) reconcileRow(
	ctx context.Context, s Session, log *zap.Logger, exec Execer, inTx bool, src Row, stats *BackfillStats,
) {
	refID := src[b.Source.Key]
	fail := func(err error) {
		re := &BackfillRowError{
			MigrationID:   s.MigrationID,
			ReferenceType: b.Target.ReferenceType,
			ReferenceID:   refID,
			Err:           err,
		}
		log.Warn("Skipping backfill row", zap.Any("reference_id", refID), zap.Error(err))
		stats.RowErrors = append(stats.RowErrors, re)
	}

	if b.Filter != nil && !b.Filter.MatchSource(src) {
		stats.Excluded++
		return
	}
	derived, err := b.Derive(src)
	if err != nil {
		fail(fmt.Errorf("deriving row: %w", err))
		return
	}
	if derived == nil || (b.Filter != nil && !b.Filter.MatchDerived(derived)) {
		stats.Excluded++
		return
	}

	query, args, err := b.upsert(s.Dialect, refID, derived)
	if err != nil {
		fail(err)
		return
	}

	if !inTx {
		if _, err := exec.ExecContext(ctx, query, args...); err != nil {
			fail(err)
			return
		}
		stats.Reconciled++
		return
	}

	if _, err := exec.ExecContext(ctx, "SAVEPOINT backfill_row"); err != nil {
		fail(fmt.Errorf("creating savepoint: %w", err))
		return
	}
	if _, err := exec.ExecContext(ctx, query, args...); err != nil {
		_, _ = exec.ExecContext(ctx, "ROLLBACK TO SAVEPOINT backfill_row")
		_, _ = exec.ExecContext(ctx, "RELEASE SAVEPOINT backfill_row")
		fail(err)
		return
	}
	if _, err := exec.ExecContext(ctx, "RELEASE SAVEPOINT backfill_row"); err != nil {
		fail(fmt.Errorf("releasing savepoint: %w", err))
		return
	}
	stats.Reconciled++
}

// upsert builds the insert-or-update statement for one derived row. Owned
// columns are refreshed on conflict, insert-only columns are kept, and
// foreign columns are rejected.
func (b *Backfill) upsert(d Dialect, refID any, derived Row) (string, []any, error) {
	for col := range derived {
		if col == ReferenceTypeColumn || col == ReferenceIDColumn {
			return "", nil, fmt.Errorf("derived row sets natural key column %s", col)
		}
		if !slices.Contains(b.Target.Owned, col) && !slices.Contains(b.Target.InsertOnly, col) {
			return "", nil, fmt.Errorf("derived row writes column %s not owned by this backfill", col)
		}
	}

	cols := []string{d.QuoteIdent(ReferenceTypeColumn), d.QuoteIdent(ReferenceIDColumn)}
	vals := []any{b.Target.ReferenceType, refID}
	var updates []string
	for _, col := range b.Target.Owned {
		v, ok := derived[col]
		if !ok {
			continue
		}
		q := d.QuoteIdent(col)
		cols = append(cols, q)
		vals = append(vals, v)
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", q, q))
	}
	for _, col := range b.Target.InsertOnly {
		if v, ok := derived[col]; ok {
			cols = append(cols, d.QuoteIdent(col))
			vals = append(vals, v)
		}
	}

	conflict := fmt.Sprintf("ON CONFLICT (%s, %s) DO NOTHING",
		d.QuoteIdent(ReferenceTypeColumn), d.QuoteIdent(ReferenceIDColumn))
	if len(updates) > 0 {
		conflict = fmt.Sprintf("ON CONFLICT (%s, %s) DO UPDATE SET %s",
			d.QuoteIdent(ReferenceTypeColumn), d.QuoteIdent(ReferenceIDColumn),
			strings.Join(updates, ", "))
	}

	return sq.StatementBuilder.
		PlaceholderFormat(d.Placeholder()).
		Insert(d.QuoteIdent(b.Target.Table)).
		Columns(cols...).
		Values(vals...).
		Suffix(conflict).
		ToSql()
}

// SourceCursor walks the qualifying source rows in key order, one page at
// a time. It is finite and starts over from the first key every time a new
// cursor is created.
type SourceCursor struct {
	spec    SourceSpec
	filter  sq.Sqlizer
	dialect Dialect
	limit   int
	last    any
	done    bool
}

// Cursor returns a cursor over the backfill's qualifying source rows.
func (b *Backfill) Cursor(d Dialect) *SourceCursor {
	limit := b.BatchSize
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	spec := b.Source
	spec.Columns = slices.Clone(spec.Columns)
	var filter sq.Sqlizer
	if b.Filter != nil {
		filter = b.Filter
		for _, col := range b.Filter.SourceColumns() {
			if col != spec.Key && !slices.Contains(spec.Columns, col) {
				spec.Columns = append(spec.Columns, col)
			}
		}
	}
	return &SourceCursor{spec: spec, filter: filter, dialect: d, limit: limit}
}

// Done reports whether the last page was shorter than the page size.
func (c *SourceCursor) Done() bool { return c.done }

// Next returns the next page of rows, or an empty page when exhausted.
func (c *SourceCursor) Next(ctx context.Context, exec Execer) ([]Row, error) {
	if c.done {
		return nil, nil
	}
	d := c.dialect
	key := d.QuoteIdent(c.spec.Key)
	cols := []string{key}
	for _, col := range c.spec.Columns {
		if col != c.spec.Key {
			cols = append(cols, d.QuoteIdent(col))
		}
	}

	q := sq.StatementBuilder.
		PlaceholderFormat(d.Placeholder()).
		Select(cols...).
		From(d.QuoteIdent(c.spec.Table)).
		OrderBy(key).
		Limit(uint64(c.limit))
	if c.filter != nil {
		q = q.Where(c.filter)
	}
	if c.last != nil {
		q = q.Where(sq.Gt{key: c.last})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", c.spec.Table, err)
	}
	defer func() { _ = rows.Close() }()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var page []Row
	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", c.spec.Table, err)
		}
		row := make(Row, len(names))
		for i, name := range names {
			if b, ok := vals[i].([]byte); ok {
				row[name] = string(b)
				continue
			}
			row[name] = vals[i]
		}
		page = append(page, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(page) > 0 {
		c.last = page[len(page)-1][c.spec.Key]
	}
	if len(page) < c.limit {
		c.done = true
	}
	return page, nil
}
