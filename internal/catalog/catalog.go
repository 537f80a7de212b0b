// Package catalog holds the trucking application's schema history as
// ordered migration definitions.
package catalog

import (
	"fmt"
	"math"

	"github.com/aatuh/dbmigrate"
)

// ReferenceTypeTripSpend marks expenses derived from trips.spend.
const ReferenceTypeTripSpend = "trip_spend"

// Audit values written when the backfill first creates an expense.
const (
	BackfillAuthor      = "system:trip_spend_backfill"
	UnassignedVendor    = "Unassigned"
	tripExpenseCategory = "trip"
)

// types holds the column types that differ between dialects.
type types struct {
	id        string
	timestamp string
}

func typesFor(d dbmigrate.Dialect) types {
	if d.Name() == dbmigrate.SQLite.Name() {
		return types{id: "INTEGER PRIMARY KEY", timestamp: "DATETIME"}
	}
	return types{id: "BIGSERIAL PRIMARY KEY", timestamp: "TIMESTAMPTZ"}
}

// Migrations returns the schema history for the dialect, oldest first.
// batchSize bounds the rows per backfill transaction; zero uses the
// engine default.
func Migrations(d dbmigrate.Dialect, batchSize int) []dbmigrate.Migration {
	t := typesFor(d)
	postgres := d.Name() == dbmigrate.Postgres.Name()

	indexes := dbmigrate.NewMigration("20240212110300", "index trips and expenses", indexSQL(postgres)).
		WithNoTransaction(postgres)

	return []dbmigrate.Migration{
		*dbmigrate.NewMigration("20240105090000", "create trucks", dbmigrate.SQL(
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS trucks (
				id %s,
				unit_number TEXT NOT NULL UNIQUE,
				vin TEXT,
				make TEXT,
				model TEXT,
				model_year INTEGER,
				created_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP)`, t.id, t.timestamp),
		)),
		*dbmigrate.NewMigration("20240105090100", "create drivers", dbmigrate.SQL(
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS drivers (
				id %s,
				full_name TEXT NOT NULL,
				license_number TEXT,
				phone TEXT,
				created_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP)`, t.id, t.timestamp),
		)),
		*dbmigrate.NewMigration("20240105090200", "create trips", dbmigrate.SQL(
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS trips (
				id %s,
				truck_id BIGINT REFERENCES trucks (id),
				driver_id BIGINT REFERENCES drivers (id),
				origin TEXT NOT NULL DEFAULT '',
				destination TEXT NOT NULL DEFAULT '',
				trip_date DATE NOT NULL DEFAULT CURRENT_DATE,
				created_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP)`, t.id, t.timestamp),
		)),
		*dbmigrate.NewMigration("20240212110000", "create expenses", dbmigrate.SQL(
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS expenses (
				id %s,
				reference_type TEXT NOT NULL,
				reference_id BIGINT NOT NULL,
				amount NUMERIC(12,2) NOT NULL DEFAULT 0,
				description TEXT NOT NULL DEFAULT '',
				category TEXT NOT NULL DEFAULT 'other',
				expense_date DATE,
				created_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP)`, t.id, t.timestamp),
		)),
		*dbmigrate.NewMigration("20240212110100", "add trips.spend",
			dbmigrate.AddColumn("trips", "spend", "NUMERIC(12,2) NOT NULL DEFAULT 0")),
		*dbmigrate.NewMigration("20240212110200", "add expense audit columns", dbmigrate.Steps(
			dbmigrate.AddColumn("expenses", "created_by", "TEXT"),
			dbmigrate.AddColumn("expenses", "vendor_name", "TEXT"),
			dbmigrate.AddColumn("expenses", "notes", "TEXT"),
		)),
		*indexes,
		TripSpendBackfill(batchSize).Migration("20240301080000", "backfill trip spend expenses"),
	}
}

// indexSQL builds the index statements. Postgres builds them concurrently,
// which cannot run inside a transaction.
func indexSQL(postgres bool) *dbmigrate.SQLAction {
	create := "CREATE INDEX IF NOT EXISTS"
	if postgres {
		create = "CREATE INDEX CONCURRENTLY IF NOT EXISTS"
	}
	return dbmigrate.SQL(
		create+" trips_truck_id_idx ON trips (truck_id)",
		create+" trips_driver_id_idx ON trips (driver_id)",
		create+" expenses_expense_date_idx ON expenses (expense_date)",
	)
}

// Backfills returns the catalog's reconciliation jobs.
func Backfills(batchSize int) []*dbmigrate.Backfill {
	return []*dbmigrate.Backfill{TripSpendBackfill(batchSize)}
}

// TripSpendBackfill mirrors every trip with a positive spend as one
// expense. The amount, description, category, and date follow the trip on
// every pass. created_by and vendor_name are set when the expense is
// created and may be corrected by hand afterwards; notes belong to the
// people reviewing expenses.
func TripSpendBackfill(batchSize int) *dbmigrate.Backfill {
	return &dbmigrate.Backfill{
		Source: dbmigrate.SourceSpec{
			Table:   "trips",
			Key:     "id",
			Columns: []string{"origin", "destination", "trip_date", "spend"},
		},
		Target: dbmigrate.TargetSpec{
			Table:         "expenses",
			ReferenceType: ReferenceTypeTripSpend,
			Owned:         []string{"amount", "description", "category", "expense_date"},
			InsertOnly:    []string{"created_by", "vendor_name"},
			Foreign:       []string{"notes"},
		},
		Filter:    dbmigrate.GreaterThan("spend", 0).OnDerived("amount"),
		Derive:    deriveTripSpend,
		BatchSize: batchSize,
	}
}

func deriveTripSpend(src dbmigrate.Row) (dbmigrate.Row, error) {
	spend, err := src.Float("spend")
	if err != nil {
		return nil, err
	}
	if math.IsNaN(spend) || math.IsInf(spend, 0) {
		return nil, fmt.Errorf("trip spend is not a number: %v", src["spend"])
	}

	id := src.String("id")
	desc := fmt.Sprintf("Trip #%s spend", id)
	if origin, dest := src.String("origin"), src.String("destination"); origin != "" && dest != "" {
		desc = fmt.Sprintf("Trip #%s spend: %s to %s", id, origin, dest)
	}

	return dbmigrate.Row{
		"amount":       math.Round(spend*100) / 100,
		"description":  desc,
		"category":     tripExpenseCategory,
		"expense_date": src["trip_date"],
		"created_by":   BackfillAuthor,
		"vendor_name":  UnassignedVendor,
	}, nil
}
