package ports

import "context"

// LookupSource reads the reference tables dynamic field configs point at.
// Implementations must return distinct values in first-appearance order
// (ascending id of the first row carrying each value) and must treat table
// and column names as pre-validated identifiers.
type LookupSource interface {
	// SelectDistinct lists the distinct values of table.column.
	SelectDistinct(ctx context.Context, table, column string) ([]string, error)
	// SelectJoined lists the distinct values of table.column restricted to
	// rows whose parentIDColumn references the parent row holding
	// parentValue in parentTable.parentColumn.
	SelectJoined(ctx context.Context, table, column, parentTable, parentIDColumn, parentColumn, parentValue string) ([]string, error)
	// ExistsNormalized reports whether any value in table.column reduces to
	// the given normalized key.
	ExistsNormalized(ctx context.Context, table, column, normalized string) (bool, error)
	// LookupDisplay fetches displayColumn of the row whose valueColumn equals
	// value. found is false when no row matches.
	LookupDisplay(ctx context.Context, table, valueColumn, displayColumn, value string) (display string, found bool, err error)
}
