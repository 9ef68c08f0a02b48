package report

import (
	"fmt"
	"time"
)

// titleLayout renders e.g. "March 04, 2025 at 02:15 PM".
const titleLayout = "January 02, 2006 at 03:04 PM"

// DefaultTitle generates the title given to reports recorded straight
// from an analysis run.
func DefaultTitle(kind SourceKind, at time.Time) string {
	var label string

	switch kind {
	case SourceCSV:
		label = "CSV"
	case SourcePostgres:
		label = "PostgreSQL"
	case SourceGoogleSheet:
		label = "Google Sheets"
	default:
		label = "Data"
	}

	return fmt.Sprintf("%s Analysis Report - %s", label, at.Format(titleLayout))
}
