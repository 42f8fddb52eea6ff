package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ExportFormat represents the format for exporting audit logs
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson" // Newline-delimited JSON
)

// ContentType returns the MIME type of f.
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportFormatCSV:
		return "text/csv"
	case ExportFormatNDJSON:
		return "application/x-ndjson"
	}
	return "application/json"
}

// Export writes entries to w in format.
func Export(w io.Writer, entries []Entry, format ExportFormat) error {
	switch format {
	case ExportFormatCSV:
		return exportCSV(w, entries)
	case ExportFormatNDJSON:
		enc := json.NewEncoder(w)
		for i := range entries {
			if err := enc.Encode(&entries[i]); err != nil {
				return fmt.Errorf("failed to encode entry: %w", err)
			}
		}
		return nil
	case ExportFormatJSON, "":
		if entries == nil {
			entries = []Entry{}
		}
		return json.NewEncoder(w).Encode(entries)
	}
	return fmt.Errorf("unsupported export format %q", format)
}

func exportCSV(w io.Writer, entries []Entry) error {
	writer := csv.NewWriter(w)

	header := []string{"id", "timestamp", "org_id", "user_id", "action", "resource_type", "resource_id", "permission_checked", "result"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range entries {
		row := []string{
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.OrgID,
			e.UserID,
			e.Action,
			e.ResourceType,
			e.ResourceID,
			e.PermissionChecked,
			string(e.Result),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}
