package exporter

import (
	"encoding/json"
	"fmt"
	"time"

	"playguard/internal/license"
)

// ViolationHeaders are the column names of every violation export
var ViolationHeaders = []string{
	"id", "timestamp", "type", "severity", "track_id", "user_id", "device_id", "description", "metadata",
}

// ViolationRow renders v in ViolationHeaders order
func ViolationRow(v license.ComplianceViolation) []string {
	return []string{
		v.ID,
		formatTime(v.Timestamp),
		string(v.Type),
		string(v.Severity),
		v.TrackID,
		v.UserID,
		v.DeviceID,
		v.Description,
		formatMetadata(v.Metadata),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// formatMetadata renders metadata as compact JSON (map keys sorted)
func formatMetadata(m map[string]interface{}) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprint(m)
	}
	return string(data)
}
