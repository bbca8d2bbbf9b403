package license

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// finding is a failed check before it becomes a ComplianceViolation
type finding struct {
	Type        ViolationType
	Severity    Severity
	Description string
}

// check inspects a present license. It returns nil when the check passes.
type check func(l *License, pctx PlaybackContext, now time.Time) *finding

// standardChecks run in order after the presence check
var standardChecks = []check{
	checkStatus,
	checkExpiry,
	checkPlayCount,
	checkRegion,
	checkQuality,
	checkOffline,
}

// evaluate runs the checks in order and returns the first failure
func evaluate(l *License, pctx PlaybackContext, now time.Time, enforceDevices bool) *finding {
	if l == nil {
		return &finding{
			Type:        ViolationLicenseExpired,
			Severity:    SeverityHigh,
			Description: fmt.Sprintf("no license on file for track %s", pctx.TrackID),
		}
	}

	for _, c := range standardChecks {
		if f := c(l, pctx, now); f != nil {
			return f
		}
	}

	if enforceDevices {
		return checkDevice(l, pctx, now)
	}
	return nil
}

func checkStatus(l *License, _ PlaybackContext, _ time.Time) *finding {
	if l.Status == StatusValid {
		return nil
	}
	return &finding{
		Type:        ViolationLicenseExpired,
		Severity:    SeverityHigh,
		Description: fmt.Sprintf("license status is %s", l.Status),
	}
}

func checkExpiry(l *License, _ PlaybackContext, now time.Time) *finding {
	if !l.IsExpiredAt(now) {
		return nil
	}
	return &finding{
		Type:        ViolationLicenseExpired,
		Severity:    SeverityHigh,
		Description: fmt.Sprintf("license expired at %s", l.ExpiresAt.UTC().Format(time.RFC3339)),
	}
}

func checkPlayCount(l *License, _ PlaybackContext, _ time.Time) *finding {
	if l.MaxPlays == nil || l.CurrentPlays < *l.MaxPlays {
		return nil
	}
	return &finding{
		Type:        ViolationMaxPlaysExceeded,
		Severity:    SeverityMedium,
		Description: fmt.Sprintf("play limit reached: %d of %d plays used", l.CurrentPlays, *l.MaxPlays),
	}
}

func checkRegion(l *License, pctx PlaybackContext, _ time.Time) *finding {
	if len(l.RegionRestrictions) == 0 {
		return nil
	}
	if slices.ContainsFunc(l.RegionRestrictions, func(r string) bool {
		return strings.EqualFold(r, pctx.Region)
	}) {
		return nil
	}
	return &finding{
		Type:        ViolationRegionBlocked,
		Severity:    SeverityHigh,
		Description: fmt.Sprintf("region %q is not in allowed regions %v", pctx.Region, l.RegionRestrictions),
	}
}

func checkQuality(l *License, pctx PlaybackContext, _ time.Time) *finding {
	if len(l.QualityRestrictions) == 0 || slices.Contains(l.QualityRestrictions, pctx.Quality) {
		return nil
	}
	return &finding{
		Type:        ViolationQualityNotAllowed,
		Severity:    SeverityMedium,
		Description: fmt.Sprintf("quality %q is not in allowed qualities %v", pctx.Quality, l.QualityRestrictions),
	}
}

func checkOffline(l *License, pctx PlaybackContext, _ time.Time) *finding {
	if !pctx.IsOffline || l.IsOfflineAllowed {
		return nil
	}
	return &finding{
		Type:        ViolationOfflineNotAllowed,
		Severity:    SeverityMedium,
		Description: "offline playback is not allowed by this license",
	}
}

func checkDevice(l *License, pctx PlaybackContext, _ time.Time) *finding {
	if len(l.DeviceRestrictions) == 0 || slices.Contains(l.DeviceRestrictions, pctx.DeviceID) {
		return nil
	}
	return &finding{
		Type:        ViolationDeviceNotAuthorized,
		Severity:    SeverityHigh,
		Description: fmt.Sprintf("device %q is not authorized for this license", pctx.DeviceID),
	}
}
