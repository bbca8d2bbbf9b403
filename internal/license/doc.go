// Package license implements the license and playback-compliance engine.
//
// # Components
//
//	- Store: per-track license records guarded by per-track locks, optionally
//	  backed by a Persistence implementation
//	- ViolationLog: append-only compliance violation log with age-based pruning
//	- Authority: the request/response contract with the remote license server
//	- Manager: request, validate, record-play and revoke operations, the rules
//	  engine and the per-track state machine
//	- RetentionSweeper: periodic pruning of old violations, optionally archiving
//	  them first
//
// # Validation Order
//
// ValidateLicense evaluates the checks below in order and stops at the first
// failure. Each failure yields exactly one ComplianceViolation, which is
// returned to the caller and appended to the ViolationLog.
//
//	1. no license on file            license_expired      high
//	2. status is not valid           license_expired      high
//	3. expiresAt in the past         license_expired      high
//	4. currentPlays >= maxPlays      max_plays_exceeded   medium
//	5. region not allowed            region_blocked       high
//	6. quality not allowed           quality_not_allowed  medium
//	7. offline requested, disallowed offline_not_allowed  medium
//
// When device enforcement is enabled an eighth check rejects devices outside
// deviceRestrictions with device_not_authorized (high).
//
// # Concurrency
//
// Concurrent RequestLicense calls for one track share a single authority
// round trip. No lock is held while the authority is contacted. The result
// is committed last-writer-wins and a warning is logged when the record
// changed during the flight. RecordPlay increments are read-modify-write
// under the track's lock.
//
// # Usage
//
//	store := license.NewStore(persistence, logger)
//	violations := license.NewViolationLog(persistence, 0)
//	mgr := license.NewManager(store, violations, authorityClient,
//		license.WithProvider(license.ProviderWidevine),
//		license.WithCapability(license.CapabilityFunc(drmAvailable)),
//		license.WithLogger(logger),
//	)
//	if err := mgr.Initialize(ctx); err != nil {
//		return err
//	}
//	result, err := mgr.ValidateLicense(ctx, trackID, pctx)
package license
