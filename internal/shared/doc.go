// Package shared holds helpers used across playguard packages.
//
// The testutil subpackage provides a buffered slog handler for asserting log
// output and license fixtures covering the states the rules engine
// distinguishes (valid, expired, revoked, exhausted, restricted).
//
//	func TestSomething(t *testing.T) {
//		logger, logs := testutil.NewTestLogger(t)
//		lic := testutil.ValidLicense("track-1")
//		...
//		testutil.AssertLogContains(t, logs, slog.LevelWarn, "compliance violation")
//	}
package shared
