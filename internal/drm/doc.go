// Package drm gates playback and offline downloads on license decisions.
//
// Gatekeeper consults a license manager before every play. It drives the
// host's PlaybackController only after permission is granted and the
// license re-validates, and it records each completed play. Decisions are
// published on an EventBus:
//
//	licenseRequested   no license on file, asking the authority
//	licenseGranted     the authority issued a license
//	licenseDenied      the authority refused or failed
//	violationDetected  an existing license failed validation
//	playbackAllowed    permission granted
//	playbackBlocked    permission refused or the controller failed
//	playLimitWarning   a recorded play reached 90% of maxPlays
package drm
