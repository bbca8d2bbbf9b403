// Package websocket streams gatekeeper events to WebSocket clients.
//
// Hub.Attach subscribes the hub to a drm.EventBus. Each event is written to
// every connected client as
//
//	{"type":"licenseGranted","data":{...},"timestamp":"..."}
//
// Clients may pass ?events=licenseDenied,playbackBlocked to receive only
// those kinds. Slow clients are disconnected instead of stalling the hub.
package websocket
