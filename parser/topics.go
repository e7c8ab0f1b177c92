package parser

import (
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"
)

// Inbound topics per device family.
const (
	TopicWatchHeartbeat = "watch/hb"
	TopicWatchVitals    = "watch/vitals"
	TopicWatchBatch     = "watch/batch"
	TopicWatchLocation  = "watch/location"
	TopicWatchSleep     = "watch/sleep"
	TopicWatchAlarm     = "watch/alarm"

	TopicHubStatus = "hub/status"
	TopicHubData   = "hub/data"

	TopicKioskVitals = "kiosk/vitals"
)

// Outbound fan-out topics for canonical readings.
const (
	TopicHeartbeat    = "telemetry/heartbeat"
	TopicVitals       = "telemetry/vitals"
	TopicVitalsBatch  = "telemetry/vitals/batch"
	TopicLocation     = "telemetry/location"
	TopicSleep        = "telemetry/sleep"
	TopicEmergency    = "alert/emergency"
	TopicFall         = "alert/fall"
	TopicAlertDefault = "alert/general"
	TopicStatus       = "device/status"
)

// Watch alarm event-state codes as sent on watch/alarm.
const (
	CodeNormal     = 0
	CodeSOS        = 1
	CodeFall       = 2
	CodeNotWorn    = 3
	CodeLowBattery = 4
)

// EventRoute is the fixed destination for one event-state code.
type EventRoute struct {
	Topic  string
	Status string
	Kind   models.ReadingKind
	Emit   bool
}

var eventRoutes = map[int]EventRoute{
	CodeNormal: {Emit: false},
	CodeSOS:    {Topic: TopicEmergency, Status: "SOS", Kind: models.KindEmergency, Emit: true},
	CodeFall:   {Topic: TopicFall, Status: "FALL_DOWN", Kind: models.KindFall, Emit: true},
	// "not worn" routes to the emergency topic. This mirrors the
	// documented upstream mapping; pending product confirmation it
	// must not be rerouted here.
	CodeNotWorn:    {Topic: TopicEmergency, Status: "NOT_WORN", Kind: models.KindEmergency, Emit: true},
	CodeLowBattery: {Topic: TopicAlertDefault, Status: "LOW_BATTERY", Kind: models.KindAlert, Emit: true},
}

// RouteEventCode maps an event-state code to its destination. Pure and
// deterministic; unrecognized codes fall through to the default alert
// topic so an alarm is never silently dropped.
func RouteEventCode(code int) EventRoute {
	if route, ok := eventRoutes[code]; ok {
		return route
	}
	return EventRoute{Topic: TopicAlertDefault, Status: "UNKNOWN", Kind: models.KindAlert, Emit: true}
}
