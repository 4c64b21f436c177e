// Package mqtt bridges runtime events to an MQTT broker. Every event
// published on the bus is forwarded as JSON to a per-source, per-kind
// topic, and a periodic loop pushes summary states (active sessions,
// registered tool servers, daily execution counts) so dashboards can
// follow the runtime without polling it.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a birth message ("online") to the
// availability topic and, when a discovery prefix is configured,
// retained Home Assistant discovery payloads for the summary sensors.
// A will message moves the availability topic to "offline" on
// unexpected disconnects.
package mqtt
