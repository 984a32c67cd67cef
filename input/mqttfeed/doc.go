// Package mqttfeed bridges the LoRa gateway's MQTT telemetry topic onto the
// internal event bus. It is the primary telemetry source: low latency, local,
// and the first feed the arbiter prefers when both are alive.
//
// The feed publishes two things: decoded telemetry records, and source
// signals on connect/disconnect so the arbiter can track feed health without
// waiting for silence timeouts.
package mqttfeed
