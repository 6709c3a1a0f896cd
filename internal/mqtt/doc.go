// Package mqtt bridges the broker session to the node's control loop.
//
// The [Bridge] owns the Eclipse Paho v2 [autopaho] connection manager,
// which reconnects on its own after broker or network drops. Paho calls
// back on its own goroutines; the bridge's callbacks only classify each
// transport event into at most one [Event] and push it onto a [Queue].
// The orchestrator drains that queue one event per tick, so the queue is
// the only state shared between the two sides.
//
// Subscriptions are not assumed to survive a reconnect: every
// [EventConnected] tells the consumer to call [Bridge.SubscribeCommands]
// again.
//
// The package also defines the Home Assistant MQTT discovery payload
// types ([DeviceInfo], [EntityConfig]) published by the reporter.
package mqtt
