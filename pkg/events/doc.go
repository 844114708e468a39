/*
Package events is an in-process pub/sub broker for engine notifications.

The queue publishes job.dead-lettered and provider.auth-escalation, the drift
detector publishes drift.detected/closed/corrected, replay publishes
replay.completed and the agent loop publishes agent.alert. The serve command
subscribes and logs every event; other consumers (pagers, chat hooks) can
attach the same way.

Delivery is best effort. Publish never blocks: when the broker buffer is full
the event is counted in Dropped, and a slow subscriber misses events rather
than stalling the broker.
*/
package events
