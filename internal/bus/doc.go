// Package bus is the topic-routed publish/subscribe transport of the engine.
//
// Two delivery modes share one Publish call. Topics registered as durable are
// journaled and consumed by worker pools with at-least-once semantics: a
// message is leased to exactly one worker at a time, acknowledged only after
// successful processing, and redelivered with backoff when processing fails
// or the worker crashes. All other topics fan out in-process to live
// subscribers, which is how session events reach connected clients.
package bus
