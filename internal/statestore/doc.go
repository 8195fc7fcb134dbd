// Package statestore keeps the live per-session state documents.
//
// It offers keyed TTL-bound storage of one session document per key plus a
// mutual-exclusion primitive per key. The lock is a conditional set-if-absent
// with its own expiry, so a crashed holder self-releases after the lock TTL
// and the pending action gets redelivered to another worker.
package statestore
