// Package license implements the activation protocol for POS licenses: a
// small state machine over records stored in a remote key-value backend.
//
// A license record is keyed by its code (license:<code>) and moves between
// four stored states: unused, active, expired and revoked. Expiry is lazy:
// there is no background sweep, the stored status is corrected whenever a
// protocol call observes an expiresAt in the past. Revocation is terminal.
//
// Exactly one session is live per record. Activating from a new device
// overwrites the bound device and session, which is also how device transfer
// works: the previous device's token simply stops validating.
//
// Record writes are version-checked compare-and-swap operations; concurrent
// writers lose with ErrStaleRecord and the protocol retries the whole
// fetch-decide-write sequence. Audit log writes are best-effort and never
// fail the calling operation.
package license
