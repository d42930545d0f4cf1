// Package storage persists end-to-end encryption state in a single SQLite
// file: the local account, known devices and users, pairwise and group
// session ratchets, key-request bookkeeping and secrets.
//
// Every repository goes through one Coordinator. Reads run concurrently in
// snapshot transactions; writes share one lock and commit or roll back as a
// unit, so read-modify-write of key material must happen inside a single
// Write (or a repository Update method).
package storage
