// Package devicesync reconciles the device lists gateways report against the
// persisted inventory.
//
// A pass for one gateway:
//  1. Resolves each reported device's identifier (serial, then
//     gateway-local id, then lock id).
//  2. Inserts devices the inventory has never seen.
//  3. Deletes devices the gateway no longer reports.
//  4. For devices on both sides, writes only the fields that changed:
//     online status, lock state and battery level.
//
// One device's failure is logged and recorded in the Result; the pass
// continues. Passes for the same gateway are serialized through a
// lock.Locker, so a poll tick and a manual sync never interleave.
//
// Synchronizer is the only writer of gateway-attributed device state.
package devicesync
