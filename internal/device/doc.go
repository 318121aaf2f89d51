// Package device persists the inventory of locks and sensors attached to
// gateways.
//
// Records are created, updated and deleted by device synchronization on
// behalf of gateways; the Repository methods are deliberately narrow so the
// sync engine can write only the fields that changed.
//
// Registry wraps a Repository with a per-gateway cache. It is itself a
// Repository, so the synchronizer writes through it and the operator API
// reads the cached inventory without touching the database.
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	inventory := device.NewRegistry(repo)
//	devices, err := inventory.FindByGateway(ctx, "gw-1")
//	err = inventory.UpdateBattery(ctx, devices[0].ID, 42)
//
// # Thread Safety
//
// SQLiteRepository is safe for concurrent use; serialization is left to the
// database. Registry is safe for concurrent use and returns deep copies.
package device
