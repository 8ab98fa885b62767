// Package scheduler serializes host to controller transactions.
//
// A single transaction is in flight at any moment. Each transaction is
// a sequence of Serial API messages produced by a parts generator; the
// scheduler writes a part, waits for the controller's ACK, Response and
// optional callback, then advances the generator. Failures retry with
// growing backoff within configured attempt budgets before the
// transaction's promise is rejected. Queued and active transactions can
// be rewritten in bulk through reducers, which is how node sleep,
// removal and expiry are expressed.
package scheduler
