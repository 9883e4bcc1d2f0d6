// Package notify carries changes from writers to live queries.
//
// A write publishes a batch of Notifications to the Hub under its entity
// name. Every subscriber owns a Stream backed by an unbounded queue, so a
// publisher never waits on a slow consumer and each subscriber sees batches
// in publish order. A batch ends with a sentinel notification whose Old and
// New are both nil.
//
// Live queries turn raw record changes into result changes with Filter and
// materialize them with List or Window:
//
//	Hub.Subscribe -> Filter -> ToList / ToWindow -> snapshots
//
// QueryAndObserve prefixes a live stream with the current result set,
// delivered as creates. Relay extends a Hub across processes over a
// gocloud.dev pubsub topic.
package notify
