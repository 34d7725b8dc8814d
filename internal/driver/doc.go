// Package driver manages the links of one device on behalf of its modules.
//
// A device exposes three modules: application, public-settings and
// private-settings (the last one only when the private settings capability is
// enabled). Each module is connected to a link endpoint; modules that resolve
// to the same endpoint URL share one link, and a link is closed only when no
// module still maps to it.
//
// Connect and Disconnect are asynchronous. Concurrent calls for the same
// module are coalesced into a pending aggregate whose waiters all receive the
// single outcome exactly once. Unsolicited link loss is reported to the
// Delegate. Messages arriving on a link are routed by domain tag, and
// settings messages additionally by the "service" field of their payload.
//
// All callbacks are delivered on the Manager's dispatch queue, never while
// the Manager holds its lock.
package driver
