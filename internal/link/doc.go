// Package link provides the bidirectional message channel between castlink
// and a device.
//
// A Link is opened asynchronously: Open validates the endpoint and returns at
// once, and the Handler later learns whether the link came up
// (LinkConnected) or failed (LinkDisconnected with an error). Every message on
// a link carries a domain tag so that one link can serve several driver
// modules. Requests sent with Send are correlated with their replies by
// message id; messages without a pending id are delivered as events.
//
// The default implementation speaks JSON envelopes over WebSocket:
//
//	{"id":"6f1c...","domain":"app","type":"request","payload":{...}}
//	{"id":"6f1c...","domain":"app","type":"reply","payload":{...}}
//	{"domain":"settings","type":"event","payload":{"service":"public",...}}
package link
