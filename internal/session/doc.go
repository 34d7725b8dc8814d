// Package session controls the lifecycle of one application on a device.
//
// Start, Stop and Status speak to the device's application URL over HTTP:
//
//	GET    <target>          status document (state and name)
//	POST   <target>          launch, answered with 201 Created
//	DELETE <run link>        stop
//
// The application state is never cached; every operation polls the status
// document. Start additionally connects the application module through the
// driver and waits, bounded by Config.ConfirmTimeout, for the application to
// announce itself on its link with a message such as
//
//	{"type":"status","connected":"connected"}
//
// The run link used by Stop is taken, in order of preference, from the
// Descriptor, from the Location header of the start response or a
// <link rel="run"> element of the status document, and finally defaults to
// "run" relative to the target.
package session
