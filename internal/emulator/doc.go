// Package emulator runs an in-process cast device: a DIAL application server,
// the link endpoints and an SSDP responder.
//
// It serves local development (castctl emulate) and the end-to-end tests of
// the discovery, driver and session packages.
//
// Usage:
//
//	dev := emulator.New(emulator.Config{
//	    Apps:        []string{"Demo"},
//	    SSDPAddress: "127.0.0.1:0",
//	})
//	if err := dev.Start(); err != nil {
//	    return err
//	}
//	defer dev.Shutdown(context.Background())
//
// Endpoints:
//
//	GET    /dd.xml            device description with Application-URL
//	GET    /apps/{name}       application status document
//	POST   /apps/{name}       launch, 201 with Location .../run
//	DELETE /apps/{name}/run   stop
//	WS     /channels          application link (replies echo the payload)
//	WS     /system            settings link (get and set per service)
package emulator
