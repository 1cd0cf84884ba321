// Package server is the runtime of one device server process.
//
// A Runtime holds everything the process owns: the device classes and
// their devices, the per-device monitors, the single polling engine, the
// async call registry and the exporter that publishes the devices through
// the registry and the transport. There are no package-level singletons;
// cmd/devserver builds one Runtime and tests build as many as they need.
//
// # Lifecycle
//
//	rt, err := server.New(server.Deps{...})
//	err = rt.Init(ctx)      // classes, devices, admin device, polling setup
//	err = rt.Run(ctx)       // duplicate check, bind, export, serve
//	err = rt.Shutdown(ctx)  // stop polling, unexport, delete devices
//
// # Requests
//
// Handle is the transport handler. It decodes a transport.Request, runs
// it through the device monitor and encodes the value or the fault chain
// into the reply.
//
// # Admin device
//
// Every server has an admin device "dserver/<exec>/<instance>" of class
// DServer. Its commands administer polling (AddObjPolling,
// TriggerPolling, FillAttrPollingBuffer and friends) and list the
// devices and classes of the server. It is exported last so a liveness
// probe only succeeds once every device is reachable.
package server
