// Package device provides the hosted-device model: device states, the
// command dispatch table of each device class, and the registry used to
// resolve devices by name, glob pattern or class.
//
// Device types are not subclasses of a framework base. Each type
// implements the Class capability interface (command, attribute and device
// factories) and is registered in a ClassSet. A DeviceClass wraps one
// implementation at runtime:
//
//	dc, err := device.NewDeviceClass(motorClass{})
//	devs, err := dc.CreateDevices(ctx, []string{"motor/1"}, lookup)
//	out, err := dc.CommandHandler(ctx, devs[0], "On", nil)
//
// Every dispatch table contains the built-in State, Status and Init
// commands. CommandHandler does not serialise calls; callers take the
// device monitor first.
package device
