package fault

// Validation.
const (
	AttrOptProp      Reason = "attr_opt_prop"
	AttrNoAlarm      Reason = "attr_no_alarm"
	AttrNotWritable  Reason = "attr_not_writable"
	TypeNotSupported Reason = "type_not_supported"
	IncompatibleArg  Reason = "incompatible_arg"
	AttrNotAllowed   Reason = "attr_not_allowed"
	AttrOutsideLimit Reason = "attr_outside_limit"
)

// Not found.
const (
	CommandNotFound Reason = "command_not_found"
	DeviceNotFound  Reason = "device_not_found"
	ClassNotFound   Reason = "class_not_found"
	AttrNotFound    Reason = "attr_not_found"
	DeviceNotPolled Reason = "device_not_polled"
	ObjectNotPolled Reason = "object_not_polled"
	AsyncIDNotFound Reason = "async_id_not_found"
	NoHistory       Reason = "no_history"
)

// Not allowed / not supported.
const (
	CommandNotAllowed Reason = "command_not_allowed"
	NotSupported      Reason = "not_supported"
	AlreadyPolled     Reason = "already_polled"
)

// Timeouts. Blocked is the reason for any bounded wait that expired.
const (
	CommandTimedOut Reason = "command_timed_out"
	Blocked         Reason = "blocked"
	ReplyNotArrived Reason = "async_reply_not_arrived"
)

// Registry and transport.
const (
	DeviceNotDefined    Reason = "device_not_defined"
	RegistryUnavailable Reason = "registry_unavailable"
	CommFailure         Reason = "comm_failure"
	Transient           Reason = "transient"
	ObjectNotExist      Reason = "object_not_exist"
	Timeout             Reason = "timeout"
)

// Fatal startup.
const (
	AlreadyRunning        Reason = "already_running"
	AlreadyRunningBlocked Reason = "already_running_blocked"
	CantBindDevice        Reason = "cant_bind_device"
	CantGetObjectID       Reason = "cant_get_object_id"
	UnexportFailed        Reason = "unexport_failed"
)

// Internal marks a plain Go error adopted into a chain.
const Internal Reason = "internal"
