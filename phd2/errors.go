package phd2

import "fmt"

// ConnectError is returned when Connect fails to establish the TCP
// connection to PHD2.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("phd2: connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// WriteError is returned when a write to the PHD2 socket fails partway
// through, or the peer closes mid-write.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("phd2: write: %v", e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// NotConnectedError is returned when an operation is invoked without a
// live connection, or the connection drops while the caller is waiting.
type NotConnectedError struct{}

func (e *NotConnectedError) Error() string { return "phd2: not connected" }

// RpcError wraps a JSON-RPC error object returned by the PHD2 server.
type RpcError struct {
	Method  string
	Code    int
	Message string
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("phd2: %s: %s", e.Method, e.Message)
}

// TimeoutError is returned by bounded-wait operations (StopCapture, Loop)
// that exceed their deadline.
type TimeoutError struct {
	Op      string
	Timeout float64 // seconds
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("phd2: %s: timed out after %.1fs", e.Op, e.Timeout)
}

// NotSettlingError is returned by CheckSettling when no settle is in
// progress and none has completed since the last check.
type NotSettlingError struct{}

func (e *NotSettlingError) Error() string { return "phd2: not settling" }

// UnknownProfileError is returned by ConnectEquipment when the requested
// profile name has no match in get_profiles.
type UnknownProfileError struct {
	Name string
}

func (e *UnknownProfileError) Error() string {
	return fmt.Sprintf("phd2: unknown equipment profile: %q", e.Name)
}

// InvalidArgumentError signals API misuse, e.g. CaptureSingleFrame called
// with Path set and Save explicitly false.
type InvalidArgumentError struct {
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("phd2: invalid argument: %s", e.Reason)
}

// SettlingError is returned by Guide/Dither when a prior settle is still
// in progress; the new request is rejected without being sent.
type SettlingError struct {
	Op string
}

func (e *SettlingError) Error() string {
	return fmt.Sprintf("phd2: cannot %s while settling", e.Op)
}
