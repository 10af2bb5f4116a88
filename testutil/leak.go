package testutil

import "go.uber.org/goleak"

// GoleakOptions is the standard ignore set for goleak.VerifyTestMain.
// httptest servers park idle keep-alive connections in readLoop for a
// moment after the response is handled.
var GoleakOptions = []goleak.Option{
	goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
}
