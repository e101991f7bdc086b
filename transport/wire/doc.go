/*
Package wire defines the frames exchanged over a duplex transport connection.

Every frame is a JSON object whose "type" field selects its shape:

	{"type":"request",  "id", "method", "path", "body"?, "headers"?}
	{"type":"response", "id", "status", "body"?, "done"}
	{"type":"stream",   "id", "event"?, "data"}
	{"type":"error",    "id"?, "code", "message", "status", "context"?}

A request opens a logical exchange. Zero or more stream frames may follow for the same id, and the
exchange ends with exactly one response with done=true or one error. An error without an id
concerns the whole connection.

Stream frames are also used for push events. Their id then names something other than a
request, such as a terminal session, and they are delivered to subscribers instead of a pending call.

Types starting with "control_" form an open-ended sub-protocol of fire-and-forget messages that
expect no response (terminal input and resize, for example). They carry a version in "v".

Decode is the single place where frames are classified. It does not validate anything beyond the
discriminant and field types; rejecting bad frames is up to the caller.
*/
package wire
