/*
Package protocol defines the messages exchanged between the unprivileged installer (the server) and the elevated helper process (the client), and the state machine both sides use to check that messages arrive in a legal order.

The conversation has a single shape:

1. The client connects to the per-session channel and sends a Handshake carrying its protocol version.
2. The server answers with its own Handshake, or with an Error and closes the channel if the versions differ.
3. The server sends InstallRequest messages one at a time. For each one the client sends zero or more Progress messages followed by exactly one InstallResult.
4. The server may send a CancelRequest for the request in flight. Cancellation is advisory, so a result for that request may still arrive and must be discarded.
5. The server sends Shutdown. The client finishes any queued work, flushes its results and closes the channel.

Only the server sends InstallRequest, CancelRequest and Shutdown. The client only ever answers.
*/
package protocol
