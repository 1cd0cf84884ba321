// Package async keeps the books of asynchronous calls issued by a client.
//
// Register records an in-flight transport request under a fresh id. Each
// call has a reply model: with Polling the reply is kept until Result
// retrieves it; with Callback the registered callback receives it. Replies
// are moved out of the registry by DrainReplies, which delivers callbacks
// on the draining goroutine (Push) or queues them for the next drain
// (Pull).
package async
