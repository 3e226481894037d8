// Package aromalink is the consumer-facing client of the Aroma-Link core.
//
// A Client wires the REST session, device directory and control channel
// from package cloud to the push connection from package push and the
// reconciler and subscriber registry from package device:
//
//	c, err := aromalink.New(aromalink.Options{Username: u, Password: p})
//	if err != nil { ... }
//	defer c.Close()
//	if err := c.Start(ctx); err != nil { ... }
//	c.SubscribeAll(device.SubscriberFunc(func(s device.State) { ... }))
//
// # Lifecycle
//
// Start restores a stored session, logs in when needed, syncs the device
// directory (or falls back to the DeviceCache) and starts the background
// goroutines. Close stops them in reverse order and no subscriber is called
// after it returns.
//
// # Persistence
//
// The client never touches disk. Sessions and the device list go through
// the optional SessionStore and DeviceCache collaborators.
package aromalink
