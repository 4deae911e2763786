// Package socket implements the socket sub-unit: it opens the unit's
// parsed listeners (unix path, abstract, inet, netlink), watches them for
// readability through the event loop, and triggers the paired service when
// a connection arrives, handing over the listener fds. Listener fds are the
// manager's main resource retained across re-exec.
package socket
