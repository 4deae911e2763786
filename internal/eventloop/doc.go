// Package eventloop is the manager's single-threaded cooperative scheduler:
// a level-triggered epoll multiplexer plus a time-ordered heap for timers.
// Sources carry a priority in [-128,127] (lower dispatches sooner); a source
// may be enabled continuously, one-shot, or off. Removal is cooperative and
// observed on the next iteration; in-flight dispatch always completes.
package eventloop
