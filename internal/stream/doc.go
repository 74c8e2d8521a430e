// Package stream manages one session per sending device. A session reorders
// the device's datagrams, feeds its recorder and visualisation history, and is
// flushed and removed once it has been idle for the configured timeout.
package stream
