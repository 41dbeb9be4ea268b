// Package dist runs steady-state distribution: the table of live peer
// connections, per-connection read loops and keepalive ticks, and routing of
// control messages to a Runtime.
package dist
