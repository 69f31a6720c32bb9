// Package server hosts the Fiber HTTP service, request middleware chain, and
// app registry glue that wires Host resolution into proxy handlers. Every
// configured application gets an AppRoute carrying its parsed upstream, its
// upstream http.Client and its synchronizer Runtime; the registry installs
// each application's manifest at startup and on demand. Keep exports narrow
// and accept explicit dependencies.
package server
