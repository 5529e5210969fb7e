// Package session is the in-process session directory. It binds each
// authenticated user to at most one live delivery channel and reports every
// connect, supersede and disconnect transition to registered observers.
package session
