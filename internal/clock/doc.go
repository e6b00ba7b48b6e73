// Package clock abstracts time so that timers, backoff delays and idle
// sweeps can be driven deterministically in tests.
//
// Production code takes a Clock and receives Real(). Tests construct a
// FakeClock with Fake(t0); time stands still until Advance is called,
// except for Sleep, which moves the fake clock forward by the requested
// duration and records it so that backoff schedules can be asserted
// without real delays.
package clock
