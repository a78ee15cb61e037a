package main

// Receiver abstracts the SDR front end so the acquisition controller can
// run against real hardware or the built-in simulator. The controller
// goroutine is the only caller of every method; implementations do not
// need to tolerate concurrent configuration.
//
// StartRX hands the device an asynchronous callback. The callback runs on
// a thread owned by the device layer with interleaved signed 8-bit I/Q
// bytes that are only valid for the duration of the call; it must copy
// and return quickly, and a non-nil return stops streaming.
type Receiver interface {
	Open() error
	Close() error
	ApplyConfig(cfg HardwareConfig) error
	StartRX(cb func(block []byte) error) error
	StopRX() error
	Name() string
}
