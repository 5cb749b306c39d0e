// Package timerservice implements the timer external-interface adapter
// (spec §4.H): set-timer(ms, context?) delivers a Response carrying
// context back to the caller after ms milliseconds elapse.
package timerservice
