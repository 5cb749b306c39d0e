/*
Package log provides structured logging for the Hyperdrive kernel using
zerolog.

All kernel components log through component-scoped child loggers
(WithComponent, WithNode, WithProcess) so entries carry consistent fields.
Output is JSON in detached/production mode and human-readable console
output interactively, matching Config.JSONOutput.

Log files rotate under <home>/logs/YYYY-MM-DD-HH-MM-SS.log via
RotatingFile, defaulting to 4 files of 16MB each.

Printout is a second, lower-ceremony channel: userland processes push
human-readable debug lines to it, which both log structurally and land in
a bounded in-memory ring buffer a terminal process can poll, mirroring the
leveled "Printout" side channel in the original kernel.
*/
package log
