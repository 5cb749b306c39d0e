/*
Package fdmanager implements the per-process file-descriptor budget
described in spec §4.C. A process opts in with RequestFdsLimit; when it
reports pressure via FdsLimitHit its hit-count rises, weighting its share
of the pool upward on the next recomputation.

max-fds is either pinned by the operator (StaticMax, the only mode on
Windows) or refreshed hourly from the OS ulimit (DynamicMax, Unix only,
via golang.org/x/sys/unix). An ulimit reported too small to operate safely
is a fatal startup error rather than an unsafe running regime, matching
the "panics at startup" failure mode in the spec.
*/
package fdmanager
