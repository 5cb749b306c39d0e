/*
Package capabilities implements the capability oracle described in spec
§4.B: the single-owner, authoritative per-process capability store.

Grant unions capabilities into a process's set; Revoke removes one; Has is
the boolean check the router consults before delivering any Request whose
source is not local-same-package and whose target is not public; GetAll
powers restart (fetch the full set before killing, re-grant after re-init);
Drop removes a killed process and, unless no-revoke is set, cascades
revocation of everything it had issued to others.

All state lives in one goroutine reached only through a command channel —
no mutex is held across a blocking operation, matching the spec's
modeling guidance to treat shared, process-wide state as an actor with a
bounded channel instead of a lock that could outlive an await.
*/
package capabilities
