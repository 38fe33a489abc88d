// Package saga holds the visit correlation state machine.
//
// A visit is complete when both an Entered and a Left observation have been
// seen for one entity, in either order. The transition function Apply is pure:
// it takes the current record and one observation and returns the next record
// plus the side effects (persist, emit) the engine must carry out.
//
// State machine:
//
//	Initial  --Entered/Left-->  Tracking   (one bit set)
//	Tracking --Entered/Left-->  Tracking   (same bit again, last write wins)
//	Tracking --other bit------> Completed  (emit, then finalize and remove)
//	Completed --any-----------> Completed  (re-issue emit until finalized)
package saga
