package persist

import "sync/atomic"

// fenceWord is a process-wide dummy counter whose atomic increment is used
// purely for the full memory barrier its underlying RMW instruction carries.
var fenceWord atomic.Uint64
