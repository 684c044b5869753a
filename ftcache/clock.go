package ftcache

import "time"

// Clock supplies the monotonic nanosecond time source FaultTolerantCache
// converts to milliseconds (integer division by 1e6) everywhere it stamps
// or compares write times. Tests substitute a fake; production uses
// systemClock.
type Clock interface{ NowNano() int64 }

type systemClock struct{}

// processStart anchors systemClock; time.Since reads Go's monotonic clock,
// so NowNano never jumps with wall-clock adjustments.
var processStart = time.Now()

func (systemClock) NowNano() int64 { return int64(time.Since(processStart)) }

func nowMillis(c Clock) int64 { return c.NowNano() / 1_000_000 }

// clockAdapter satisfies refresh.Clock (NowMillis) in terms of a Clock
// (NowNano), so both packages can be driven by one fake in tests without
// ftcache depending on internal/refresh's exact Clock shape.
type clockAdapter struct{ c Clock }

func (a clockAdapter) NowMillis() int64 { return nowMillis(a.c) }
