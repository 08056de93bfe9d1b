package metadb

import (
	"fmt"
	"time"

	"github.com/moonfire-go/nvrcore/internal/moontime"
)

// DayOccupancy summarizes a stream's recorded duration per calendar day in
// loc (the server's local zone in production), so a UI can render a density
// histogram without listing every recording. Day
// boundaries follow loc's DST rules: days may be 23 or 25 hours long, and a
// recording spanning local midnight is split across both days. Since no
// recording exceeds five minutes, a recording spans at most one boundary.
func (db *DB) DayOccupancy(streamID int32, loc *time.Location) (map[string]moontime.Duration, error) {
	if loc == nil {
		loc = time.Local
	}
	rows, err := db.sqldb.Query(
		`SELECT start_time_90k, wall_duration_90k FROM recording WHERE stream_id = ?`, streamID)
	if err != nil {
		return nil, fmt.Errorf("metadb: day occupancy for stream %d: %w", streamID, err)
	}
	defer rows.Close()

	out := make(map[string]moontime.Duration)
	for rows.Next() {
		var start, wall int64
		if err := rows.Scan(&start, &wall); err != nil {
			return nil, fmt.Errorf("metadb: day occupancy for stream %d: %w", streamID, err)
		}
		addRecordingToDayOccupancy(out, moontime.Time(start), moontime.Duration(wall), loc)
	}
	return out, rows.Err()
}

// addRecordingToDayOccupancy splits a recording at each local-midnight
// boundary it crosses, crediting each day only the portion of the
// recording that actually falls within it.
func addRecordingToDayOccupancy(out map[string]moontime.Duration, start moontime.Time, wall moontime.Duration, loc *time.Location) {
	remaining := wall
	cur := start
	for remaining > 0 {
		local := cur.ToGoTime().In(loc)
		// time.Date normalizes day+1 through month/year boundaries, and on
		// a spring-forward day where midnight itself doesn't exist it
		// resolves to the following valid instant rather than failing.
		nextMidnight := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
		until := moontime.FromGoTime(nextMidnight).Sub(cur)
		if until > remaining {
			until = remaining
		}
		if until <= 0 {
			// Clamp: a zone transition placed the "next midnight" at or
			// before cur; credit the remainder to this day.
			until = remaining
		}

		out[local.Format("2006-01-02")] += until
		remaining -= until
		cur = cur.Add(until)
	}
}
