package services

import (
	"time"

	"transcom-sync/internal/models"
)

// PartitionRange splits the inclusive range [start, end] into contiguous windows,
// one per calendar month, in start's location and at second resolution.
// The first window keeps start's time of day and the last keeps end's; every
// interior window runs from the 1st at 00:00:00 to the month's last second.
func PartitionRange(start, end time.Time) ([]models.FetchWindow, error) {
	loc := start.Location()
	start = start.Truncate(time.Second)
	end = end.In(loc).Truncate(time.Second)

	if end.Before(start) {
		return nil, &models.ValidationError{
			Field:   "range",
			Value:   start.Format(models.WindowLayout) + " - " + end.Format(models.WindowLayout),
			Message: "end precedes start",
		}
	}

	var windows []models.FetchWindow
	cursor := start
	for {
		monthStart := time.Date(cursor.Year(), cursor.Month(), 1, 0, 0, 0, 0, loc)
		lastSecond := monthStart.AddDate(0, 1, 0).Add(-time.Second)

		if !end.After(lastSecond) {
			windows = append(windows, models.FetchWindow{Start: cursor, End: end})
			return windows, nil
		}

		windows = append(windows, models.FetchWindow{Start: cursor, End: lastSecond})
		cursor = lastSecond.Add(time.Second)
	}
}
