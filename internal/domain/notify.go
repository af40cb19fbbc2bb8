package domain

import "fmt"

// BuildWarningNotification renders the push notification for one warning.
// Urgent warnings get a maximum-priority imperative alert; everything else
// gets a standard advisory. Both carry the same machine-readable payload so
// clients can correlate the notification with the report.
func BuildWarningNotification(report EarthquakeReport, w WarningCalculation) PushNotification {
	payload := map[string]any{
		"type":               "earthquake_warning",
		"earthquakeId":       report.ID,
		"distanceKm":         w.DistanceKm,
		"arrivalTimeSeconds": w.ArrivalTimeSeconds,
		"isUrgent":           w.IsUrgent,
		"epicenter":          report.Epicenter,
	}

	if w.IsUrgent {
		return PushNotification{
			UserID:   w.UserID,
			Title:    "Earthquake warning",
			Body:     fmt.Sprintf("Take cover now. Strong shaking expected in about %.0f seconds (%.0f km away).", w.ArrivalTimeSeconds, w.DistanceKm),
			Priority: "max",
			Payload:  payload,
		}
	}

	return PushNotification{
		UserID:   w.UserID,
		Title:    "Earthquake reported nearby",
		Body:     fmt.Sprintf("Shaking of intensity %d reported %.0f km away. Estimated arrival in %.0f seconds.", report.Intensity, w.DistanceKm, w.ArrivalTimeSeconds),
		Priority: "default",
		Payload:  payload,
	}
}
