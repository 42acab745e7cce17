package statsbus

// DropRate returns the bus-wide fraction of samples dropped (0.0 to
// 1.0), or 0 if nothing has been sent or dropped yet.
func DropRate(stats Stats) float64 {
	total := stats.TotalSent + stats.TotalDropped
	if total == 0 {
		return 0.0
	}
	return float64(stats.TotalDropped) / float64(total)
}

// SubscriberDropRate returns one subscriber's fraction of dropped
// samples, or 0 if the subscriber is unknown or idle.
func SubscriberDropRate(stats Stats, subscriberID string) float64 {
	sub, ok := stats.Subscribers[subscriberID]
	if !ok {
		return 0.0
	}
	total := sub.Sent + sub.Dropped
	if total == 0 {
		return 0.0
	}
	return float64(sub.Dropped) / float64(total)
}
