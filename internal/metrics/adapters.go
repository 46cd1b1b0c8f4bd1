package metrics

import "time"

// The methods below let the Collector satisfy the small metrics interfaces
// declared by the trips, geofence, ingest and publisher packages.

func (c *Collector) TripStartedInc()      { c.TripsStarted.Inc() }
func (c *Collector) TripCompletedInc()    { c.TripsCompleted.Inc() }
func (c *Collector) TripUpdatedInc()      { c.TripUpdates.Inc() }
func (c *Collector) OpErrorInc(op string) { c.OpErrors.WithLabelValues(op).Inc() }

func (c *Collector) GeofenceEnterInc() { c.GeofenceEnters.Inc() }
func (c *Collector) GeofenceErrInc()   { c.GeofenceErrors.Inc() }

func (c *Collector) SyncImportedAdd(n int)               { c.SyncImported.Add(float64(n)) }
func (c *Collector) SyncErrorInc()                       { c.SyncErrors.Inc() }
func (c *Collector) SyncDurationObserve(seconds float64) { c.SyncDuration.Observe(seconds) }

func (c *Collector) MessageInc(kind, result string) { c.MessagesIn.WithLabelValues(kind, result).Inc() }

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
		return
	}
	c.NATSConnected.Set(0)
}
