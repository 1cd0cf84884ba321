// Package influxdb exports polling history to InfluxDB.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, batched writes and health monitoring. The server registers
// WritePollSample as a polling history sink when the integration is
// enabled, so every record stored in a ring buffer is also written as a
// point of the poll_samples measurement, tagged with the server name.
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    Enabled: true,
//	    URL:     "http://localhost:8086",
//	    Token:   "your-token",
//	    Org:     "devserver",
//	    Bucket:  "polling",
//	}
//
//	client, err := influxdb.Connect(ctx, cfg, "devserver/motors")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WritePollSample("motor/1", "attribute", "position", 12.5, "", time.Now())
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking. Rejected batches are counted in Stats
// and delivered to the SetOnError callback; connection and health check
// errors are returned directly.
package influxdb
