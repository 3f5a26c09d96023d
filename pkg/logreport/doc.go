// Package logreport is the fleet-side reporting agent: it buffers local log
// records in a bounded FIFO and periodically ships a filtered, classified,
// pseudonymized batch to the central telemetry service. Shipping is
// best-effort; the buffer drops its oldest records under pressure and a
// batch is only removed after a successful send.
package logreport
