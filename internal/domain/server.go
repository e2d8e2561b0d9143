package domain

import "time"

// Server status values. Only healthy servers are schedulable.
const (
	ServerStatusHealthy   = "healthy"
	ServerStatusUnhealthy = "unhealthy"
	ServerStatusDraining  = "draining"
)

// Server is a deploy target with fixed totals and mutable reservation counters.
type Server struct {
	ID                    string
	Region                string
	TotalRAMMB            int64
	TotalCPUMillicores    int64
	TotalBandwidthGB      int64
	ReservedRAMMB         int64
	ReservedCPUMillicores int64
	ReservedBandwidthGB   int64
	Status                string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// SpareRAMMB reports unreserved RAM.
func (s Server) SpareRAMMB() int64 { return s.TotalRAMMB - s.ReservedRAMMB }

// SpareCPUMillicores reports unreserved CPU.
func (s Server) SpareCPUMillicores() int64 { return s.TotalCPUMillicores - s.ReservedCPUMillicores }

// SpareBandwidthGB reports unreserved bandwidth.
func (s Server) SpareBandwidthGB() int64 { return s.TotalBandwidthGB - s.ReservedBandwidthGB }

// Fits reports whether the server has headroom for the request on every dimension.
func (s Server) Fits(req CapacityRequest) bool {
	return s.SpareRAMMB() >= req.RAMMB &&
		s.SpareCPUMillicores() >= req.CPUMillicores &&
		s.SpareBandwidthGB() >= req.BandwidthGB
}

// CapacityRequest is the resource footprint a scheduling decision must satisfy.
type CapacityRequest struct {
	RAMMB         int64
	CPUMillicores int64
	BandwidthGB   int64
	Region        string
}
