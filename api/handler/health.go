package handler

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/use-agent/gatecrash/models"
)

// PoolStatser reports session pool occupancy.
type PoolStatser interface {
	Stats() models.PoolStats
}

// EgressStatser summarizes the egress registry.
type EgressStatser interface {
	Stats() models.EgressStats
}

// Health returns a handler for GET /api/v1/health.
//
// Degrades status when more than 80% of sessions are checked out.
func Health(pool PoolStatser, eg EgressStatser, startTime time.Time) gin.HandlerFunc {
	proc, _ := process.NewProcess(int32(os.Getpid()))

	return func(c *gin.Context) {
		stats := pool.Stats()

		status := "healthy"
		if stats.MaxSessions > 0 && stats.ActiveCount > int(float64(stats.MaxSessions)*0.8) {
			status = "degraded"
		}

		var egStats models.EgressStats
		if eg != nil {
			egStats = eg.Stats()
		}

		c.JSON(http.StatusOK, models.HealthResponse{
			Status:  status,
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Pool:    stats,
			Egress:  egStats,
			Process: processStats(proc),
			Version: "0.1.0",
		})
	}
}

// processStats reads RSS and CPU for the serving process; zero values
// where the probe fails.
func processStats(proc *process.Process) models.ProcessStats {
	if proc == nil {
		return models.ProcessStats{}
	}
	var out models.ProcessStats
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		out.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		out.CPUPercent = cpu
	}
	return out
}
