package obs

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "portal_build_info",
			Help: "Always 1; labels carry the running portal auth build.",
		},
		[]string{"version", "commit", "goversion"},
	)

	startTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portal_start_time_seconds",
		Help: "Unix time the portal auth process started.",
	})
)

// InitBuildInfo publishes portal_build_info for this binary and stamps
// portal_start_time_seconds. Repeated calls replace the previous labels.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo, startTime)
		startTime.Set(float64(time.Now().Unix()))
	})
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}
