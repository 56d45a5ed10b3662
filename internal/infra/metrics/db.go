package metrics

import (
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(dbPoolStats) }

var dbPoolStats = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "billing_db_pool_stats",
		Help: "Current state of the database connection pool.",
	},
	[]string{"state"}, // 'total', 'idle', 'in_use', 'max'
)

func SetDBPoolStats(st *pgxpool.Stat) {
	if st == nil {
		return
	}
	dbPoolStats.WithLabelValues("total").Set(float64(st.TotalConns()))
	dbPoolStats.WithLabelValues("idle").Set(float64(st.IdleConns()))
	dbPoolStats.WithLabelValues("in_use").Set(float64(st.AcquiredConns()))
	dbPoolStats.WithLabelValues("max").Set(float64(st.MaxConns()))
}
