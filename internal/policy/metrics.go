package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricBanditSamples = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_bandit_samples_total",
		Help: "Thompson sampling draws performed",
	})

	metricBanditUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_bandit_updates_total",
		Help: "Posterior updates applied",
	})

	metricSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tom_deploy_selections_total",
		Help: "Variant selections by route (new, uncertain, bandit, base)",
	}, []string{"route"})

	metricBlacklisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_deploy_blacklisted_total",
		Help: "Variants moved to the blacklist",
	})

	metricPersistErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_policy_persist_errors_total",
		Help: "Failed state file writes",
	})
)
