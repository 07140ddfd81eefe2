package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Collectors are created eagerly so packages can record before (or
// without) registration; Register exposes them on a registry.
var (
	TokensIssuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "svault_tokens_issued_total",
		Help: "Total number of short-lived tokens issued, by kind.",
	}, []string{"kind"})
	TokenValidationFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "svault_token_validation_failures_total",
		Help: "Total number of failed token validations, by reason.",
	}, []string{"reason"})
	TokensSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "svault_tokens_swept_total",
		Help: "Total number of expired tokens removed by the sweep.",
	})
	AccountsProvisionedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "svault_accounts_provisioned_total",
		Help: "Total number of backend vault accounts created.",
	})
	ProvisioningFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "svault_provisioning_failures_total",
		Help: "Total number of failed account provisioning attempts.",
	})
	AccessTokenRotationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "svault_access_token_rotations_total",
		Help: "Total number of vault access token rotations, by trigger and result.",
	}, []string{"trigger", "result"})
	PoolConnectionsCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "svault_pool_connections_created_total",
		Help: "Total number of backend vault connections created, by scope kind.",
	}, []string{"scope"})
	PoolEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "svault_pool_evictions_total",
		Help: "Total number of pooled connections evicted, by reason.",
	}, []string{"reason"})
	PoolConnectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "svault_pool_connections",
		Help: "Current number of cached backend vault connections.",
	})
)

// Register registers all collectors on reg. Registration errors (for
// example a second call against the same registry) are logged.
func Register(reg prometheus.Registerer) {
	if reg == nil {
		log.Error().Msg("Prometheus registry is nil, cannot register broker metrics.")
		return
	}

	collectors := map[string]prometheus.Collector{
		"TokensIssuedTotal":            TokensIssuedTotal,
		"TokenValidationFailuresTotal": TokenValidationFailuresTotal,
		"TokensSweptTotal":             TokensSweptTotal,
		"AccountsProvisionedTotal":     AccountsProvisionedTotal,
		"ProvisioningFailuresTotal":    ProvisioningFailuresTotal,
		"AccessTokenRotationsTotal":    AccessTokenRotationsTotal,
		"PoolConnectionsCreatedTotal":  PoolConnectionsCreatedTotal,
		"PoolEvictionsTotal":           PoolEvictionsTotal,
		"PoolConnectionsGauge":         PoolConnectionsGauge,
	}
	for name, c := range collectors {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msgf("Failed to register %s metric", name)
		}
	}
	log.Info().Msg("Broker Prometheus metrics registered.")
}
