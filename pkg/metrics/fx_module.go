package metrics

import (
	"go.uber.org/fx"
)

// FXModule provides *Metrics built from the metrics.Config in the container.
// Exposition is served by the api package on the service's HTTP server.
var FXModule = fx.Module("metrics",
	fx.Provide(NewMetrics),
)
