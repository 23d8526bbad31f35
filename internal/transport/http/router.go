package http

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Services groups the application services exposed over HTTP.
type Services struct {
	Orders     OrderAPI
	Vouchers   VoucherRedeemer
	Settlement ExhaustedLister
	Health     Pinger
}

// NewRouter wires every route behind tracing, request logging and CORS.
func NewRouter(svc Services, corsOrigins []string, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, h http.Handler) {
		mux.Handle(pattern, otelhttp.WithRouteTag(pattern, h))
	}
	mux.Handle("/health", HealthHandler(svc.Health))
	route("/orders", HandleCreateOrder(svc.Orders))
	route("/orders/", HandleOrder(svc.Orders))
	route("/vouchers/redeem", HandleRedeemVoucher(svc.Vouchers))
	route("/admin/settlements/exhausted", HandleExhaustedSettlements(svc.Settlement))
	route("/", NotFoundHandler())

	return otelhttp.NewHandler(RequestLogger(CORS(corsOrigins, mux), logger), "promo.http",
		otelhttp.WithFilter(func(r *http.Request) bool { return r.URL.Path != "/health" }),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + spanRoute(r.URL.Path)
		}),
	)
}

// spanRoute collapses ids out of the path so span names stay low-cardinality.
func spanRoute(path string) string {
	switch {
	case path == "/orders", path == "/vouchers/redeem", path == "/admin/settlements/exhausted":
		return path
	case strings.HasPrefix(path, "/orders/"):
		if strings.HasSuffix(path, "/cancel") {
			return "/orders/{id}/cancel"
		}
		return "/orders/{id}"
	default:
		return "unmatched"
	}
}
