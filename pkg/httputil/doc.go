// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteCreated(w, resource)
//	httputil.WriteErrorMessage(w, http.StatusBadRequest, "bad input")
//
// Domain errors are mapped to status codes with WriteErrorFor. Each package
// passes its own sentinel table; storage sentinels are always understood:
//
//	httputil.WriteErrorFor(w, err, map[error]int{
//		workflow.ErrInvalidTransition: http.StatusConflict,
//	})
//
// # Request Parsing
//
//	var req StartRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	limit, err := httputil.ParseQueryInt(r, "limit", 100)
//	from, err := httputil.ParseQueryTime(r, "from")
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RecoveryMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//		httputil.TimeoutMiddleware(10*time.Second),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
