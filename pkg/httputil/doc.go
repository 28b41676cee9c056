// Package httputil holds the HTTP plumbing shared by the minilytics handlers.
//
// # Responses
//
// Every JSON reply goes through WriteJSON. Errors use a single shape:
//
//	{"error": "Missing required fields"}
//
// and are written with WriteBadRequest, WriteInternalErrorMessage or
// WriteTooManyRequests (which also sets Retry-After).
//
// # Requests
//
//	var body trackRequest
//	if err := httputil.ParseJSON(r, &body); err != nil {
//		httputil.WriteBadRequest(w, err.Error())
//		return
//	}
//	days, err := httputil.ParseQueryIntInRange(r, "days", 30, 0, 3650)
//
// # Middleware
//
//	handler := httputil.Chain(
//		httputil.RecoveryMiddleware(logger),
//		httputil.RequestIDMiddleware,
//		httputil.ContextLoggerMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//		httputil.CORSMiddleware([]string{"*"}),
//		httputil.MaxBytesMiddleware(64<<10),
//	)(router)
//
// Chain applies the first middleware outermost.
package httputil
