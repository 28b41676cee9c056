// Package api exposes the public minilytics HTTP endpoints.
//
//	POST /track              record one page view
//	GET  /stats/{site_key}   aggregated report, ?days=N (default 30)
//	GET  /script.js          embeddable tracking snippet
//
// Embed the snippet on any page:
//
//	<script src="https://stats.example.com/script.js" data-site-key="blog"></script>
//
// NewRouter wraps the routes with recovery, request IDs, logging, CORS,
// body limits and tracing. Rate limiting applies to /track only.
package api
