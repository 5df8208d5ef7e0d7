// Package routes defines the API routes and URL structure
package routes

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	fiber "github.com/gofiber/fiber/v2"

	"github.com/meetmemo/pipeline/pkg/api/v1/handlers"
)

/*

To keep this file organized, routes should be organized in the following way:

1. Smallest scope first (i.e. health routes before job routes)
2. For similar scopes, put the endpoints in alphabetical order
3. Order routes in GET, POST, PUT, DELETE order.
	a. Within this ordering, param urls (ie /:id) should go last, otherwise fiber will interpret the route slug as that param.
	b. After param considerations, order alphabetically.
4. For clarity, naming should match the action (i.e. GetJob, CancelJob)

*/

// API base configuration
const (
	// DefaultPort is the default port for the API
	DefaultPort = "8000"
	// APIv1Prefix is the prefix for all API endpoints
	APIv1Prefix = "/api/v1"
)

// DefaultBaseURL is the default base URL for the API
var DefaultBaseURL = fmt.Sprintf("http://localhost:%s", DefaultPort)

// Route names for lookup
const (
	// Health checks
	HealthCheck         = "HealthCheck"
	DetailedHealthCheck = "DetailedHealthCheck"
	LLMHealthCheck      = "LLMHealthCheck"

	// Job routes
	GetJobs        = "GetJobs"
	GetJobStats    = "GetJobStats"
	GetJob         = "GetJob"
	GetJobResult   = "GetJobResult"
	GetJobDocument = "GetJobDocument"
	SubmitJob      = "SubmitJob"
	CancelJob      = "CancelJob"

	// Upload routes
	GetUploadFormats = "GetUploadFormats"
	UploadJob        = "UploadJob"
)

// routeCache stores extracted routes for use prior to compilation
var (
	routeCache     map[string]string
	routeCacheMu   sync.RWMutex
	routeCacheInit sync.Once
)

// RegisterRoutes configures all the v1 routes
//
// NOTE: route ordering is important because routes will try and match in the order they are registered.
// For example, if we register GetJob before GetJobStats, /stats will get interpreted as a job ID.
func RegisterRoutes(
	app *fiber.App,
	healthHandler *handlers.HealthHandler,
	jobHandler *handlers.JobHandler,
) {
	// Health checks
	health := app.Group("/health")
	health.Get("/", healthHandler.Health).Name(HealthCheck)
	health.Get("/detailed", healthHandler.Detailed).Name(DetailedHealthCheck)
	health.Get("/llm", healthHandler.LLM).Name(LLMHealthCheck)

	// API v1 routes
	v1 := app.Group(APIv1Prefix)

	// Job endpoints
	jobs := v1.Group("/jobs")
	jobs.Get("/", jobHandler.ListJobs).Name(GetJobs)
	jobs.Get("/stats", jobHandler.GetJobStats).Name(GetJobStats)
	jobs.Get("/:id", jobHandler.GetJob).Name(GetJob)
	jobs.Get("/:id/document", jobHandler.GetJobDocument).Name(GetJobDocument)
	jobs.Get("/:id/result", jobHandler.GetJobResult).Name(GetJobResult)
	jobs.Post("/", jobHandler.SubmitJob).Name(SubmitJob)
	jobs.Post("/:id/cancel", jobHandler.CancelJob).Name(CancelJob)

	// ---------------------------
	// Upload endpoints
	uploads := v1.Group("/uploads")
	uploads.Get("/formats", jobHandler.GetUploadFormats).Name(GetUploadFormats)
	uploads.Post("/", jobHandler.UploadJob).Name(UploadJob)
}

// initRouteCache initializes the route cache by creating a mock app and extracting routes
func initRouteCache() {
	routeCacheInit.Do(func() {
		routeCache = make(map[string]string)

		app := fiber.New()
		RegisterRoutes(app, &handlers.HealthHandler{}, &handlers.JobHandler{})

		for _, route := range app.GetRoutes() {
			if route.Name != "" {
				routeCache[route.Name] = route.Path
			}
		}
	})
}

// GetRoute returns the route pattern for the given route name
func GetRoute(name string) string {
	routeCacheMu.RLock()
	defer routeCacheMu.RUnlock()

	// Initialize cache if needed
	if routeCache == nil {
		routeCacheMu.RUnlock()
		initRouteCache()
		routeCacheMu.RLock()
	}

	return routeCache[name]
}

// BuildURL builds a URL for the given route name and parameters
func BuildURL(routeName string, params map[string]string, queryParams url.Values) string {
	route := GetRoute(routeName)
	if route == "" {
		return ""
	}

	for param, value := range params {
		route = strings.ReplaceAll(route, ":"+param, url.PathEscape(value))
	}

	// Remove trailing slash if it's a base endpoint with no parameters
	if strings.HasSuffix(route, "/") && !strings.Contains(route, ":") && route != "/" {
		route = strings.TrimSuffix(route, "/")
	}

	if len(queryParams) > 0 {
		route = fmt.Sprintf("%s?%s", route, queryParams.Encode())
	}

	return route
}

// Health check route helpers

// HealthCheckURL returns the URL for the health check endpoint
func HealthCheckURL() string {
	return BuildURL(HealthCheck, nil, nil)
}

// DetailedHealthCheckURL returns the URL for the detailed health check endpoint
func DetailedHealthCheckURL() string {
	return BuildURL(DetailedHealthCheck, nil, nil)
}

// LLMHealthCheckURL returns the URL for the LLM connectivity probe
func LLMHealthCheckURL() string {
	return BuildURL(LLMHealthCheck, nil, nil)
}

// Job route helpers

// GetJobsURL returns the URL for listing jobs
func GetJobsURL(queryParams url.Values) string {
	return BuildURL(GetJobs, nil, queryParams)
}

// GetJobStatsURL returns the URL for the per state job counts
func GetJobStatsURL() string {
	return BuildURL(GetJobStats, nil, nil)
}

// GetJobURL returns the URL for getting a job by ID
func GetJobURL(id string) string {
	return BuildURL(GetJob, map[string]string{"id": id}, nil)
}

// GetJobResultURL returns the URL of the stored result of a job
func GetJobResultURL(id string) string {
	return BuildURL(GetJobResult, map[string]string{"id": id}, nil)
}

// GetJobDocumentURL returns the URL of the summary document of a job
func GetJobDocumentURL(id string) string {
	return BuildURL(GetJobDocument, map[string]string{"id": id}, nil)
}

// SubmitJobURL returns the URL for submitting a job
func SubmitJobURL() string {
	return BuildURL(SubmitJob, nil, nil)
}

// CancelJobURL returns the URL for cancelling a job
func CancelJobURL(id string) string {
	return BuildURL(CancelJob, map[string]string{"id": id}, nil)
}

// Upload route helpers

// GetUploadFormatsURL returns the URL listing the accepted upload formats
func GetUploadFormatsURL() string {
	return BuildURL(GetUploadFormats, nil, nil)
}

// UploadJobURL returns the URL for uploading a recording
func UploadJobURL() string {
	return BuildURL(UploadJob, nil, nil)
}
