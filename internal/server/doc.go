// Package server hosts the Fiber HTTP service: the request-ID and recover
// middleware chain, the catch-all route that hands requests to the proxy,
// and the shared upstream http.Client. Diagnostics endpoints under /-/ live
// in the routes subpackage and are registered on the app returned by NewApp.
package server
