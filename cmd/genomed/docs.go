package main

// General API documentation for swaggo. Regenerate internal/httpapi/docs with
// swag init -g cmd/genomed/docs.go -o internal/httpapi/docs.
//
// @title           genomed API
// @version         1.0
// @description     Genome runtime: layer assembly, warm process pool and streaming inference.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
