// Package handlers exposes the HTTP surface: media delivery, media info,
// thumbnails, cache maintenance and health. Handlers stay thin, translating
// pipeline results and the error taxonomy onto status codes.
package handlers
