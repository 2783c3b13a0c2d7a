// Package media generates cached thumbnails for library browsing: resized
// previews for images and poster frames for videos.
package media
