// Command cachectl inspects and maintains the artifact cache while the
// server is offline. It takes the cache lock, so it refuses to run against
// a live server.
package main
