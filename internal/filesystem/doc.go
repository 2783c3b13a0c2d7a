// Package filesystem wraps file operations with retry logic for NFS mounts.
// Media libraries commonly live on network storage where a server-side
// rename or re-export briefly yields stale file handles.
package filesystem
