// Package workers computes worker pool sizes based on available CPU.
package workers
