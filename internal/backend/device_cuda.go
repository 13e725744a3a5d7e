//go:build linux && cuda

package backend

const buildDevice = "cuda"
