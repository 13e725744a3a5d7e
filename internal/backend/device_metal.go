//go:build darwin && metal

package backend

const buildDevice = "metal"
