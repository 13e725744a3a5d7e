//go:build !(darwin && metal) && !(linux && cuda)

package backend

const buildDevice = "cpu"
