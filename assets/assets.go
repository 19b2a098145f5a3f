// Package assets embeds the default WGSL shaders.
package assets

import (
	"embed"
	"io/fs"
)

//go:embed shaders/*.wgsl
var shaders embed.FS

// Shaders returns the embedded shader directory, rooted at the .wgsl files.
func Shaders() fs.FS {
	sub, err := fs.Sub(shaders, "shaders")
	if err != nil {
		panic(err)
	}
	return sub
}
