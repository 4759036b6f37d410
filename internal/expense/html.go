package expense

import (
	"embed"
	"io/fs"
)

//go:embed static/index.html
var indexHTML []byte

//go:embed static/app.css static/app.js static/controllers/*.js
var staticFiles embed.FS

// staticFS returns the embedded client files rooted at static/
func staticFS() fs.FS {
	fsys, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	return fsys
}
