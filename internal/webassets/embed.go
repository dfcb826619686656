// Package webassets embeds the site's page templates and static files.
package webassets

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed templates static
var embedded embed.FS

// TemplatesFS holds layout.html plus one template per page.
func TemplatesFS() fs.FS {
	return sub("templates")
}

// StaticFS is served under /static/.
func StaticFS() fs.FS {
	return sub("static")
}

func sub(dir string) fs.FS {
	s, err := fs.Sub(embedded, dir)
	if err != nil {
		panic(fmt.Errorf("webassets: %s subfs: %w", dir, err))
	}
	return s
}
